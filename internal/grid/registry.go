package grid

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

// Registry はサーバー内で年月ごとに1つのManagerを共有する。
// 同じ年月への変更はすべて同じManagerを経由するため、プロセス内では直列化される。
type Registry struct {
	store   repository.OutageRepository
	watcher OutageWatcher
	opts    []Option
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[model.Period]*registryEntry
}

type registryEntry struct {
	manager  *Manager
	cancel   context.CancelFunc
	lastUsed time.Time
}

// NewRegistry はRegistryを生成する。
// watcherがnilでない場合、各Managerは生成時からその年月のストリームを追従する。
func NewRegistry(store repository.OutageRepository, watcher OutageWatcher, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		watcher: watcher,
		opts:    append([]Option{WithLogger(logger)}, opts...),
		logger:  logger,
		now:     time.Now,
		entries: make(map[model.Period]*registryEntry),
	}
}

// Acquire は指定年月のManagerを返す。
// 初回は障害記録を読み込んだManagerを生成し、ストリームの追従を開始する。
// 読み込み中はロックを保持しないため、他の年月のAcquireを待たせない。
func (r *Registry) Acquire(ctx context.Context, period model.Period) (*Manager, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}

	if m := r.lookup(period); m != nil {
		return m, nil
	}

	m := NewManager(r.store, period, r.opts...)
	if err := m.LoadOutages(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 読み込み中に別の呼び出しが登録した場合はそちらを使う
	if e, ok := r.entries[period]; ok {
		e.lastUsed = r.now()
		return e.manager, nil
	}

	followCtx, cancel := context.WithCancel(context.Background())
	if r.watcher != nil {
		go func() {
			if err := m.Follow(followCtx, r.watcher); err != nil {
				r.logger.Warn("障害記録ストリームの追従に失敗しました",
					slog.String("period", period.String()),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	r.entries[period] = &registryEntry{manager: m, cancel: cancel, lastUsed: r.now()}
	return m, nil
}

func (r *Registry) lookup(period model.Period) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[period]; ok {
		e.lastUsed = r.now()
		return e.manager
	}
	return nil
}

// EvictIdle はオブザーバーがおらず、maxIdle以上使われていないManagerを破棄し、破棄した数を返す。
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	evicted := 0
	for period, e := range r.entries {
		if e.manager.ObserverCount() > 0 || now.Sub(e.lastUsed) < maxIdle {
			continue
		}
		e.cancel()
		delete(r.entries, period)
		evicted++
	}
	return evicted
}

// Len は保持しているManagerの数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close はすべてのManagerのストリーム追従を停止して破棄する。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for period, e := range r.entries {
		e.cancel()
		delete(r.entries, period)
	}
}
