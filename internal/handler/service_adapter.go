package handler

import (
	"context"
	"sync"

	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/model"
)

// ApplicationFinder はセル操作の前にアプリケーションの存在を確認する。
type ApplicationFinder interface {
	FindByID(ctx context.Context, id string) (*model.Application, error)
}

// GridServiceAdapter は grid.Registry を GridServiceInterface に適合させるアダプタ。
// 年月ごとのManagerを共有するため、同じ年月への変更はプロセス内で直列化される。
type GridServiceAdapter struct {
	registry *grid.Registry
	apps     ApplicationFinder
}

// NewGridServiceAdapter はGridServiceAdapterを生成する。
// appsがnilの場合、アプリケーションの存在確認を省略する。
func NewGridServiceAdapter(registry *grid.Registry, apps ApplicationFinder) *GridServiceAdapter {
	return &GridServiceAdapter{registry: registry, apps: apps}
}

// Snapshot は指定年月のグリッド状態を返す。
func (a *GridServiceAdapter) Snapshot(ctx context.Context, period model.Period) (grid.Snapshot, error) {
	m, err := a.registry.Acquire(ctx, period)
	if err != nil {
		return grid.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// Toggle はセルの状態を次の状態に進め、変更後の状態を返す。
func (a *GridServiceAdapter) Toggle(ctx context.Context, period model.Period, applicationID string, day int) (model.OutageStatus, error) {
	m, err := a.acquireForCell(ctx, period, applicationID)
	if err != nil {
		return "", err
	}
	return m.ToggleOutageStatus(ctx, applicationID, day)
}

// Set はセルの状態を指定値にする。
func (a *GridServiceAdapter) Set(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error {
	m, err := a.acquireForCell(ctx, period, applicationID)
	if err != nil {
		return err
	}
	return m.SetOutageStatus(ctx, applicationID, day, status, notes)
}

// Watch は指定年月のスナップショットを変更のたびに配信する。
// 最初に現在の状態を送る。受信側が遅れた場合は未受信のスナップショットを最新のもので置き換える。
func (a *GridServiceAdapter) Watch(ctx context.Context, period model.Period) (<-chan grid.Snapshot, error) {
	m, err := a.registry.Acquire(ctx, period)
	if err != nil {
		return nil, err
	}

	ch := make(chan grid.Snapshot, 1)
	var mu sync.Mutex
	closed := false
	send := func(s grid.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case <-ch:
		default:
		}
		ch <- s
	}

	unsubscribe := m.Subscribe(send)
	send(m.Snapshot())

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}

func (a *GridServiceAdapter) acquireForCell(ctx context.Context, period model.Period, applicationID string) (*grid.Manager, error) {
	if a.apps != nil {
		app, err := a.apps.FindByID(ctx, applicationID)
		if err != nil {
			return nil, model.AsStoreError(err)
		}
		if app == nil {
			return nil, model.NewApplicationNotFoundError(applicationID)
		}
	}
	return a.registry.Acquire(ctx, period)
}
