// Package grid は障害グリッドの状態管理を提供する。
//
// Managerは選択中の年月、その年月の障害記録セット、(アプリケーションID, 日) をキーとする
// ルックアップを保持する。セルの変更はストアへ書き込んだ後に必ず再読み込みし、
// ローカル状態を楽観的に書き換えることはしない。
package grid

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

// Direction は月移動の方向。
type Direction int

const (
	Prev Direction = iota
	Next
)

// ParseDirection は "prev" / "next" をDirectionに変換する。
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prev":
		return Prev, true
	case "next":
		return Next, true
	}
	return 0, false
}

// MetricsRecorder はグリッド操作のメトリクスを記録する。
type MetricsRecorder interface {
	RecordOutageMutation(action string)
	RecordStoreError(operation string)
	RecordGridReload(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordOutageMutation(string)    {}
func (noopMetrics) RecordStoreError(string)        {}
func (noopMetrics) RecordGridReload(time.Duration) {}

// 変更操作の種別（メトリクスのactionラベル）
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

type cellKey struct {
	applicationID string
	day           int
}

// Option はManagerの生成オプション。
type Option func(*Manager)

// WithLogger はログ出力先を設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(metrics MetricsRecorder) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithNotesSanitizer は備考の正規化関数を設定する。
func WithNotesSanitizer(fn func(string) string) Option {
	return func(m *Manager) { m.sanitizeNotes = fn }
}

// WithIDGenerator は新規記録のID生成関数を設定する。
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithClock は現在時刻の取得関数を設定する。
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

// Manager は1つの選択年月に対する障害グリッドの状態を管理する。
// 変更操作はmutateMuで直列化され、同一Manager経由の書き込みが同じセルに重複記録を作ることはない。
type Manager struct {
	store         repository.OutageRepository
	logger        *slog.Logger
	metrics       MetricsRecorder
	sanitizeNotes func(string) string
	newID         func() string
	now           func() time.Time

	mutateMu sync.Mutex
	notifyMu sync.Mutex

	mu        sync.RWMutex
	period    model.Period
	outages   []*model.Outage
	lookup    map[cellKey]*model.Outage
	observers map[int]func(Snapshot)
	nextObsID int
}

// NewManager は指定年月を選択した状態のManagerを生成する。
// 障害記録は読み込まれないため、利用前にLoadOutagesを呼ぶこと。
func NewManager(store repository.OutageRepository, period model.Period, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		logger:        slog.Default(),
		metrics:       noopMetrics{},
		sanitizeNotes: strings.TrimSpace,
		newID:         uuid.NewString,
		now:           func() time.Time { return time.Now().UTC() },
		period:        period,
		lookup:        make(map[cellKey]*model.Outage),
		observers:     make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- 年月の選択と移動 ---

// Period は選択中の年月を返す。
func (m *Manager) Period() model.Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.period
}

// DaysInMonth は選択中の年月の日数を返す。
func (m *Manager) DaysInMonth() int {
	return m.Period().DaysInMonth()
}

// Days は選択中の年月の日付（1..DaysInMonth）を返す。
func (m *Manager) Days() []int {
	return m.Period().Days()
}

// SelectMonth は月を変更して再読み込みする。値の範囲は検証しない。
func (m *Manager) SelectMonth(ctx context.Context, month int) error {
	m.mu.Lock()
	m.period.Month = month
	m.mu.Unlock()
	return m.LoadOutages(ctx)
}

// SelectYear は年を変更して再読み込みする。
func (m *Manager) SelectYear(ctx context.Context, year int) error {
	m.mu.Lock()
	m.period.Year = year
	m.mu.Unlock()
	return m.LoadOutages(ctx)
}

// SelectPeriod は年月を変更して再読み込みする。
func (m *Manager) SelectPeriod(ctx context.Context, period model.Period) error {
	m.mu.Lock()
	m.period = period
	m.mu.Unlock()
	return m.LoadOutages(ctx)
}

// NavigateMonth は1か月前後に移動して再読み込みする。年をまたぐ場合は年も繰り上げ・繰り下げる。
func (m *Manager) NavigateMonth(ctx context.Context, dir Direction) error {
	m.mu.Lock()
	if dir == Next {
		m.period = m.period.Next()
	} else {
		m.period = m.period.Prev()
	}
	m.mu.Unlock()
	return m.LoadOutages(ctx)
}

// --- 障害記録セットとルックアップ ---

// LoadOutages は選択中の年月の障害記録をストアから取得し、ローカルのセットを置き換える。
// 取得中に選択年月が変わった場合、結果は破棄される。
func (m *Manager) LoadOutages(ctx context.Context) error {
	period := m.Period()

	start := time.Now()
	outages, err := m.store.ListByPeriod(ctx, period)
	if err != nil {
		m.metrics.RecordStoreError("list_outages")
		return model.AsStoreError(err)
	}
	m.metrics.RecordGridReload(time.Since(start))

	m.ReplaceOutages(period, outages)
	return nil
}

// ReplaceOutages は指定年月の障害記録セットでローカル状態を置き換え、ルックアップを再構築する。
// 選択中の年月と一致しない場合は何もせずfalseを返す。
// 置き換え後、登録済みのオブザーバーにスナップショットを通知する。
func (m *Manager) ReplaceOutages(period model.Period, outages []*model.Outage) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if period != m.period {
		m.mu.Unlock()
		return false
	}
	m.outages = outages
	m.lookup = buildLookup(outages)
	snap := m.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
	return true
}

func buildLookup(outages []*model.Outage) map[cellKey]*model.Outage {
	lookup := make(map[cellKey]*model.Outage, len(outages))
	for _, o := range outages {
		lookup[cellKey{applicationID: o.ApplicationID, day: o.Day}] = o
	}
	return lookup
}

// OutageStatus はセルの状態を返す。記録がない場合はOutageStatusNone。
func (m *Manager) OutageStatus(applicationID string, day int) model.OutageStatus {
	if o := m.Outage(applicationID, day); o != nil {
		return o.Status
	}
	return model.OutageStatusNone
}

// Outage はセルの障害記録を返す。記録がない場合はnil。
func (m *Manager) Outage(applicationID string, day int) *model.Outage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.lookup[cellKey{applicationID: applicationID, day: day}]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// --- 状態の変更 ---

// ToggleOutageStatus はセルの状態を none → partial → full → none の順に切り替え、
// 再読み込み後の状態を返す。
func (m *Manager) ToggleOutageStatus(ctx context.Context, applicationID string, day int) (model.OutageStatus, error) {
	m.mutateMu.Lock()
	defer m.mutateMu.Unlock()

	period, err := m.checkCell(day)
	if err != nil {
		return "", err
	}

	current := m.Outage(applicationID, day)
	switch {
	case current == nil:
		err = m.create(ctx, period, applicationID, day, model.OutageStatusPartial, nil)
	case current.Status == model.OutageStatusPartial:
		full := model.OutageStatusFull
		err = m.update(ctx, current.ID, model.OutagePatch{Status: &full})
	default:
		err = m.delete(ctx, current.ID)
	}
	if err := m.afterWrite(ctx, err); err != nil {
		return "", err
	}
	return m.OutageStatus(applicationID, day), nil
}

// SetOutageStatus はセルの状態を直接設定する。
//
// noneを指定した場合は記録を削除する（記録がなければ何もしない）。
// それ以外の場合、記録があれば状態と備考（指定時のみ）を更新し、なければ新規作成する。
// 備考は正規化され、空になった場合は備考なしとして扱う。
func (m *Manager) SetOutageStatus(ctx context.Context, applicationID string, day int, status model.OutageStatus, notes *string) error {
	if !status.IsValid() {
		return model.NewInvalidStatusError(string(status))
	}

	m.mutateMu.Lock()
	defer m.mutateMu.Unlock()

	period, err := m.checkCell(day)
	if err != nil {
		return err
	}
	notes = m.normalizeNotes(notes)

	current := m.Outage(applicationID, day)
	switch {
	case status == model.OutageStatusNone && current == nil:
		return nil
	case status == model.OutageStatusNone:
		err = m.delete(ctx, current.ID)
	case current != nil:
		patch := model.OutagePatch{Status: &status}
		if notes != nil {
			patch.Notes = notes
		}
		err = m.update(ctx, current.ID, patch)
	default:
		if notes != nil && *notes == "" {
			notes = nil
		}
		err = m.create(ctx, period, applicationID, day, status, notes)
	}
	return m.afterWrite(ctx, err)
}

// checkCell は日付が選択中の年月の範囲内かを検証する。
func (m *Manager) checkCell(day int) (model.Period, error) {
	period := m.Period()
	if !period.ContainsDay(day) {
		return period, model.NewInvalidDayError(period, day)
	}
	return period, nil
}

// normalizeNotes は備考を正規化する。nilはそのまま返し、空文字列は「備考を消す」指定として残す。
func (m *Manager) normalizeNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	s := strings.TrimSpace(m.sanitizeNotes(*notes))
	return &s
}

func (m *Manager) create(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error {
	ts := m.now()
	o := &model.Outage{
		ID:            m.newID(),
		ApplicationID: applicationID,
		Year:          period.Year,
		Month:         period.Month,
		Day:           day,
		Status:        status,
		Notes:         notes,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := m.store.Create(ctx, o); err != nil {
		return err
	}
	m.metrics.RecordOutageMutation(ActionCreate)
	return nil
}

func (m *Manager) update(ctx context.Context, id string, patch model.OutagePatch) error {
	if err := m.store.Update(ctx, id, patch); err != nil {
		return err
	}
	m.metrics.RecordOutageMutation(ActionUpdate)
	return nil
}

func (m *Manager) delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.metrics.RecordOutageMutation(ActionDelete)
	return nil
}

// afterWrite は書き込み結果に応じて再読み込みする。
// 競合や対象消失の場合も最新状態を取り込んでから元のエラーを返す。
func (m *Manager) afterWrite(ctx context.Context, writeErr error) error {
	if writeErr != nil {
		if model.IsCode(writeErr, model.ErrCodeOutageConflict) || model.IsCode(writeErr, model.ErrCodeOutageNotFound) {
			if err := m.LoadOutages(ctx); err != nil {
				m.logger.Warn("競合後の再読み込みに失敗しました",
					slog.String("period", m.Period().String()),
					slog.String("error", err.Error()),
				)
			}
		} else {
			m.metrics.RecordStoreError("write_outage")
		}
		return model.AsStoreError(writeErr)
	}
	return m.LoadOutages(ctx)
}

// --- スナップショットとオブザーバー ---

// Snapshot はある時点のグリッド状態の読み取り専用コピー。
type Snapshot struct {
	Period      model.Period
	DaysInMonth int
	Days        []int
	Outages     []*model.Outage
	// Cells はアプリケーションIDと日付からセルの状態を引く。記録のないセルは含まない。
	Cells map[string]map[int]model.OutageStatus
}

// Status はセルの状態を返す。記録がない場合はOutageStatusNone。
func (s Snapshot) Status(applicationID string, day int) model.OutageStatus {
	if status, ok := s.Cells[applicationID][day]; ok {
		return status
	}
	return model.OutageStatusNone
}

// Snapshot は現在の状態のスナップショットを返す。
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	outages := make([]*model.Outage, len(m.outages))
	cells := make(map[string]map[int]model.OutageStatus)
	for i, o := range m.outages {
		cp := *o
		outages[i] = &cp
		if cells[o.ApplicationID] == nil {
			cells[o.ApplicationID] = make(map[int]model.OutageStatus)
		}
		cells[o.ApplicationID][o.Day] = o.Status
	}
	return Snapshot{
		Period:      m.period,
		DaysInMonth: m.period.DaysInMonth(),
		Days:        m.period.Days(),
		Outages:     outages,
		Cells:       cells,
	}
}

// Subscribe は状態が置き換わるたびに呼ばれるオブザーバーを登録し、解除関数を返す。
// fnは置き換えを行ったゴルーチンから同期的に呼ばれるため、Managerの変更操作を呼んではならない。
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// ObserverCount は登録中のオブザーバー数を返す。
func (m *Manager) ObserverCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// --- ストリームの追従 ---

// OutageWatcher は年月ごとの障害記録セットをプッシュ型で配信する。
type OutageWatcher interface {
	Watch(ctx context.Context, period model.Period) (<-chan []*model.Outage, error)
}

// Follow は呼び出し時点の選択年月のストリームを購読し、送出のたびにローカル状態を置き換える。
// ctxがキャンセルされるかストリームが閉じられるまで戻らない。
func (m *Manager) Follow(ctx context.Context, watcher OutageWatcher) error {
	period := m.Period()
	ch, err := watcher.Watch(ctx, period)
	if err != nil {
		m.metrics.RecordStoreError("watch_outages")
		return model.AsStoreError(err)
	}
	for outages := range ch {
		m.ReplaceOutages(period, outages)
	}
	return nil
}
