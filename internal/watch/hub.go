// Package watch は年月ごとの障害記録セットをプッシュ型で配信する。
//
// 変更の検知はHubに集約される。PostgreSQLではoutage_changesチャネルのNOTIFYを
// PostgresListenerがHubへ中継し、SQLiteではNotifyingOutageRepoが書き込み成功後にHubへ通知する。
// Feed.WatchはHubの通知を受けるたびに対象年月の全件を再取得して送出する。
package watch

import (
	"sync"

	"github.com/hitoshi/outagegrid/internal/model"
)

// Hub はプロセス内で年月ごとの変更通知を配る。
type Hub struct {
	mu   sync.Mutex
	subs map[model.Period]map[chan struct{}]struct{}
}

// NewHub はHubを生成する。
func NewHub() *Hub {
	return &Hub{subs: make(map[model.Period]map[chan struct{}]struct{})}
}

// Subscribe は指定年月の変更通知チャネルを登録する。
// チャネルはバッファ1で、未処理の通知がある間の追加通知はまとめられる。
// 返された関数で登録を解除する。
func (h *Hub) Subscribe(period model.Period) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	set, ok := h.subs[period]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[period] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[period], ch)
			if len(h.subs[period]) == 0 {
				delete(h.subs, period)
			}
		})
	}
}

// Publish は指定年月の購読者に変更を通知する。
func (h *Hub) Publish(period model.Period) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[period] {
		signal(ch)
	}
}

// PublishAll は全年月の購読者に変更を通知する。
// 変更対象の年月が特定できない場合や、通知の取りこぼしがありうる再接続後に使う。
func (h *Hub) PublishAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for ch := range set {
			signal(ch)
		}
	}
}

// Subscribers は登録中の購読数を返す。
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
