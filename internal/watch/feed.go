package watch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/outagegrid/internal/model"
)

// OutageLister は年月単位で障害記録を取得する。
type OutageLister interface {
	ListByPeriod(ctx context.Context, period model.Period) ([]*model.Outage, error)
}

// Feed はHubの変更通知を障害記録セットのストリームに変換する。
type Feed struct {
	hub     *Hub
	outages OutageLister
	logger  *slog.Logger
}

// NewFeed はFeedを生成する。
func NewFeed(hub *Hub, outages OutageLister, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{hub: hub, outages: outages, logger: logger}
}

// Watch は指定年月の障害記録セットを配信するチャネルを返す。
//
// 最初の送出は現在のセットで、以降は変更が通知されるたびに全件を再取得して送出する。
// 受信側が遅れている場合、未受信の古いセットは最新のセットで置き換えられる。
// 初回の取得に失敗した場合はエラーを返す。以降の再取得の失敗はログに記録して次の通知を待つ。
// ctxがキャンセルされるとチャネルは閉じられる。
func (f *Feed) Watch(ctx context.Context, period model.Period) (<-chan []*model.Outage, error) {
	signals, unsubscribe := f.hub.Subscribe(period)

	initial, err := f.outages.ListByPeriod(ctx, period)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("障害記録の初回取得に失敗しました: %w", err)
	}

	out := make(chan []*model.Outage, 1)
	out <- initial

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				outages, err := f.outages.ListByPeriod(ctx, period)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					f.logger.Warn("障害記録の再取得に失敗しました",
						slog.String("period", period.String()),
						slog.String("error", err.Error()),
					)
					continue
				}
				sendLatest(out, outages)
			}
		}
	}()

	return out, nil
}

// sendLatest は未受信の値を捨ててから最新の値を送る。
// outへの送信者が1つだけであることを前提とする。
func sendLatest(out chan []*model.Outage, v []*model.Outage) {
	for {
		select {
		case out <- v:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
