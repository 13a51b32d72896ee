package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/outagegrid/internal/model"
)

// OutageChannel は障害記録の変更を通知するPostgreSQLのチャネル名。
// ペイロードは変更された記録の年月（YYYY-MM）。
const OutageChannel = "outage_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresListener はPostgreSQLのLISTEN/NOTIFYで受けた変更通知をHubに中継する。
type PostgresListener struct {
	databaseURL string
	hub         *Hub
	logger      *slog.Logger
}

// NewPostgresListener はPostgresListenerを生成する。
func NewPostgresListener(databaseURL string, hub *Hub, logger *slog.Logger) *PostgresListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresListener{databaseURL: databaseURL, hub: hub, logger: logger}
}

// Run はctxがキャンセルされるまで通知を中継する。
// 再接続後は取りこぼした通知を補うため全購読者に再取得を促す。
func (l *PostgresListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.databaseURL, listenerMinReconnect, listenerMaxReconnect, l.onEvent)
	defer listener.Close()

	if err := listener.Listen(OutageChannel); err != nil {
		return fmt.Errorf("outage_changesチャネルの購読に失敗しました: %w", err)
	}
	l.logger.Info("障害記録の変更通知の購読を開始しました", slog.String("channel", OutageChannel))

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			l.dispatch(n)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("LISTEN接続の疎通確認に失敗しました", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// dispatch は1件の通知をHubに渡す。nilは再接続を表す。
func (l *PostgresListener) dispatch(n *pq.Notification) {
	if n == nil {
		l.hub.PublishAll()
		return
	}
	period, err := model.ParsePeriod(n.Extra)
	if err != nil {
		l.logger.Warn("不正な変更通知を無視しました",
			slog.String("payload", n.Extra),
			slog.String("error", err.Error()),
		)
		return
	}
	l.hub.Publish(period)
}

func (l *PostgresListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		if err != nil {
			l.logger.Warn("LISTEN接続でエラーが発生しました", slog.String("error", err.Error()))
		}
	case pq.ListenerEventReconnected:
		l.logger.Info("LISTEN接続が再接続しました")
	}
}
