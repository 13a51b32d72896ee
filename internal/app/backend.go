package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/outagegrid/internal/config"
	"github.com/hitoshi/outagegrid/internal/database"
	"github.com/hitoshi/outagegrid/internal/repository"
	"github.com/hitoshi/outagegrid/internal/watch"
)

// backend はストア種別ごとに構築したリポジトリと変更通知の配線をまとめる。
type backend struct {
	store *repository.Store
	hub   *watch.Hub
	feed  *watch.Feed
	db    *sql.DB

	// listen はPostgreSQLの変更通知をHubに中継する。SQLiteではnil。
	listen func(ctx context.Context) error
}

// Close はDB接続を閉じる。
func (b *backend) Close() error {
	return b.db.Close()
}

// openBackend はSTORE_DRIVERに応じてストアを開き、接続を確認する。
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.UsesSQLite() {
		return openSQLiteBackend(ctx, cfg, logger)
	}
	return openPostgresBackend(ctx, cfg, logger)
}

func openPostgresBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established",
		slog.String("driver", config.StoreDriverPostgres),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	store := repository.NewPostgresStore(db)
	hub := watch.NewHub()
	listener := watch.NewPostgresListener(cfg.DatabaseURL, hub, logger)

	return &backend{
		store:  store,
		hub:    hub,
		feed:   watch.NewFeed(hub, store.Outages, logger),
		db:     db,
		listen: listener.Run,
	}, nil
}

func openSQLiteBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	gdb, err := database.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	db, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite connection pool: %w", err)
	}
	if err := repository.AutoMigrateSQLite(gdb.WithContext(ctx)); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database connection established",
		slog.String("driver", config.StoreDriverSQLite),
		slog.String("path", cfg.SQLitePath),
	)

	store := repository.NewSQLiteStore(gdb)
	hub := watch.NewHub()
	feed := watch.NewFeed(hub, store.Outages, logger)
	// SQLiteには変更通知がないため、書き込みのたびにプロセス内のHubへ通知する
	store.Outages = watch.NewNotifyingOutageRepo(store.Outages, hub)

	return &backend{
		store: store,
		hub:   hub,
		feed:  feed,
		db:    db,
	}, nil
}
