package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/outagegrid/internal/catalog"
	"github.com/hitoshi/outagegrid/internal/config"
	"github.com/hitoshi/outagegrid/internal/database"
	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/handler"
	"github.com/hitoshi/outagegrid/internal/logger"
	"github.com/hitoshi/outagegrid/internal/metrics"
	"github.com/hitoshi/outagegrid/internal/middleware"
	"github.com/hitoshi/outagegrid/internal/release"
	"github.com/hitoshi/outagegrid/internal/repository"
	"github.com/hitoshi/outagegrid/internal/security"
	"github.com/hitoshi/outagegrid/internal/worker/cleanup"
	"github.com/hitoshi/outagegrid/internal/worker/schedule"
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数（とCONFIG_PATHのYAML）から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。ログはw、コマンドの出力は標準出力に書き込む。
func Run(w io.Writer, args []string) error {
	return Execute(w, os.Stdout, args)
}

// Execute はサブコマンドを解析して実行する。サブコマンドがない場合はserveとして起動する。
func Execute(logOut, out io.Writer, args []string) error {
	root := NewRootCommand(logOut)
	root.SetOut(out)
	root.SetErr(logOut)
	root.SetArgs(args)
	return root.Execute()
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()
	ctx, stop := signalContext()
	defer stop()

	// 1. ストアの接続
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	// 2. メトリクスの初期化
	reg := newMetricsRegistry()
	collector := metrics.NewCollector(reg)

	// 3. セキュリティサービスの初期化
	sanitizer := security.NewTextSanitizer()

	// 4. ドメインサービスの初期化
	registry := grid.NewRegistry(b.store.Outages, b.feed, log,
		grid.WithMetrics(collector),
		grid.WithNotesSanitizer(sanitizer.Sanitize),
	)
	defer registry.Close()

	catalogService := catalog.NewService(b.store.Categories, b.store.Applications)

	assets, err := release.NewFileAssetStore(cfg.AssetsDir, cfg.AssetMaxSize)
	if err != nil {
		return fmt.Errorf("failed to prepare assets directory: %w", err)
	}
	releaseService := release.NewService(b.store.Releases, assets, log)

	// 5. レート制限の初期化（設定値はreq/min）
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitWrite),
	)
	defer rateLimiter.Stop()

	// 6. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		HealthChecker: b.db,
		StreamMetrics: collector,
		AssetsDir:     cfg.AssetsDir,
		MaxUploadSize: cfg.AssetMaxSize,

		GridService:    handler.NewGridServiceAdapter(registry, b.store.Applications),
		CatalogService: catalogService,
		ReleaseService: releaseService,
	}
	// メトリクスポートがAPIと同じ場合のみ /metrics をAPIルーターに載せる
	if cfg.MetricsPort == cfg.ServerPort {
		deps.MetricsGatherer = reg
	}
	router := handler.NewRouter(deps)

	// 7. バックグラウンド処理の起動
	if b.listen != nil {
		go func() {
			if err := b.listen(ctx); err != nil {
				log.Error("outage change listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	scheduler := schedule.NewScheduler(cfg.Location(), log)
	if err := scheduler.Add(schedule.Job{
		Name: "evict-idle-managers",
		Spec: schedule.EverySpec(cfg.ManagerIdleTimeout),
		Run: func(ctx context.Context) error {
			if n := registry.EvictIdle(cfg.ManagerIdleTimeout); n > 0 {
				log.Info("idle grid managers evicted", slog.Int("count", n), slog.Int("active", registry.Len()))
			}
			return nil
		},
	}); err != nil {
		return err
	}
	go scheduler.Run(ctx)

	if cfg.MetricsPort != cfg.ServerPort {
		stopMetrics := startMetricsServer(cfg.MetricsPort, reg, log)
		defer stopMetrics()
	}

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSEの長時間接続のため無効化する
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 障害記録の保持期間クリーンアップとリリースフィードの取り込みをcronで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()
	ctx, stop := signalContext()
	defer stop()

	// 1. ストアの接続
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	// 2. メトリクスの初期化
	reg := newMetricsRegistry()
	collector := metrics.NewCollector(reg)
	stopMetrics := startMetricsServer(cfg.MetricsPort, reg, log)
	defer stopMetrics()

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 4. ジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(b.store.Outages, log, cfg.OutageRetentionMonths)

	assets, err := release.NewFileAssetStore(cfg.AssetsDir, cfg.AssetMaxSize)
	if err != nil {
		return fmt.Errorf("failed to prepare assets directory: %w", err)
	}
	releaseService := release.NewService(b.store.Releases, assets, log)
	importer := release.NewImporter(
		releaseService, ssrfGuard, sanitizer, collector,
		log, cfg.FetchTimeout, cfg.FetchMaxSize,
	)

	// 5. スケジューラへの登録
	scheduler := schedule.NewScheduler(cfg.Location(), log)
	if err := scheduler.Add(schedule.Job{
		Name:       "outage-retention-cleanup",
		Spec:       cfg.CleanupSchedule,
		Run:        cleanupJob.Run,
		RunOnStart: true,
	}); err != nil {
		return err
	}

	if len(cfg.ReleaseFeedURLs) > 0 {
		if err := ssrfGuard.ValidateURLs(cfg.ReleaseFeedURLs); err != nil {
			return fmt.Errorf("invalid RELEASE_FEED_URLS: %w", err)
		}
		if err := scheduler.Add(schedule.Job{
			Name: "release-import",
			Spec: cfg.ReleaseImportSchedule,
			Run: func(ctx context.Context) error {
				_, err := importer.ImportAll(ctx, cfg.ReleaseFeedURLs)
				return err
			},
			RunOnStart: true,
		}); err != nil {
			return err
		}
	}

	log.Info("worker starting",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
		slog.Int("retention_months", cfg.OutageRetentionMonths),
		slog.Int("release_sources", len(cfg.ReleaseFeedURLs)),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	if err := scheduler.Run(ctx); err != nil {
		return err
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// PostgreSQLでは未適用のマイグレーションを順番に適用し、SQLiteではテーブルを自動作成する。
func runMigrate(cfg *config.Config) error {
	if cfg.UsesSQLite() {
		slog.Info("running sqlite auto migration", slog.String("path", cfg.SQLitePath))
		gdb, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		if db, err := gdb.DB(); err == nil {
			defer db.Close()
		}
		if err := repository.AutoMigrateSQLite(gdb); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// newMetricsRegistry はGo/プロセスのメトリクスを登録済みのレジストリを返す。
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// startMetricsServer は /metrics 専用のHTTPサーバーを起動し、停止関数を返す。
func startMetricsServer(port string, gatherer prometheus.Gatherer, log *slog.Logger) func() {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           metrics.SetupMetricsRoute(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
