package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/outagegrid/internal/metrics"
	"github.com/hitoshi/outagegrid/internal/middleware"
	"github.com/hitoshi/outagegrid/internal/release"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer
	StreamMetrics   StreamMetrics
	AssetsDir       string
	MaxUploadSize   int64

	// グリッド
	GridService GridServiceInterface

	// カテゴリ・アプリケーション
	CatalogService CatalogServiceInterface

	// リリース
	ReleaseService ReleaseServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General → Write)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	gridHandler := NewGridHandler(deps.GridService, deps.CatalogService, deps.StreamMetrics)
	catalogHandler := NewCatalogHandler(deps.CatalogService)
	releaseHandler := NewReleaseHandler(deps.ReleaseService, deps.MaxUploadSize)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Use(deps.RateLimiter.WriteMiddleware())
		}

		// 障害グリッド
		r.Route("/api/grid", func(r chi.Router) {
			r.Get("/", gridHandler.GetGrid)
			r.Get("/stream", gridHandler.Stream)

			r.Route("/{year}/{month}/cells/{applicationId}/{day}", func(r chi.Router) {
				r.Put("/", gridHandler.SetCell)
				r.Post("/toggle", gridHandler.ToggleCell)
			})
		})

		// カテゴリ
		r.Route("/api/categories", func(r chi.Router) {
			r.Get("/", catalogHandler.ListCategories)
			r.Post("/", catalogHandler.AddCategory)
			r.Put("/order", catalogHandler.ReorderCategories)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", catalogHandler.RenameCategory)
				r.Delete("/", catalogHandler.DeleteCategory)
				r.Post("/applications", catalogHandler.AddApplication)
				r.Put("/applications/order", catalogHandler.ReorderApplications)
			})
		})

		// アプリケーション
		r.Route("/api/applications/{id}", func(r chi.Router) {
			r.Patch("/", catalogHandler.RenameApplication)
			r.Delete("/", catalogHandler.DeleteApplication)
		})

		// リリース
		r.Route("/api/releases", func(r chi.Router) {
			r.Get("/", releaseHandler.List)
			r.Post("/", releaseHandler.Add)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", releaseHandler.Get)
				r.Patch("/", releaseHandler.Update)
				r.Delete("/", releaseHandler.Delete)
			})
		})
	})

	// スクリーンショット画像
	if deps.AssetsDir != "" {
		r.Handle(release.AssetsURLPrefix+"*",
			http.StripPrefix(release.AssetsURLPrefix, http.FileServer(http.Dir(deps.AssetsDir))))
	}

	return r
}
