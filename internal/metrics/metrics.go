// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// グリッド、ストリーム配信、リリース取り込みから利用する。
type MetricsCollector interface {
	RecordOutageMutation(action string)
	RecordStoreError(operation string)
	RecordGridReload(duration time.Duration)
	RecordStreamOpened()
	RecordStreamClosed()
	RecordReleasesImported(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	outageMutations   *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	gridReload        prometheus.Histogram
	streamSubscribers prometheus.Gauge
	releasesImported  prometheus.Counter
	httpStatus        *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outageMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outagegrid_outage_mutations_total",
			Help: "障害記録の作成・更新・削除の合計数",
		}, []string{"action"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outagegrid_store_errors_total",
			Help: "データストア操作の失敗数",
		}, []string{"operation"}),
		gridReload: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outagegrid_grid_reload_seconds",
			Help:    "月単位の障害記録の再読み込みにかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outagegrid_stream_subscribers",
			Help: "接続中のグリッド配信ストリーム数",
		}),
		releasesImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outagegrid_releases_imported_total",
			Help: "フィードから取り込んだリリースの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outagegrid_http_status_total",
			Help: "リリースフィード取得のHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.outageMutations,
		c.storeErrors,
		c.gridReload,
		c.streamSubscribers,
		c.releasesImported,
		c.httpStatus,
	)

	return c
}

// RecordOutageMutation は障害記録の変更を記録する。actionはcreate/update/delete。
func (c *Collector) RecordOutageMutation(action string) {
	c.outageMutations.WithLabelValues(action).Inc()
}

// RecordStoreError はデータストア操作の失敗を記録する。
func (c *Collector) RecordStoreError(operation string) {
	c.storeErrors.WithLabelValues(operation).Inc()
}

// RecordGridReload は再読み込みの所要時間を記録する。
func (c *Collector) RecordGridReload(duration time.Duration) {
	c.gridReload.Observe(duration.Seconds())
}

func (c *Collector) RecordStreamOpened() {
	c.streamSubscribers.Inc()
}

func (c *Collector) RecordStreamClosed() {
	c.streamSubscribers.Dec()
}

// RecordReleasesImported は取り込んだリリース件数を記録する。
func (c *Collector) RecordReleasesImported(count int) {
	c.releasesImported.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスが単独でスクレイプを受ける場合に使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
