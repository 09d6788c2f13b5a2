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
// セッションアダプター・HTTPミドルウェア・バックエンドAPIクライアントから利用する。
type MetricsCollector interface {
	RecordOperation(operation, outcome string)
	RecordTransition(state string)
	RecordHTTPStatus(statusCode int)
	RecordBackendLatency(endpoint string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyhub_session_operations_total",
			Help: "セッション操作の結果別の実行数",
		}, []string{"operation", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyhub_session_transitions_total",
			Help: "セッション状態の遷移数",
		}, []string{"state"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyhub_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studyhub_backend_request_seconds",
			Help:    "バックエンドAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		c.operations,
		c.transitions,
		c.httpStatus,
		c.backendLatency,
	)

	return c
}

// RecordOperation はセッション操作の結果を記録する。
func (c *Collector) RecordOperation(operation, outcome string) {
	c.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordTransition はセッション状態の遷移を記録する。
func (c *Collector) RecordTransition(state string) {
	c.transitions.WithLabelValues(state).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordBackendLatency はバックエンドAPI呼び出しのレイテンシを記録する。
func (c *Collector) RecordBackendLatency(endpoint string, duration time.Duration) {
	c.backendLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
