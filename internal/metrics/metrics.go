// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ダウンロード結果のラベル値。
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スキャナやダウンローダから利用する。
type MetricsCollector interface {
	RecordScanSuccess(accountID string)
	RecordScanFailure(accountID string, reason string)
	RecordReplaysDiscovered(count int)
	RecordProviderStatus(statusCode int)
	RecordDownload(result string, duration time.Duration)
	RecordTransientError()
	SetQueueDepth(depth int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	scanSuccess      prometheus.Counter
	scanFail         prometheus.Counter
	replaysFound     prometheus.Counter
	providerStatus   *prometheus.CounterVec
	downloads        *prometheus.CounterVec
	downloadDuration prometheus.Histogram
	transientErrors  prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scanSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lamd_scan_success_total",
			Help: "アカウントスキャン成功の合計数",
		}),
		scanFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lamd_scan_fail_total",
			Help: "アカウントスキャン失敗の合計数",
		}),
		replaysFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lamd_replays_discovered_total",
			Help: "キューに追加された新着リプレイの合計数",
		}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lamd_provider_http_status_total",
			Help: "プロバイダAPIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lamd_downloads_total",
			Help: "結果別のダウンロード試行数",
		}, []string{"result"}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lamd_download_duration_seconds",
			Help:    "ダウンロード1件あたりの所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		transientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lamd_download_transient_errors_total",
			Help: "ダウンロード中に発生した一時的エラーの合計数",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lamd_queue_depth",
			Help: "ダウンロードキューに残っている件数",
		}),
	}

	reg.MustRegister(
		c.scanSuccess,
		c.scanFail,
		c.replaysFound,
		c.providerStatus,
		c.downloads,
		c.downloadDuration,
		c.transientErrors,
		c.queueDepth,
	)

	return c
}

// RecordScanSuccess はスキャン成功を記録する。
func (c *Collector) RecordScanSuccess(accountID string) {
	c.scanSuccess.Inc()
}

// RecordScanFailure はスキャン失敗を記録する。
func (c *Collector) RecordScanFailure(accountID string, reason string) {
	c.scanFail.Inc()
}

// RecordReplaysDiscovered はキューに追加したリプレイ数を記録する。
func (c *Collector) RecordReplaysDiscovered(count int) {
	c.replaysFound.Add(float64(count))
}

// RecordProviderStatus はプロバイダAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordProviderStatus(statusCode int) {
	c.providerStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordDownload はダウンロード試行の結果と所要時間を記録する。
func (c *Collector) RecordDownload(result string, duration time.Duration) {
	c.downloads.WithLabelValues(result).Inc()
	c.downloadDuration.Observe(duration.Seconds())
}

// RecordTransientError は一時的エラーを記録する。
func (c *Collector) RecordTransientError() {
	c.transientErrors.Inc()
}

// SetQueueDepth はキューの残件数を記録する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// Nop は何も記録しないMetricsCollector。メトリクス不要な構成やテストで使う。
type Nop struct{}

func (Nop) RecordScanSuccess(string) {}
func (Nop) RecordScanFailure(string, string) {}
func (Nop) RecordReplaysDiscovered(int) {}
func (Nop) RecordProviderStatus(int) {}
func (Nop) RecordDownload(string, time.Duration) {}
func (Nop) RecordTransientError() {}
func (Nop) SetQueueDepth(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
