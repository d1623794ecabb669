package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名のメトリクスファミリーを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordScanSuccess_IncrementsCounter はスキャン成功カウンタが増加することを検証する。
func TestRecordScanSuccess_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordScanSuccess("1001")
	c.RecordScanSuccess("1002")

	mf := findMetric(t, reg, "lamd_scan_success_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("scan_success_total = %v, want 2", val)
	}
}

// TestRecordScanFailure_IncrementsCounter はスキャン失敗カウンタが増加することを検証する。
func TestRecordScanFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordScanFailure("1001", "timeout")

	mf := findMetric(t, reg, "lamd_scan_fail_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("scan_fail_total = %v, want 1", val)
	}
}

// TestRecordReplaysDiscovered_AddsCount は発見件数が加算されることを検証する。
func TestRecordReplaysDiscovered_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReplaysDiscovered(3)
	c.RecordReplaysDiscovered(4)

	mf := findMetric(t, reg, "lamd_replays_discovered_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 7 {
		t.Errorf("replays_discovered_total = %v, want 7", val)
	}
}

// TestRecordProviderStatus_LabelsByCode はステータスコードごとにラベル付けされることを検証する。
func TestRecordProviderStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderStatus(200)
	c.RecordProviderStatus(200)
	c.RecordProviderStatus(404)

	mf := findMetric(t, reg, "lamd_provider_http_status_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				got[lp.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	if got["200"] != 2 {
		t.Errorf("status 200 = %v, want 2", got["200"])
	}
	if got["404"] != 1 {
		t.Errorf("status 404 = %v, want 1", got["404"])
	}
}

// TestRecordDownload_CountsByResult は結果ラベル別に件数と所要時間が記録されることを検証する。
func TestRecordDownload_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDownload(ResultSuccess, 2*time.Second)
	c.RecordDownload(ResultFailure, time.Second)
	c.RecordDownload(ResultSuccess, 4*time.Second)

	mf := findMetric(t, reg, "lamd_downloads_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if got[ResultSuccess] != 2 {
		t.Errorf("success = %v, want 2", got[ResultSuccess])
	}
	if got[ResultFailure] != 1 {
		t.Errorf("failure = %v, want 1", got[ResultFailure])
	}

	hist := findMetric(t, reg, "lamd_download_duration_seconds")
	if n := hist.GetMetric()[0].GetHistogram().GetSampleCount(); n != 3 {
		t.Errorf("sample count = %d, want 3", n)
	}
}

// TestSetQueueDepth_SetsGauge はキュー残件数のゲージが上書きされることを検証する。
func TestSetQueueDepth_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetQueueDepth(5)
	c.SetQueueDepth(2)

	mf := findMetric(t, reg, "lamd_queue_depth")
	if val := mf.GetMetric()[0].GetGauge().GetValue(); val != 2 {
		t.Errorf("queue_depth = %v, want 2", val)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordScanSuccess("1001")
	c.RecordScanFailure("1002", "error")
	c.RecordProviderStatus(200)
	c.RecordDownload(ResultSuccess, 500*time.Millisecond)
	c.RecordTransientError()
	c.SetQueueDepth(1)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"lamd_scan_success_total",
		"lamd_scan_fail_total",
		"lamd_provider_http_status_total",
		"lamd_downloads_total",
		"lamd_download_duration_seconds",
		"lamd_download_transient_errors_total",
		"lamd_queue_depth",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorとNopがインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
	var _ MetricsCollector = Nop{}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordScanSuccess("a")
	c2.RecordScanSuccess("b")
	c2.RecordScanSuccess("b")

	val1 := findMetric(t, reg1, "lamd_scan_success_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findMetric(t, reg2, "lamd_scan_success_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 scan_success = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 scan_success = %v, want 2", val2)
	}
}
