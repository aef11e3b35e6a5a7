package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewPrometheusCollector(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	if pc == nil {
		t.Fatal("NewPrometheusCollector returned nil")
	}
	if pc.Collector() != c {
		t.Error("expected PrometheusCollector to wrap the given Collector")
	}
	if pc.Registry() == nil {
		t.Error("expected non-nil Prometheus registry")
	}
}

func TestPrometheusRecordChainCall(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	pc.RecordChainCall("stakeOf", 10*time.Millisecond, nil)
	pc.RecordChainCall("stakeOf", 10*time.Millisecond, nil)
	pc.RecordChainCall("owner", 10*time.Millisecond, errors.New("boom"))

	if got := c.GetMetrics().ChainCalls["stakeOf/ok"]; got != 2 {
		t.Errorf("expected JSON collector stakeOf/ok 2, got %d", got)
	}
	if got := getCounterValue(t, pc.chainCalls, "stakeOf", StatusOK); got != 2 {
		t.Errorf("expected Prometheus stakeOf/ok 2, got %f", got)
	}
	if got := getCounterValue(t, pc.chainCalls, "owner", StatusError); got != 1 {
		t.Errorf("expected Prometheus owner/error 1, got %f", got)
	}
}

func TestPrometheusRecordRefresh(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	pc.RecordRefresh("full", time.Second, nil)
	pc.RecordStaleDiscard("full")
	pc.RecordPublished(42)

	if got := getCounterValue(t, pc.refreshes, "full", StatusOK); got != 1 {
		t.Errorf("expected 1 full/ok pass, got %f", got)
	}
	if got := getCounterValue(t, pc.staleDiscards, "full"); got != 1 {
		t.Errorf("expected 1 stale discard, got %f", got)
	}
	if got := getGaugeValue(t, pc.snapshotSequence); got != 42 {
		t.Errorf("expected sequence gauge 42, got %f", got)
	}
}

func TestPrometheusWSClients(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	pc.IncrementWSClients()
	pc.IncrementWSClients()
	pc.DecrementWSClients()

	if got := getGaugeValue(t, pc.wsClients); got != 1 {
		t.Errorf("expected 1 websocket client, got %f", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	pc.RecordChainCall("calculateReward", 25*time.Millisecond, nil)
	pc.RecordRefresh("partial", 30*time.Millisecond, nil)
	pc.RecordTransaction("claim", nil)
	pc.RecordOracleFetch(nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	pc.PrometheusHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	body, err := io.ReadAll(rr.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	bodyStr := string(body)

	expectedMetrics := []string{
		"stakeboard_chain_calls_total",
		"stakeboard_chain_call_duration_seconds",
		"stakeboard_refresh_passes_total",
		"stakeboard_transactions_total",
		"stakeboard_oracle_fetches_total",
		"stakeboard_goroutine_count",
		"stakeboard_uptime_seconds",
	}
	for _, name := range expectedMetrics {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("expected metric %q in Prometheus output, not found", name)
		}
	}

	if !strings.Contains(bodyStr, `method="calculateReward"`) {
		t.Error("expected method label 'calculateReward' in Prometheus output")
	}

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Errorf("expected Content-Type containing text/plain, got %q", ct)
	}
}

func TestPrometheusUptimeIncreases(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	time.Sleep(10 * time.Millisecond)
	pc.Sync()

	if uptime := getGaugeValue(t, pc.uptimeSeconds); uptime < 0.01 {
		t.Errorf("expected measurable uptime, got %f", uptime)
	}
}

// getCounterValue extracts the current counter value for the given labels from a CounterVec.
func getCounterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter := cv.WithLabelValues(labels...)
	metric := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(metric); err != nil {
		t.Fatalf("failed to read counter metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

// getGaugeValue extracts the current value from a Prometheus Gauge.
func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("failed to read gauge metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}
