package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric name.
const Namespace = "stakeboard"

// PrometheusCollector wraps the in-memory Collector and mirrors its metrics
// into Prometheus format. Both the JSON stats view and the Prometheus
// exposition format are served from the same recordings.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	chainCalls        *prometheus.CounterVec
	chainCallDuration *prometheus.HistogramVec
	refreshes         *prometheus.CounterVec
	refreshDuration   *prometheus.HistogramVec
	staleDiscards     *prometheus.CounterVec
	transactions      *prometheus.CounterVec
	oracleFetches     *prometheus.CounterVec

	snapshotSequence prometheus.Gauge
	wsClients        prometheus.Gauge
	goroutineCount   prometheus.Gauge
	uptimeSeconds    prometheus.Gauge

	startTime time.Time
}

// NewPrometheusCollector creates a PrometheusCollector that wraps an existing
// Collector. Prometheus metrics are registered in a dedicated registry so they
// do not interfere with the default global registry.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	p := &PrometheusCollector{
		collector: c,
		registry:  reg,
		startTime: time.Now(),

		chainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "chain_calls_total",
			Help:      "Contract reads and writes by method and status.",
		}, []string{"method", "status"}),

		chainCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "chain_call_duration_seconds",
			Help:      "Contract call latency by method.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}, []string{"method"}),

		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "refresh_passes_total",
			Help:      "Snapshot refresh passes by scope and status.",
		}, []string{"scope", "status"}),

		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Refresh pass latency by scope.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30},
		}, []string{"scope"}),

		staleDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "refresh_stale_discards_total",
			Help:      "Completed refresh passes discarded because a newer pass was already published.",
		}, []string{"scope"}),

		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_total",
			Help:      "Dispatched intents by intent and status.",
		}, []string{"intent", "status"}),

		oracleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "oracle_fetches_total",
			Help:      "Price feed reads by status.",
		}, []string{"status"}),

		snapshotSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "snapshot_sequence",
			Help:      "Sequence number of the latest published snapshot.",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected WebSocket clients.",
		}),

		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}),

		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started in seconds.",
		}),
	}

	reg.MustRegister(
		p.chainCalls,
		p.chainCallDuration,
		p.refreshes,
		p.refreshDuration,
		p.staleDiscards,
		p.transactions,
		p.oracleFetches,
		p.snapshotSequence,
		p.wsClients,
		p.goroutineCount,
		p.uptimeSeconds,
	)

	return p
}

// Registry returns the Prometheus registry used by this collector.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RecordChainCall records a contract call in both collectors.
func (p *PrometheusCollector) RecordChainCall(method string, d time.Duration, err error) {
	p.collector.RecordChainCall(method, d, err)
	p.chainCalls.WithLabelValues(method, StatusOf(err)).Inc()
	p.chainCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordRefresh records a refresh pass in both collectors.
func (p *PrometheusCollector) RecordRefresh(scope string, d time.Duration, err error) {
	p.collector.RecordRefresh(scope, d, err)
	p.refreshes.WithLabelValues(scope, StatusOf(err)).Inc()
	p.refreshDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// RecordPublished records the latest published sequence in both collectors.
func (p *PrometheusCollector) RecordPublished(seq uint64) {
	p.collector.RecordPublished(seq)
	p.snapshotSequence.Set(float64(seq))
}

// RecordStaleDiscard records a discarded pass in both collectors.
func (p *PrometheusCollector) RecordStaleDiscard(scope string) {
	p.collector.RecordStaleDiscard(scope)
	p.staleDiscards.WithLabelValues(scope).Inc()
}

// RecordTransaction records an intent outcome in both collectors.
func (p *PrometheusCollector) RecordTransaction(intent string, err error) {
	p.collector.RecordTransaction(intent, err)
	p.transactions.WithLabelValues(intent, StatusOf(err)).Inc()
}

// RecordOracleFetch records a price feed read in both collectors.
func (p *PrometheusCollector) RecordOracleFetch(err error) {
	p.collector.RecordOracleFetch(err)
	p.oracleFetches.WithLabelValues(StatusOf(err)).Inc()
}

// IncrementWSClients increments the WebSocket client gauge.
func (p *PrometheusCollector) IncrementWSClients() {
	p.wsClients.Inc()
}

// DecrementWSClients decrements the WebSocket client gauge.
func (p *PrometheusCollector) DecrementWSClients() {
	p.wsClients.Dec()
}

// Sync refreshes the process gauges. Called before each scrape.
func (p *PrometheusCollector) Sync() {
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
	p.uptimeSeconds.Set(time.Since(p.startTime).Seconds())
}

// GetMetrics returns the JSON metrics from the underlying Collector.
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// Collector returns the underlying custom Collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler returns an http.Handler that serves metrics in the
// Prometheus text exposition format.
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
