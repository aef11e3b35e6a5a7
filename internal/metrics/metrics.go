package metrics

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Status labels shared by the JSON and Prometheus views.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// StatusOf maps an operation result onto a status label.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusError
	}
}

// counterMap is a set of named monotonically increasing counters.
type counterMap struct {
	mu sync.RWMutex
	m  map[string]*uint64
}

func newCounterMap() *counterMap {
	return &counterMap{m: make(map[string]*uint64)}
}

func (cm *counterMap) inc(key string) {
	cm.mu.RLock()
	counter, exists := cm.m[key]
	cm.mu.RUnlock()

	if !exists {
		cm.mu.Lock()
		counter, exists = cm.m[key]
		if !exists {
			var val uint64
			counter = &val
			cm.m[key] = counter
		}
		cm.mu.Unlock()
	}

	atomic.AddUint64(counter, 1)
}

func (cm *counterMap) snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	cm.mu.RLock()
	for k, v := range cm.m {
		out[k] = atomic.LoadUint64(v)
	}
	cm.mu.RUnlock()
	return out
}

// Collector aggregates synchronizer, chain and dispatcher metrics in memory
// for the JSON stats endpoint.
type Collector struct {
	chainCalls   *counterMap // "method/status"
	refreshes    *counterMap // "scope/status"
	transactions *counterMap // "intent/status"
	oracle       *counterMap // status

	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	staleDiscards  uint64
	lastPublishSeq uint64
	lastRefreshAt  atomic.Int64 // unix nanos of the last successful pass

	startTime time.Time
}

// LatencyHistogram tracks chain call latencies in buckets
type LatencyHistogram struct {
	// Bucket boundaries in milliseconds
	// Buckets: [0-10ms], [10-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1-2.5s], [2.5-5s], [5-15s], [15s+]
	buckets [10]uint64
	sum     uint64 // Total latency in nanoseconds
	count   uint64
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000}

var bucketLabels = []string{
	"0-10ms", "10-50ms", "50-100ms", "100-250ms", "250-500ms",
	"500-1000ms", "1-2.5s", "2.5-5s", "5-15s", "15s+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		chainCalls:   newCounterMap(),
		refreshes:    newCounterMap(),
		transactions: newCounterMap(),
		oracle:       newCounterMap(),
		latencies:    make(map[string]*LatencyHistogram),
		startTime:    time.Now(),
	}
}

// RecordChainCall records one contract read or write.
func (c *Collector) RecordChainCall(method string, d time.Duration, err error) {
	c.chainCalls.inc(method + "/" + StatusOf(err))

	c.latenciesMu.RLock()
	hist, exists := c.latencies[method]
	c.latenciesMu.RUnlock()
	if !exists {
		c.latenciesMu.Lock()
		hist, exists = c.latencies[method]
		if !exists {
			hist = &LatencyHistogram{}
			c.latencies[method] = hist
		}
		c.latenciesMu.Unlock()
	}
	hist.Record(d)
}

// RecordRefresh records a completed (or failed) refresh pass.
func (c *Collector) RecordRefresh(scope string, d time.Duration, err error) {
	c.refreshes.inc(scope + "/" + StatusOf(err))
	if err == nil {
		c.lastRefreshAt.Store(time.Now().UnixNano())
	}
}

// RecordPublished stores the sequence number of the latest published snapshot.
func (c *Collector) RecordPublished(seq uint64) {
	atomic.StoreUint64(&c.lastPublishSeq, seq)
}

// RecordStaleDiscard counts a pass whose result was superseded by a newer one.
func (c *Collector) RecordStaleDiscard(scope string) {
	atomic.AddUint64(&c.staleDiscards, 1)
}

// RecordTransaction records the outcome of a dispatched intent.
func (c *Collector) RecordTransaction(intent string, err error) {
	c.transactions.inc(intent + "/" + StatusOf(err))
}

// RecordOracleFetch records a price feed read.
func (c *Collector) RecordOracleFetch(err error) {
	c.oracle.inc(StatusOf(err))
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()

	bucketIdx := len(bucketBoundaries) // overflow
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime         string                  `json:"uptime"`
	UptimeSeconds  float64                 `json:"uptime_seconds"`
	ChainCalls     map[string]uint64       `json:"chain_calls"`
	CallLatencies  map[string]LatencyStats `json:"call_latencies"`
	Refreshes      map[string]uint64       `json:"refreshes"`
	StaleDiscards  uint64                  `json:"stale_discards"`
	LastPublishSeq uint64                  `json:"last_publish_seq"`
	LastRefreshAt  *time.Time              `json:"last_refresh_at,omitempty"`
	Transactions   map[string]uint64       `json:"transactions"`
	OracleFetches  map[string]uint64       `json:"oracle_fetches"`
	GoroutineCount int                     `json:"goroutine_count"`
	CollectedAt    time.Time               `json:"collected_at"`
}

// LatencyStats contains latency statistics for a method
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for method, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = float64(hist.sum) / float64(hist.count) / float64(time.Millisecond)
		}
		for i, count := range hist.buckets {
			if count > 0 {
				stats.Buckets[bucketLabels[i]] = count
			}
		}
		hist.mu.Unlock()
		latencies[method] = stats
	}
	c.latenciesMu.RUnlock()

	m := &Metrics{
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
		ChainCalls:     c.chainCalls.snapshot(),
		CallLatencies:  latencies,
		Refreshes:      c.refreshes.snapshot(),
		StaleDiscards:  atomic.LoadUint64(&c.staleDiscards),
		LastPublishSeq: atomic.LoadUint64(&c.lastPublishSeq),
		Transactions:   c.transactions.snapshot(),
		OracleFetches:  c.oracle.snapshot(),
		GoroutineCount: runtime.NumGoroutine(),
		CollectedAt:    time.Now(),
	}
	if ns := c.lastRefreshAt.Load(); ns != 0 {
		t := time.Unix(0, ns)
		m.LastRefreshAt = &t
	}
	return m
}

