package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.latencies == nil {
		t.Error("expected initialized latencies map")
	}
	if c.startTime.IsZero() {
		t.Error("expected non-zero start time")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusOK},
		{errors.New("execution reverted"), StatusError},
		{fmt.Errorf("call totalStakes: %w", context.DeadlineExceeded), StatusTimeout},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRecordChainCall(t *testing.T) {
	c := NewCollector()

	c.RecordChainCall("stakeOf", 20*time.Millisecond, nil)
	c.RecordChainCall("stakeOf", 30*time.Millisecond, nil)
	c.RecordChainCall("owner", time.Millisecond, errors.New("boom"))

	m := c.GetMetrics()
	if m.ChainCalls["stakeOf/ok"] != 2 {
		t.Errorf("expected stakeOf/ok 2, got %d", m.ChainCalls["stakeOf/ok"])
	}
	if m.ChainCalls["owner/error"] != 1 {
		t.Errorf("expected owner/error 1, got %d", m.ChainCalls["owner/error"])
	}

	stats, ok := m.CallLatencies["stakeOf"]
	if !ok {
		t.Fatal("expected latency stats for stakeOf")
	}
	if stats.Count != 2 {
		t.Errorf("expected 2 latency samples, got %d", stats.Count)
	}
	if stats.AvgMs < 24 || stats.AvgMs > 26 {
		t.Errorf("expected average ~25ms, got %f", stats.AvgMs)
	}
	if stats.Buckets["10-50ms"] != 2 {
		t.Errorf("expected 2 samples in 10-50ms bucket, got %v", stats.Buckets)
	}
}

func TestRecordChainCallConcurrent(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordChainCall("calculateReward", time.Millisecond, nil)
		}()
	}
	wg.Wait()

	m := c.GetMetrics()
	if m.ChainCalls["calculateReward/ok"] != 100 {
		t.Errorf("expected 100 calls, got %d", m.ChainCalls["calculateReward/ok"])
	}
}

func TestRecordRefresh(t *testing.T) {
	c := NewCollector()

	if m := c.GetMetrics(); m.LastRefreshAt != nil {
		t.Error("expected no last refresh time before any pass")
	}

	c.RecordRefresh("full", 100*time.Millisecond, nil)
	c.RecordRefresh("partial", 50*time.Millisecond, errors.New("read failed"))
	c.RecordStaleDiscard("full")
	c.RecordPublished(7)

	m := c.GetMetrics()
	if m.Refreshes["full/ok"] != 1 {
		t.Errorf("expected full/ok 1, got %d", m.Refreshes["full/ok"])
	}
	if m.Refreshes["partial/error"] != 1 {
		t.Errorf("expected partial/error 1, got %d", m.Refreshes["partial/error"])
	}
	if m.StaleDiscards != 1 {
		t.Errorf("expected 1 stale discard, got %d", m.StaleDiscards)
	}
	if m.LastPublishSeq != 7 {
		t.Errorf("expected last publish seq 7, got %d", m.LastPublishSeq)
	}
	if m.LastRefreshAt == nil {
		t.Error("expected last refresh time after successful pass")
	}
}

func TestRecordTransactionAndOracle(t *testing.T) {
	c := NewCollector()

	c.RecordTransaction("stake", nil)
	c.RecordTransaction("stake", errors.New("reverted"))
	c.RecordOracleFetch(nil)
	c.RecordOracleFetch(context.DeadlineExceeded)

	m := c.GetMetrics()
	if m.Transactions["stake/ok"] != 1 || m.Transactions["stake/error"] != 1 {
		t.Errorf("unexpected transaction counts: %v", m.Transactions)
	}
	if m.OracleFetches["ok"] != 1 || m.OracleFetches["timeout"] != 1 {
		t.Errorf("unexpected oracle counts: %v", m.OracleFetches)
	}
}

func TestLatencyHistogramBuckets(t *testing.T) {
	h := &LatencyHistogram{}

	h.Record(5 * time.Millisecond)    // 0-10ms
	h.Record(75 * time.Millisecond)   // 50-100ms
	h.Record(3 * time.Second)         // 2.5-5s
	h.Record(20 * time.Second)        // 15s+

	if h.buckets[0] != 1 {
		t.Errorf("expected 1 sample in bucket 0, got %d", h.buckets[0])
	}
	if h.buckets[2] != 1 {
		t.Errorf("expected 1 sample in bucket 2, got %d", h.buckets[2])
	}
	if h.buckets[7] != 1 {
		t.Errorf("expected 1 sample in bucket 7, got %d", h.buckets[7])
	}
	if h.buckets[9] != 1 {
		t.Errorf("expected 1 sample in overflow bucket, got %d", h.buckets[9])
	}
	if h.count != 4 {
		t.Errorf("expected count 4, got %d", h.count)
	}
}

func TestMetricsJSON(t *testing.T) {
	c := NewCollector()
	c.RecordChainCall("owner", time.Millisecond, nil)

	data, err := json.Marshal(c.GetMetrics())
	if err != nil {
		t.Fatalf("marshal metrics: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"uptime", "chain_calls", "refreshes", "transactions", "collected_at"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected key %q in JSON output", key)
		}
	}
}
