package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts what a run has done and keeps latency windows for ticks
// and orders.
type Metrics struct {
	TickLatency  *LatencyHistogram
	OrderLatency *LatencyHistogram

	ticks           atomic.Uint64
	ordersSubmitted atomic.Uint64
	ordersFilled    atomic.Uint64
	ordersRejected  atomic.Uint64
	ordersCancelled atomic.Uint64
	positionChanges atomic.Uint64
	strategyErrors  atomic.Uint64
	apiRequests     atomic.Uint64
	apiErrors       atomic.Uint64

	startedAt time.Time
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		TickLatency:  NewLatencyHistogram(1000),
		OrderLatency: NewLatencyHistogram(1000),
		startedAt:    time.Now(),
	}
}

// LatencyHistogram keeps the most recent samples in milliseconds.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a window of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a sample in milliseconds, evicting the oldest when full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

// RecordDuration records d.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles of the window. They are
// recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementAPI counts a served request; failed marks a 4xx or 5xx.
func (m *Metrics) IncrementAPI(failed bool) {
	m.apiRequests.Add(1)
	if failed {
		m.apiErrors.Add(1)
	}
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	TickLatency     LatencyStats `json:"tick_latency"`
	OrderLatency    LatencyStats `json:"order_latency"`
	Ticks           uint64       `json:"ticks"`
	OrdersSubmitted uint64       `json:"orders_submitted"`
	OrdersFilled    uint64       `json:"orders_filled"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	OrdersCancelled uint64       `json:"orders_cancelled"`
	PositionChanges uint64       `json:"position_changes"`
	StrategyErrors  uint64       `json:"strategy_errors"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	Uptime          string       `json:"uptime"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		TickLatency:     m.TickLatency.Stats(),
		OrderLatency:    m.OrderLatency.Stats(),
		Ticks:           m.ticks.Load(),
		OrdersSubmitted: m.ordersSubmitted.Load(),
		OrdersFilled:    m.ordersFilled.Load(),
		OrdersRejected:  m.ordersRejected.Load(),
		OrdersCancelled: m.ordersCancelled.Load(),
		PositionChanges: m.positionChanges.Load(),
		StrategyErrors:  m.strategyErrors.Load(),
		APIRequests:     m.apiRequests.Load(),
		APIErrors:       m.apiErrors.Load(),
		Uptime:          time.Since(m.startedAt).Round(time.Second).String(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Timestamp:       time.Now(),
	}
}
