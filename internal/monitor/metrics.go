package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks gateway latency, order counters and per-loop health.
type Metrics struct {
	GatewayLatency *LatencyHistogram

	ordersPlaced   uint64
	ordersRejected uint64
	cancels        uint64

	mu    sync.RWMutex
	loops map[string]*LoopStats

	startedAt time.Time
}

// LoopStats is the health record of one scheduled loop.
type LoopStats struct {
	Runs      uint64        `json:"runs"`
	Errors    uint64        `json:"errors"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	LastTook  time.Duration `json:"last_took_ns"`
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until a new sample arrives.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		GatewayLatency: NewLatencyHistogram(1000),
		loops:          make(map[string]*LoopStats),
		startedAt:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	if h == nil {
		return LatencyStats{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
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

// IncOrdersPlaced counts orders accepted by the router (any mode).
func (m *Metrics) IncOrdersPlaced() {
	if m != nil {
		atomic.AddUint64(&m.ordersPlaced, 1)
	}
}

// IncOrdersRejected counts orders refused locally or by the venue.
func (m *Metrics) IncOrdersRejected() {
	if m != nil {
		atomic.AddUint64(&m.ordersRejected, 1)
	}
}

// IncCancels counts cancel requests, including already-gone orders.
func (m *Metrics) IncCancels() {
	if m != nil {
		atomic.AddUint64(&m.cancels, 1)
	}
}

// ObserveLoop records one run of a scheduled loop.
func (m *Metrics) ObserveLoop(name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.loops[name]
	if !ok {
		s = &LoopStats{}
		m.loops[name] = s
	}
	s.Runs++
	s.LastRun = time.Now()
	s.LastTook = took
	if err != nil {
		s.Errors++
		s.LastError = err.Error()
	}
}

// Loop returns a copy of the stats for name.
func (m *Metrics) Loop(name string) (LoopStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.loops[name]
	if !ok {
		return LoopStats{}, false
	}
	return *s, true
}

// MetricsSnapshot is a point-in-time copy for the status API.
type MetricsSnapshot struct {
	GatewayLatency LatencyStats         `json:"gateway_latency"`
	OrdersPlaced   uint64               `json:"orders_placed"`
	OrdersRejected uint64               `json:"orders_rejected"`
	Cancels        uint64               `json:"cancels"`
	Loops          map[string]LoopStats `json:"loops"`
	Uptime         string               `json:"uptime"`
	GoroutineCount int                  `json:"goroutine_count"`
	HeapAlloc      uint64               `json:"heap_alloc_bytes"`
	Timestamp      time.Time            `json:"timestamp"`
}

// Snapshot returns a point-in-time metrics snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	loops := make(map[string]LoopStats, len(m.loops))
	for k, v := range m.loops {
		loops[k] = *v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		GatewayLatency: m.GatewayLatency.Stats(),
		OrdersPlaced:   atomic.LoadUint64(&m.ordersPlaced),
		OrdersRejected: atomic.LoadUint64(&m.ordersRejected),
		Cancels:        atomic.LoadUint64(&m.cancels),
		Loops:          loops,
		Uptime:         time.Since(m.startedAt).Round(time.Second).String(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Timestamp:      time.Now(),
	}
}
