package tools

import (
	"math"
	"sort"
	"sync"
	"time"
)

// healthWindowSize is the number of recent calls tracked per tool for
// success-rate and latency-percentile calculation.
const healthWindowSize = 100

// ToolHealth is a point-in-time snapshot of one tool's recent behavior,
// computed over a sliding window of the last calls.
type ToolHealth struct {
	Tool         string        `json:"tool"`
	P50Latency   time.Duration `json:"p50_latency_ns"`
	P95Latency   time.Duration `json:"p95_latency_ns"`
	P99Latency   time.Duration `json:"p99_latency_ns"`
	SuccessRate  float64       `json:"success_rate"`
	CallCount    int64         `json:"call_count"`
	CostUSDTotal float64       `json:"cost_usd_total"`
}

// healthTracker maintains per-tool sliding windows. Export to Prometheus
// happens through the shared otel collector; this tracker only feeds the
// service-info snapshot.
type healthTracker struct {
	mu      sync.RWMutex
	windows map[string]*slidingWindow
}

func newHealthTracker() *healthTracker {
	return &healthTracker{windows: map[string]*slidingWindow{}}
}

func (h *healthTracker) record(tool string, success bool, d time.Duration, costUSD float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[tool]
	if !ok {
		w = newSlidingWindow(healthWindowSize)
		h.windows[tool] = w
	}
	w.record(success, d, costUSD)
}

func (h *healthTracker) snapshot(tool string) ToolHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.windows[tool]
	if !ok {
		return ToolHealth{Tool: tool}
	}
	return ToolHealth{
		Tool:         tool,
		P50Latency:   w.percentile(50),
		P95Latency:   w.percentile(95),
		P99Latency:   w.percentile(99),
		SuccessRate:  w.successRate(),
		CallCount:    w.total,
		CostUSDTotal: w.costTotal,
	}
}

// snapshotAll returns one entry per tool that has been called, sorted by
// tool name for stable output.
func (h *healthTracker) snapshotAll() []ToolHealth {
	h.mu.RLock()
	names := make([]string, 0, len(h.windows))
	for name := range h.windows {
		names = append(names, name)
	}
	h.mu.RUnlock()

	sort.Strings(names)
	out := make([]ToolHealth, 0, len(names))
	for _, name := range names {
		out = append(out, h.snapshot(name))
	}
	return out
}

// slidingWindow tracks the last N call outcomes and latencies in a ring.
type slidingWindow struct {
	outcomes  []bool
	latencies []time.Duration
	pos       int
	full      bool
	total     int64
	costTotal float64
}

func newSlidingWindow(size int) *slidingWindow {
	return &slidingWindow{
		outcomes:  make([]bool, size),
		latencies: make([]time.Duration, size),
	}
}

func (w *slidingWindow) record(success bool, d time.Duration, costUSD float64) {
	w.outcomes[w.pos] = success
	w.latencies[w.pos] = d
	w.pos = (w.pos + 1) % len(w.outcomes)
	if !w.full && w.pos == 0 {
		w.full = true
	}
	w.total++
	w.costTotal += costUSD
}

func (w *slidingWindow) count() int {
	if w.full {
		return len(w.outcomes)
	}
	return w.pos
}

func (w *slidingWindow) successRate() float64 {
	n := w.count()
	if n == 0 {
		return 0
	}
	var successes int
	for i := 0; i < n; i++ {
		if w.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(n)
}

func (w *slidingWindow) percentile(p float64) time.Duration {
	n := w.count()
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p/100.0*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
