package qrea

import (
	"math/rand"
	"sync"
	"time"
)

// LatencySource supplies the latency value fed into Rnorm.
type LatencySource interface {
	LatencyMs() float64
}

// SimulatedLatency draws uniformly from [MinMs, MaxMs).
type SimulatedLatency struct {
	MinMs float64
	MaxMs float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedLatency seeds a simulated source. A zero seed uses the clock.
func NewSimulatedLatency(minMs, maxMs float64, seed int64) *SimulatedLatency {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if maxMs < minMs {
		minMs, maxMs = maxMs, minMs
	}
	return &SimulatedLatency{MinMs: minMs, MaxMs: maxMs, rng: rand.New(rand.NewSource(seed))}
}

func (s *SimulatedLatency) LatencyMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MinMs + s.rng.Float64()*(s.MaxMs-s.MinMs)
}

// ReportedLatency prefers the latest value reported by the viewer and falls
// back to another source until one arrives.
type ReportedLatency struct {
	fallback LatencySource

	mu       sync.Mutex
	last     float64
	reported bool
}

// NewReportedLatency wraps fallback.
func NewReportedLatency(fallback LatencySource) *ReportedLatency {
	return &ReportedLatency{fallback: fallback}
}

// Report records a measured latency.
func (r *ReportedLatency) Report(ms float64) {
	r.mu.Lock()
	r.last = ms
	r.reported = true
	r.mu.Unlock()
}

func (r *ReportedLatency) LatencyMs() float64 {
	r.mu.Lock()
	last, ok := r.last, r.reported
	r.mu.Unlock()
	if ok || r.fallback == nil {
		return last
	}
	return r.fallback.LatencyMs()
}
