// Package metrics provides lightweight, lock-minimal performance counters
// for the mockpod proxy core.
//
// Counters use sync/atomic so hot paths (request dispatch, composition)
// incur no mutex contention. Latency statistics use a single mutex; they
// are updated at most once per upstream round trip.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all runtime counters for a running proxy core instance.
// The zero value is valid and ready to use; prefer New() for clarity.
type Metrics struct {
	// Composition-strategy counters (§4.7).
	StrategyPassthrough  atomic.Int64
	StrategyOverlay      atomic.Int64
	StrategySynthesize   atomic.Int64
	StrategyOfflineSynth atomic.Int64

	// Error counters.
	ErrorsUpstream       atomic.Int64
	ErrorsLeafIssue      atomic.Int64
	ErrorsClientProtocol atomic.Int64

	// Live resource gauges.
	ActiveMITMSessions atomic.Int64
	LeafCacheSize      atomic.Int64

	// Upstream round-trip latency (mutex-guarded because it accumulates floats).
	upstreamMu   sync.Mutex
	upstreamStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordUpstreamLatency records the round-trip time to the upstream server,
// from TCP dial through full response collection.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.upstreamMu.Lock()
	m.upstreamStat.record(float64(d.Microseconds()) / 1000.0)
	m.upstreamMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.upstreamMu.Lock()
	upstream := m.upstreamStat.snapshot()
	m.upstreamMu.Unlock()

	return Snapshot{
		Strategies: StrategySnapshot{
			Passthrough:  m.StrategyPassthrough.Load(),
			Overlay:      m.StrategyOverlay.Load(),
			Synthesize:   m.StrategySynthesize.Load(),
			OfflineSynth: m.StrategyOfflineSynth.Load(),
		},
		Errors: ErrorSnapshot{
			Upstream:       m.ErrorsUpstream.Load(),
			LeafIssue:      m.ErrorsLeafIssue.Load(),
			ClientProtocol: m.ErrorsClientProtocol.Load(),
		},
		Resources: ResourceSnapshot{
			ActiveMITMSessions: m.ActiveMITMSessions.Load(),
			LeafCacheSize:      m.LeafCacheSize.Load(),
		},
		UpstreamLatencyMs: upstream,
		UptimeSecs:        time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Strategies        StrategySnapshot `json:"strategies"`
	Errors            ErrorSnapshot    `json:"errors"`
	Resources         ResourceSnapshot `json:"resources"`
	UpstreamLatencyMs LatencySnapshot  `json:"upstreamLatencyMs"`
	UptimeSecs        float64          `json:"uptimeSecs"`
}

// StrategySnapshot counts completed exchanges by composition strategy (§4.7).
type StrategySnapshot struct {
	Passthrough  int64 `json:"passthrough"`
	Overlay      int64 `json:"overlay"`
	Synthesize   int64 `json:"synthesize"`
	OfflineSynth int64 `json:"offlineSynth"`
}

// ErrorSnapshot holds error counters (§7 error kinds).
type ErrorSnapshot struct {
	Upstream       int64 `json:"upstream"`
	LeafIssue      int64 `json:"leafIssue"`
	ClientProtocol int64 `json:"clientProtocol"`
}

// ResourceSnapshot holds live resource gauges.
type ResourceSnapshot struct {
	ActiveMITMSessions int64 `json:"activeMitmSessions"`
	LeafCacheSize      int64 `json:"leafCacheSize"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
