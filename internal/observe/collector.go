package observe

import (
	"context"
	"sort"
	"sync"
	"time"
)

// latencyRingSize bounds the rolling latency sample window.
const latencyRingSize = 1000

// SessionTotals holds per-session ingest counters. Serialized on the
// per-session stats endpoint.
type SessionTotals struct {
	Active       bool      `json:"active"`
	Chunks       int64     `json:"chunks"`
	Bytes        int64     `json:"bytes"`
	FramesSent   int64     `json:"frames_sent"`
	Finals       int64     `json:"finals"`
	Interims     int64     `json:"interims"`
	Dropped      int64     `json:"dropped"`
	LastResultAt time.Time `json:"last_result_at"`
}

// Snapshot is a point-in-time view of the collector, safe to use without
// further synchronisation. Serialized on the stats endpoint.
type Snapshot struct {
	ActiveSessions int                      `json:"active_sessions"`
	LatencyP50     time.Duration            `json:"latency_p50_ns"`
	LatencyP95     time.Duration            `json:"latency_p95_ns"`
	LatencyP99     time.Duration            `json:"latency_p99_ns"`
	MeanConfidence float64                  `json:"mean_confidence"`
	TotalResults   int64                    `json:"total_results"`
	TotalErrors    int64                    `json:"total_errors"`
	DroppedFrames  int64                    `json:"dropped_frames"`
	AudioSeconds   float64                  `json:"audio_seconds"`
	EstimatedCost  float64                  `json:"estimated_cost_usd"`
	ErrorsByKind   map[string]int64         `json:"errors_by_kind,omitempty"`
	Sessions       map[string]SessionTotals `json:"sessions,omitempty"`
	StartedAt      time.Time                `json:"started_at"`
}

// CollectorOption configures a [Collector].
type CollectorOption func(*Collector)

// WithCostPerHour sets the USD cost applied per hour of forwarded audio,
// reflected in [Snapshot.EstimatedCost]. Default 0 (cost tracking off).
func WithCostPerHour(usd float64) CollectorOption {
	return func(c *Collector) { c.costPerHour = usd }
}

// Collector is the single tap point every component reports through. It
// feeds two sinks at once: the OTel instruments in [Metrics] for external
// scraping, and an internal rolling view served by [Collector.Snapshot] for
// the alert manager and the stats endpoint.
//
// All methods are safe for concurrent use.
type Collector struct {
	metrics     *Metrics
	costPerHour float64
	startedAt   time.Time

	mu             sync.Mutex
	ring           [latencyRingSize]time.Duration
	ringLen        int
	ringNext       int
	confidenceSum  float64
	confidenceN    int64
	totalResults   int64
	totalErrors    int64
	droppedFrames  int64
	audioSeconds   float64
	activeSessions int
	errorsByKind   map[string]int64
	sessions       map[string]*SessionTotals
}

// NewCollector creates a Collector reporting into m.
func NewCollector(m *Metrics, opts ...CollectorOption) *Collector {
	c := &Collector{
		metrics:      m,
		startedAt:    time.Now(),
		errorsByKind: make(map[string]int64),
		sessions:     make(map[string]*SessionTotals),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionCreated registers a new session.
func (c *Collector) SessionCreated(ctx context.Context, sessionID string) {
	c.metrics.ActiveSessions.Add(ctx, 1)

	c.mu.Lock()
	c.activeSessions++
	c.sessions[sessionID] = &SessionTotals{Active: true}
	c.mu.Unlock()
}

// SessionClosed unregisters a session. Its totals remain queryable until
// the process exits.
func (c *Collector) SessionClosed(ctx context.Context, sessionID string) {
	c.metrics.ActiveSessions.Add(ctx, -1)

	c.mu.Lock()
	if c.activeSessions > 0 {
		c.activeSessions--
	}
	if s := c.sessions[sessionID]; s != nil {
		s.Active = false
	}
	c.mu.Unlock()
}

// ChunkReceived records one raw chunk accepted from the transport.
func (c *Collector) ChunkReceived(sessionID string, bytes int) {
	c.mu.Lock()
	if s := c.sessions[sessionID]; s != nil {
		s.Chunks++
		s.Bytes += int64(bytes)
	}
	c.mu.Unlock()
}

// FrameSent records one normalized frame forwarded to the recognizer.
// seconds is the frame's audio duration.
func (c *Collector) FrameSent(ctx context.Context, sessionID string, seconds float64) {
	c.metrics.FramesSent.Add(ctx, 1)
	c.metrics.AudioSeconds.Add(ctx, seconds)

	c.mu.Lock()
	c.audioSeconds += seconds
	if s := c.sessions[sessionID]; s != nil {
		s.FramesSent++
	}
	c.mu.Unlock()
}

// FrameDropped records one frame lost to backpressure or buffer overflow.
func (c *Collector) FrameDropped(ctx context.Context, sessionID, reason string) {
	c.metrics.RecordFrameDropped(ctx, reason)

	c.mu.Lock()
	c.droppedFrames++
	if s := c.sessions[sessionID]; s != nil {
		s.Dropped++
	}
	c.mu.Unlock()
}

// FinalLatency records the delay between a sent frame and the final event
// covering it.
func (c *Collector) FinalLatency(ctx context.Context, d time.Duration) {
	c.metrics.FinalLatency.Record(ctx, d.Seconds())

	c.mu.Lock()
	c.ring[c.ringNext] = d
	c.ringNext = (c.ringNext + 1) % latencyRingSize
	if c.ringLen < latencyRingSize {
		c.ringLen++
	}
	c.mu.Unlock()
}

// Result records one emitted result and folds its confidence into the
// rolling mean.
func (c *Collector) Result(ctx context.Context, sessionID string, final bool, confidence float64) {
	kind := "interim"
	if final {
		kind = "final"
	}
	c.metrics.RecordResult(ctx, kind)

	c.mu.Lock()
	c.totalResults++
	c.confidenceSum += confidence
	c.confidenceN++
	if s := c.sessions[sessionID]; s != nil {
		if final {
			s.Finals++
		} else {
			s.Interims++
		}
		s.LastResultAt = time.Now()
	}
	c.mu.Unlock()
}

// Error records one error of the given kind.
func (c *Collector) Error(ctx context.Context, kind string) {
	c.metrics.RecordError(ctx, kind)

	c.mu.Lock()
	c.totalErrors++
	c.errorsByKind[kind]++
	c.mu.Unlock()
}

// Renewal records one completed or failed stream renewal.
func (c *Collector) Renewal(ctx context.Context, completed bool, duration time.Duration) {
	status := "failed"
	if completed {
		status = "completed"
	}
	c.metrics.RecordRenewal(ctx, status, duration.Seconds())
}

// MatchDuration records one slide-matcher call.
func (c *Collector) MatchDuration(ctx context.Context, d time.Duration) {
	c.metrics.MatchDuration.Record(ctx, d.Seconds())
}

// SessionTotals returns a copy of one session's counters.
func (c *Collector) SessionTotals(sessionID string) (SessionTotals, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return SessionTotals{}, false
	}
	return *s, true
}

// Snapshot returns a consistent copy of the rolling state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ActiveSessions: c.activeSessions,
		TotalResults:   c.totalResults,
		TotalErrors:    c.totalErrors,
		DroppedFrames:  c.droppedFrames,
		AudioSeconds:   c.audioSeconds,
		EstimatedCost:  c.audioSeconds / 3600 * c.costPerHour,
		ErrorsByKind:   make(map[string]int64, len(c.errorsByKind)),
		Sessions:       make(map[string]SessionTotals, len(c.sessions)),
		StartedAt:      c.startedAt,
	}
	if c.confidenceN > 0 {
		snap.MeanConfidence = c.confidenceSum / float64(c.confidenceN)
	}
	for k, v := range c.errorsByKind {
		snap.ErrorsByKind[k] = v
	}
	for id, s := range c.sessions {
		snap.Sessions[id] = *s
	}

	if c.ringLen > 0 {
		samples := make([]time.Duration, c.ringLen)
		copy(samples, c.ring[:c.ringLen])
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		snap.LatencyP50 = percentile(samples, 0.50)
		snap.LatencyP95 = percentile(samples, 0.95)
		snap.LatencyP99 = percentile(samples, 0.99)
	}
	return snap
}

// percentile picks the nearest-rank percentile from sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
