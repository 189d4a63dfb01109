package observe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default alerting parameters.
const (
	defaultCheckInterval  = 30 * time.Second
	defaultAlertRetention = 100
)

// Level classifies alert severity.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one fired threshold violation.
type Alert struct {
	Level   Level     `json:"level"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Value   float64   `json:"value"`
	At      time.Time `json:"at"`
}

// Thresholds configures the conditions the alert manager evaluates each
// check interval. Zero values disable the corresponding check.
type Thresholds struct {
	// LatencyP95Warn / LatencyP95Critical fire when the rolling p95
	// frame-to-final latency exceeds the bound.
	LatencyP95Warn     time.Duration
	LatencyP95Critical time.Duration

	// ErrorRateWarn / ErrorRateCritical fire on the ratio of errors to
	// results observed since the previous check.
	ErrorRateWarn     float64
	ErrorRateCritical float64

	// ConfidenceWarn / ConfidenceCritical fire when the rolling mean
	// confidence drops below the bound.
	ConfidenceWarn     float64
	ConfidenceCritical float64

	// StuckSessionAge fires when an active session has produced no result
	// for this long.
	StuckSessionAge time.Duration

	// MaxCostPerHour fires when the estimated spend rate exceeds the
	// bound (USD per hour).
	MaxCostPerHour float64
}

// AlertManagerConfig configures an [AlertManager].
type AlertManagerConfig struct {
	// Collector is the stats source. Required.
	Collector *Collector

	// Thresholds are the conditions to evaluate.
	Thresholds Thresholds

	// CheckInterval is how often thresholds are evaluated.
	// Defaults to 30s if zero.
	CheckInterval time.Duration

	// OnAlert is invoked for every fired alert. May be nil; alerts are
	// always logged and retained either way.
	OnAlert func(Alert)
}

// AlertManager periodically evaluates thresholds against the collector
// snapshot and fires alerts. Fired alerts are kept in a bounded in-memory
// ring for introspection via [AlertManager.Recent].
//
// All methods are safe for concurrent use.
type AlertManager struct {
	collector *Collector
	interval  time.Duration
	onAlert   func(Alert)

	mu         sync.Mutex
	thresholds Thresholds
	recent     []Alert
	prevErrors int64
	prevTotal  int64

	done     chan struct{}
	stopOnce sync.Once
}

// NewAlertManager creates an AlertManager with the given configuration.
func NewAlertManager(cfg AlertManagerConfig) *AlertManager {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &AlertManager{
		collector:  cfg.Collector,
		thresholds: cfg.Thresholds,
		interval:   interval,
		onAlert:    cfg.OnAlert,
		done:       make(chan struct{}),
	}
}

// Start launches the background check loop. Call [AlertManager.Stop] to
// halt it.
func (am *AlertManager) Start() {
	go am.loop()
}

// Stop halts the check loop. Safe to call multiple times.
func (am *AlertManager) Stop() {
	am.stopOnce.Do(func() {
		close(am.done)
	})
}

// SetThresholds atomically replaces the evaluated thresholds. Used for
// config hot-reload; takes effect on the next check.
func (am *AlertManager) SetThresholds(t Thresholds) {
	am.mu.Lock()
	am.thresholds = t
	am.mu.Unlock()
}

// Recent returns the retained alerts, oldest first.
func (am *AlertManager) Recent() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()
	out := make([]Alert, len(am.recent))
	copy(out, am.recent)
	return out
}

func (am *AlertManager) loop() {
	ticker := time.NewTicker(am.interval)
	defer ticker.Stop()
	for {
		select {
		case <-am.done:
			return
		case <-ticker.C:
			am.Evaluate()
		}
	}
}

// Evaluate runs all threshold checks once against the current snapshot.
// Exposed so operators (and tests) can force a check outside the interval.
func (am *AlertManager) Evaluate() {
	snap := am.collector.Snapshot()
	now := time.Now()
	am.mu.Lock()
	t := am.thresholds
	am.mu.Unlock()

	// Latency p95, critical bound checked first so one violation fires a
	// single alert at the highest applicable severity.
	if t.LatencyP95Critical > 0 && snap.LatencyP95 >= t.LatencyP95Critical {
		am.fire(Alert{Level: LevelCritical, Kind: "latency_p95", At: now,
			Value:   snap.LatencyP95.Seconds(),
			Message: fmt.Sprintf("p95 final latency %s exceeds critical bound %s", snap.LatencyP95, t.LatencyP95Critical)})
	} else if t.LatencyP95Warn > 0 && snap.LatencyP95 >= t.LatencyP95Warn {
		am.fire(Alert{Level: LevelWarning, Kind: "latency_p95", At: now,
			Value:   snap.LatencyP95.Seconds(),
			Message: fmt.Sprintf("p95 final latency %s exceeds warning bound %s", snap.LatencyP95, t.LatencyP95Warn)})
	}

	// Error rate over the window since the previous check.
	am.mu.Lock()
	dErrors := snap.TotalErrors - am.prevErrors
	dTotal := snap.TotalResults - am.prevTotal
	am.prevErrors = snap.TotalErrors
	am.prevTotal = snap.TotalResults
	am.mu.Unlock()

	if dErrors > 0 {
		rate := float64(dErrors) / float64(max(dTotal+dErrors, 1))
		if t.ErrorRateCritical > 0 && rate >= t.ErrorRateCritical {
			am.fire(Alert{Level: LevelCritical, Kind: "error_rate", At: now, Value: rate,
				Message: fmt.Sprintf("error rate %.2f exceeds critical bound %.2f", rate, t.ErrorRateCritical)})
		} else if t.ErrorRateWarn > 0 && rate >= t.ErrorRateWarn {
			am.fire(Alert{Level: LevelWarning, Kind: "error_rate", At: now, Value: rate,
				Message: fmt.Sprintf("error rate %.2f exceeds warning bound %.2f", rate, t.ErrorRateWarn)})
		}
	}

	// Rolling mean confidence; only meaningful once results exist.
	if snap.TotalResults > 0 {
		if t.ConfidenceCritical > 0 && snap.MeanConfidence < t.ConfidenceCritical {
			am.fire(Alert{Level: LevelCritical, Kind: "low_confidence", At: now, Value: snap.MeanConfidence,
				Message: fmt.Sprintf("mean confidence %.2f below critical bound %.2f", snap.MeanConfidence, t.ConfidenceCritical)})
		} else if t.ConfidenceWarn > 0 && snap.MeanConfidence < t.ConfidenceWarn {
			am.fire(Alert{Level: LevelWarning, Kind: "low_confidence", At: now, Value: snap.MeanConfidence,
				Message: fmt.Sprintf("mean confidence %.2f below warning bound %.2f", snap.MeanConfidence, t.ConfidenceWarn)})
		}
	}

	// Stuck sessions: frames flowing in but no results coming back. Closed
	// sessions stay in the snapshot for the stats endpoint; only live ones
	// can be stuck.
	if t.StuckSessionAge > 0 {
		for id, s := range snap.Sessions {
			if !s.Active || s.FramesSent == 0 {
				continue
			}
			last := s.LastResultAt
			if last.IsZero() {
				last = snap.StartedAt
			}
			if age := now.Sub(last); age >= t.StuckSessionAge {
				am.fire(Alert{Level: LevelWarning, Kind: "stuck_session", At: now, Value: age.Seconds(),
					Message: fmt.Sprintf("session %s has produced no result for %s", id, age.Round(time.Second))})
			}
		}
	}

	// Cost rate: estimated spend divided by process uptime.
	if t.MaxCostPerHour > 0 && snap.EstimatedCost > 0 {
		uptime := now.Sub(snap.StartedAt).Hours()
		if uptime > 0 {
			rate := snap.EstimatedCost / uptime
			if rate >= t.MaxCostPerHour {
				am.fire(Alert{Level: LevelCritical, Kind: "cost_rate", At: now, Value: rate,
					Message: fmt.Sprintf("spend rate $%.2f/h exceeds limit $%.2f/h", rate, t.MaxCostPerHour)})
			}
		}
	}
}

// fire logs, retains, and dispatches one alert.
func (am *AlertManager) fire(a Alert) {
	level := slog.LevelWarn
	if a.Level == LevelCritical {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "alert fired", "kind", a.Kind, "value", a.Value, "message", a.Message)

	am.mu.Lock()
	am.recent = append(am.recent, a)
	if len(am.recent) > defaultAlertRetention {
		am.recent = am.recent[len(am.recent)-defaultAlertRetention:]
	}
	am.mu.Unlock()

	if am.onAlert != nil {
		am.onAlert(a)
	}
}
