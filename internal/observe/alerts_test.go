package observe

import (
	"context"
	"strings"
	"testing"
	"time"
)

// ─── TestAlerts_LatencyThresholds ────────────────────────────────────────────

func TestAlerts_LatencyThresholds(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	ctx := context.Background()

	var fired []Alert
	am := NewAlertManager(AlertManagerConfig{
		Collector: c,
		Thresholds: Thresholds{
			LatencyP95Warn:     200 * time.Millisecond,
			LatencyP95Critical: time.Second,
		},
		OnAlert: func(a Alert) { fired = append(fired, a) },
	})

	// Below the warning bound: nothing fires.
	c.FinalLatency(ctx, 50*time.Millisecond)
	am.Evaluate()
	if len(fired) != 0 {
		t.Fatalf("below bound: want no alerts, got %v", fired)
	}

	// Push p95 over the warning bound but under critical.
	for i := 0; i < 100; i++ {
		c.FinalLatency(ctx, 500*time.Millisecond)
	}
	am.Evaluate()
	if len(fired) != 1 || fired[0].Level != LevelWarning || fired[0].Kind != "latency_p95" {
		t.Fatalf("warning bound: got %v", fired)
	}

	// Push p95 over the critical bound; a single critical alert fires,
	// not an additional warning.
	for i := 0; i < 1000; i++ {
		c.FinalLatency(ctx, 2*time.Second)
	}
	fired = nil
	am.Evaluate()
	if len(fired) != 1 || fired[0].Level != LevelCritical {
		t.Fatalf("critical bound: got %v", fired)
	}
}

// ─── TestAlerts_ErrorRateWindow ──────────────────────────────────────────────

// TestAlerts_ErrorRateWindow verifies the rate is computed over the delta
// since the previous check, not cumulatively.
func TestAlerts_ErrorRateWindow(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	ctx := context.Background()

	var fired []Alert
	am := NewAlertManager(AlertManagerConfig{
		Collector:  c,
		Thresholds: Thresholds{ErrorRateWarn: 0.5},
		OnAlert:    func(a Alert) { fired = append(fired, a) },
	})

	c.SessionCreated(ctx, "s1")
	c.Error(ctx, "stream_open")
	am.Evaluate()
	if len(fired) != 1 || fired[0].Kind != "error_rate" {
		t.Fatalf("first window: got %v", fired)
	}

	// A healthy second window must not re-fire on the old error.
	fired = nil
	for i := 0; i < 10; i++ {
		c.Result(ctx, "s1", true, 0.9)
	}
	am.Evaluate()
	if len(fired) != 0 {
		t.Fatalf("healthy window: want no alerts, got %v", fired)
	}
}

// ─── TestAlerts_LowConfidence ────────────────────────────────────────────────

func TestAlerts_LowConfidence(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	ctx := context.Background()

	var fired []Alert
	am := NewAlertManager(AlertManagerConfig{
		Collector:  c,
		Thresholds: Thresholds{ConfidenceWarn: 0.6, ConfidenceCritical: 0.3},
		OnAlert:    func(a Alert) { fired = append(fired, a) },
	})

	// No results yet: confidence checks stay silent.
	am.Evaluate()
	if len(fired) != 0 {
		t.Fatalf("no results: got %v", fired)
	}

	c.SessionCreated(ctx, "s1")
	c.Result(ctx, "s1", true, 0.5)
	am.Evaluate()
	if len(fired) != 1 || fired[0].Level != LevelWarning || fired[0].Kind != "low_confidence" {
		t.Fatalf("warning bound: got %v", fired)
	}

	fired = nil
	c.Result(ctx, "s1", true, 0.0)
	c.Result(ctx, "s1", true, 0.0)
	am.Evaluate()
	if len(fired) != 1 || fired[0].Level != LevelCritical {
		t.Fatalf("critical bound: got %v", fired)
	}
}

// ─── TestAlerts_StuckSession ─────────────────────────────────────────────────

// TestAlerts_StuckSession: a live session sending frames with no results
// back fires, while a session that finished cleanly stays silent even
// though its totals remain on the stats endpoint.
func TestAlerts_StuckSession(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	ctx := context.Background()

	var fired []Alert
	am := NewAlertManager(AlertManagerConfig{
		Collector:  c,
		Thresholds: Thresholds{StuckSessionAge: 5 * time.Millisecond},
		OnAlert:    func(a Alert) { fired = append(fired, a) },
	})

	c.SessionCreated(ctx, "s-done")
	c.FrameSent(ctx, "s-done", 0.2)
	c.SessionClosed(ctx, "s-done")

	c.SessionCreated(ctx, "s-live")
	c.FrameSent(ctx, "s-live", 0.2)

	time.Sleep(20 * time.Millisecond)
	am.Evaluate()

	if len(fired) != 1 || fired[0].Kind != "stuck_session" {
		t.Fatalf("want exactly one stuck_session alert, got %v", fired)
	}
	if !strings.Contains(fired[0].Message, "s-live") {
		t.Errorf("alert names the wrong session: %q", fired[0].Message)
	}
}

// ─── TestAlerts_RecentRetention ──────────────────────────────────────────────

func TestAlerts_RecentRetention(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	am := NewAlertManager(AlertManagerConfig{Collector: c})

	for i := 0; i < defaultAlertRetention+20; i++ {
		am.fire(Alert{Level: LevelWarning, Kind: "test", At: time.Now(), Value: float64(i)})
	}

	recent := am.Recent()
	if len(recent) != defaultAlertRetention {
		t.Fatalf("retention: want %d, got %d", defaultAlertRetention, len(recent))
	}
	if recent[len(recent)-1].Value != float64(defaultAlertRetention+19) {
		t.Errorf("newest alert missing: got value %v", recent[len(recent)-1].Value)
	}
}

// ─── TestAlerts_StartStop ────────────────────────────────────────────────────

func TestAlerts_StartStop(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	am := NewAlertManager(AlertManagerConfig{Collector: c, CheckInterval: 10 * time.Millisecond})
	am.Start()
	time.Sleep(30 * time.Millisecond)
	am.Stop()
	am.Stop() // idempotent
}
