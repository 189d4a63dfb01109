package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "webhook"})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "webhook", MaxFailures: 3})
	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:         "webhook",
		MaxFailures:  3,
		ResetTimeout: time.Hour, // long timeout so it stays open
	})

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	// Next call is rejected without running.
	err := b.Do(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "webhook", MaxFailures: 3})

	// 2 failures, then a success: must not open.
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success resets counter)", b.State())
	}

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestBreaker_OpenToHalfOpen(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:         "webhook",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:         "webhook",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:         "webhook",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	// A failed probe re-opens immediately.
	if err := b.Do(func() error { return errTest }); err == nil {
		t.Fatal("expected error from failing probe")
	}

	// Raw state, since State() reports half-open once lastFailure ages out.
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", s)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:         "webhook",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
