package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/podiumlabs/lectern/pkg/audio"
	"github.com/podiumlabs/lectern/pkg/recognizer"
	recmock "github.com/podiumlabs/lectern/pkg/recognizer/mock"
)

// ─── TestSession_Renewal ─────────────────────────────────────────────────────

// TestSession_Renewal swaps an aged stream for a fresh one and checks that
// the old stream is half-closed, the swap is recorded, and audio keeps
// flowing to the new stream.
func TestSession_Renewal(t *testing.T) {
	t.Parallel()

	oldSt := recmock.NewStream()
	oldSt.Opened = time.Now().Add(-280 * time.Second)
	newSt := recmock.NewStream()
	provider := &recmock.Provider{Streams: []recognizer.StreamHandle{oldSt, newSt}}

	consumer := &recordingConsumer{}
	s := newTestSession(t, provider, consumer, Config{SessionID: "s-renew"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.SendAudio(make([]byte, audio.MinFrameBytes)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	waitFor(t, func() bool { return len(oldSt.SentFrames()) == 1 }, "frame on old stream")

	ev := s.renew(context.Background(), 50*time.Millisecond)
	if ev.Status != RenewalCompleted {
		t.Fatalf("renewal: want completed, got %+v", ev)
	}
	if ev.OldStreamAge < 270*time.Second {
		t.Errorf("old stream age: got %v", ev.OldStreamAge)
	}
	if oldSt.CloseCallCount != 1 {
		t.Errorf("old stream Close calls: want 1, got %d", oldSt.CloseCallCount)
	}
	if got := s.RenewalCount(); got != 1 {
		t.Errorf("renewal count: want 1, got %d", got)
	}
	if got := s.Status(); got != StatusActive {
		t.Errorf("status after renewal: want active, got %s", got)
	}

	// Audio after the swap lands on the new stream.
	if err := s.SendAudio(make([]byte, audio.MinFrameBytes)); err != nil {
		t.Fatalf("SendAudio after renewal: %v", err)
	}
	waitFor(t, func() bool { return len(newSt.SentFrames()) == 1 }, "frame on new stream")
	if got := len(oldSt.SentFrames()); got != 1 {
		t.Errorf("old stream frames after swap: want 1, got %d", got)
	}

	// The new stream's events reach the consumer.
	newSt.Emit(recognizer.Event{Text: "after renewal", IsFinal: true, Confidence: 0.8})
	waitFor(t, func() bool { f, _ := consumer.counts(); return f == 1 }, "final from new stream")

	if _, err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// ─── TestSession_RenewalFailure ──────────────────────────────────────────────

// TestSession_RenewalFailure: when the reopen fails, the session stays
// Active and the buffered frames are released rather than lost.
func TestSession_RenewalFailure(t *testing.T) {
	t.Parallel()

	oldSt := recmock.NewStream()
	oldSt.Opened = time.Now().Add(-280 * time.Second)
	provider := &recmock.Provider{
		Stream:         oldSt,
		OpenStreamErrs: []error{nil, errors.New("quota exceeded")},
	}

	s := newTestSession(t, provider, &recordingConsumer{}, Config{SessionID: "s-renew-fail"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := s.renew(context.Background(), 50*time.Millisecond)
	if ev.Status != RenewalFailed || ev.Err == nil {
		t.Fatalf("renewal: want failed with error, got %+v", ev)
	}
	if got := s.Status(); got != StatusActive {
		t.Errorf("status after failed renewal: want active, got %s", got)
	}
	if got := s.RenewalCount(); got != 0 {
		t.Errorf("renewal count after failure: want 0, got %d", got)
	}
}

// ─── TestSession_RenewalBuffering ────────────────────────────────────────────

// TestSession_RenewalBuffering: frames routed while the session is Renewing
// land in the bounded buffer, and overflow is counted as dropped.
func TestSession_RenewalBuffering(t *testing.T) {
	t.Parallel()

	st := recmock.NewStream()
	s := newTestSession(t, &recmock.Provider{Stream: st}, &recordingConsumer{}, Config{
		SessionID:             "s-renew-buf",
		RenewalBufferCapacity: 3,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.mu.Lock()
	s.status = StatusRenewing
	s.renewBuf = make([]audio.Frame, 0, s.renewCap)
	s.mu.Unlock()

	for i := 0; i < 5; i++ {
		if err := s.SendAudio(make([]byte, audio.MinFrameBytes)); err != nil {
			t.Fatalf("SendAudio %d: %v", i, err)
		}
	}

	s.mu.Lock()
	buffered, dropped := len(s.renewBuf), s.dropped
	s.status = StatusActive
	s.renewBuf = nil
	s.mu.Unlock()

	if buffered != 3 {
		t.Errorf("buffered frames: want 3, got %d", buffered)
	}
	if dropped != 2 {
		t.Errorf("dropped frames: want 2, got %d", dropped)
	}
}

// ─── TestSession_CloseDuringRenewal ──────────────────────────────────────────

// TestSession_CloseDuringRenewal: a Close landing while the reopen is in
// flight wins. The session ends Closed, not Active, and the stream the
// renewal opened is torn down rather than leaked.
func TestSession_CloseDuringRenewal(t *testing.T) {
	t.Parallel()

	oldSt := recmock.NewStream()
	oldSt.Opened = time.Now().Add(-280 * time.Second)
	newSt := recmock.NewStream()
	provider := &gatedProvider{
		Provider: &recmock.Provider{Streams: []recognizer.StreamHandle{oldSt, newSt}},
		gate:     make(chan struct{}),
		entered:  make(chan struct{}, 1),
		free:     1,
	}

	s := newTestSession(t, provider, &recordingConsumer{}, Config{SessionID: "s-close-renew"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	evCh := make(chan RenewalEvent, 1)
	go func() { evCh <- s.renew(context.Background(), 50*time.Millisecond) }()
	<-provider.entered

	if _, err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(provider.gate)
	ev := <-evCh

	if ev.Status != RenewalFailed || ev.Err == nil {
		t.Fatalf("renewal: want failed with error, got %+v", ev)
	}
	if got := s.Status(); got != StatusClosed {
		t.Errorf("status: want closed, got %s", got)
	}
	if newSt.CloseCallCount == 0 {
		t.Error("stream opened by the renewal was never closed")
	}
	if got := s.RenewalCount(); got != 0 {
		t.Errorf("renewal count: want 0, got %d", got)
	}
}

// ─── TestSession_FailedRenewalReplayOrder ────────────────────────────────────

// TestSession_FailedRenewalReplayOrder: the renewal buffer drains into the
// audio channel before the session flips back to Active, so frames accepted
// after the flip queue behind the buffered ones.
func TestSession_FailedRenewalReplayOrder(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &recmock.Provider{}, &recordingConsumer{}, Config{
		SessionID: "s-replay-order",
	})

	s.mu.Lock()
	s.status = StatusRenewing
	s.renewBuf = []audio.Frame{{Seq: 1}, {Seq: 2}, {Seq: 3}}
	s.mu.Unlock()

	replayed, alive := s.replayRenewBuffer(context.Background())
	if replayed != 3 || !alive {
		t.Fatalf("replay: got (%d, %v), want (3, true)", replayed, alive)
	}
	if got := s.Status(); got != StatusActive {
		t.Fatalf("status after replay: want active, got %s", got)
	}
	s.route(audio.Frame{Seq: 4})

	for want := uint64(1); want <= 4; want++ {
		select {
		case f := <-s.audioCh:
			if f.Seq != want {
				t.Fatalf("frame order: want seq %d, got %d", want, f.Seq)
			}
		default:
			t.Fatalf("audio channel: missing frame seq %d", want)
		}
	}
}

// ─── TestSession_DrainOverflowCounted ────────────────────────────────────────

// TestSession_DrainOverflowCounted: frames lost when the renewal buffer
// fills during the channel drain are reported to the collector, not just
// the session counter.
func TestSession_DrainOverflowCounted(t *testing.T) {
	t.Parallel()

	col := newCollector(t)
	s, err := New(Config{SessionID: "s-drain-overflow", RenewalBufferCapacity: 2}, Deps{
		Provider:  &recmock.Provider{},
		Consumer:  &recordingConsumer{},
		Collector: col,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	col.SessionCreated(context.Background(), "s-drain-overflow")

	for i := 1; i <= 4; i++ {
		s.audioCh <- audio.Frame{Seq: uint64(i)}
	}
	s.mu.Lock()
	s.status = StatusRenewing
	s.renewBuf = make([]audio.Frame, 0, s.renewCap)
	s.mu.Unlock()

	s.drainChannelIntoBuffer()

	s.mu.Lock()
	buffered, dropped := len(s.renewBuf), s.dropped
	s.mu.Unlock()
	if buffered != 2 || dropped != 2 {
		t.Fatalf("drain: buffered=%d dropped=%d, want 2 and 2", buffered, dropped)
	}
	if got := col.Snapshot().DroppedFrames; got != 2 {
		t.Errorf("collector dropped frames: want 2, got %d", got)
	}
	if totals, ok := col.SessionTotals("s-drain-overflow"); !ok || totals.Dropped != 2 {
		t.Errorf("session totals: want 2 dropped, got %+v", totals)
	}
}

// ─── TestRenewer_Scan ────────────────────────────────────────────────────────

// TestRenewer_Scan: the scan renews only sessions whose stream age crosses
// the threshold, and the cooldown suppresses an immediate retry.
func TestRenewer_Scan(t *testing.T) {
	t.Parallel()

	agedSt := recmock.NewStream()
	agedSt.Opened = time.Now().Add(-280 * time.Second)
	provider := &recmock.Provider{
		Streams: []recognizer.StreamHandle{agedSt, recmock.NewStream(), recmock.NewStream()},
	}

	m := NewManager(ManagerConfig{Provider: provider, Collector: newCollector(t)})
	t.Cleanup(func() { m.CloseAll(context.Background()) })

	aged, err := m.Create(context.Background(), Config{SessionID: "aged"}, &recordingConsumer{})
	if err != nil {
		t.Fatalf("Create aged: %v", err)
	}
	fresh, err := m.Create(context.Background(), Config{SessionID: "fresh"}, &recordingConsumer{})
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}
	for _, s := range []*Session{aged, fresh} {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start %s: %v", s.ID(), err)
		}
	}

	var events []RenewalEvent
	r := NewRenewer(RenewerConfig{
		Manager:    m,
		FinalDrain: 50 * time.Millisecond,
		OnEvent:    func(ev RenewalEvent) { events = append(events, ev) },
	})

	r.Scan(context.Background())
	if len(events) != 1 || events[0].SessionID != "aged" || events[0].Status != RenewalCompleted {
		t.Fatalf("after first scan: events %+v", events)
	}
	if aged.RenewalCount() != 1 || fresh.RenewalCount() != 0 {
		t.Errorf("renewal counts: aged=%d fresh=%d", aged.RenewalCount(), fresh.RenewalCount())
	}

	// The fresh replacement stream is far below the threshold, so a second
	// scan is a no-op even without the cooldown coming into play.
	r.Scan(context.Background())
	if len(events) != 1 {
		t.Errorf("after second scan: want 1 event, got %d", len(events))
	}
}

// ─── TestSession_EligibleForRenewal ──────────────────────────────────────────

func TestSession_EligibleForRenewal(t *testing.T) {
	t.Parallel()

	st := recmock.NewStream()
	st.Opened = time.Now().Add(-280 * time.Second)
	s := newTestSession(t, &recmock.Provider{Stream: st}, &recordingConsumer{}, Config{
		SessionID: "s-eligible",
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	threshold := 270 * time.Second
	cooldown := 10 * time.Second

	if !s.eligibleForRenewal(threshold, cooldown) {
		t.Error("aged active session: want eligible")
	}

	// A recent attempt suppresses the next one until the cooldown passes.
	s.mu.Lock()
	s.lastRenewal = time.Now()
	s.mu.Unlock()
	if s.eligibleForRenewal(threshold, cooldown) {
		t.Error("within cooldown: want not eligible")
	}

	s.mu.Lock()
	s.lastRenewal = time.Now().Add(-11 * time.Second)
	s.mu.Unlock()
	if !s.eligibleForRenewal(threshold, cooldown) {
		t.Error("past cooldown: want eligible")
	}

	s.mu.Lock()
	s.status = StatusRenewing
	s.mu.Unlock()
	if s.eligibleForRenewal(threshold, cooldown) {
		t.Error("renewing session: want not eligible")
	}
	s.mu.Lock()
	s.status = StatusActive
	s.mu.Unlock()

	if _, err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
