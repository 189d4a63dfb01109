package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/podiumlabs/lectern/pkg/audio"
)

// Default renewal parameters. The upstream recognizer hard-closes a stream
// after about 300 seconds of audio; renewing at 270 leaves headroom for
// the drain and reopen.
const (
	DefaultRenewThreshold  = 270 * time.Second
	DefaultRenewCooldown   = 10 * time.Second
	DefaultRefreshInterval = time.Second
	DefaultFinalDrain      = 500 * time.Millisecond
)

// RenewerConfig configures a [Renewer].
type RenewerConfig struct {
	// Manager supplies the sessions to scan. Required.
	Manager *Manager

	// Threshold is the stream age at which renewal triggers.
	// Defaults to 270s if zero.
	Threshold time.Duration

	// Cooldown is the minimum gap between renewal attempts per session.
	// Defaults to 10s if zero.
	Cooldown time.Duration

	// Interval is the scan period. Defaults to 1s if zero.
	Interval time.Duration

	// FinalDrain is how long to wait for trailing events from the old
	// stream before opening the new one. Defaults to 500ms if zero.
	FinalDrain time.Duration

	// OnEvent is invoked for every recorded [RenewalEvent]. May be nil.
	OnEvent func(RenewalEvent)
}

// Renewer scans active sessions in a single background goroutine and
// renews any whose recognizer stream is approaching the upstream time
// limit. All methods are safe for concurrent use.
type Renewer struct {
	manager    *Manager
	threshold  time.Duration
	cooldown   time.Duration
	interval   time.Duration
	finalDrain time.Duration
	onEvent    func(RenewalEvent)

	done     chan struct{}
	stopOnce sync.Once
}

// NewRenewer creates a Renewer with the given configuration.
func NewRenewer(cfg RenewerConfig) *Renewer {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultRenewThreshold
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultRenewCooldown
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	finalDrain := cfg.FinalDrain
	if finalDrain <= 0 {
		finalDrain = DefaultFinalDrain
	}
	return &Renewer{
		manager:    cfg.Manager,
		threshold:  threshold,
		cooldown:   cooldown,
		interval:   interval,
		finalDrain: finalDrain,
		onEvent:    cfg.OnEvent,
		done:       make(chan struct{}),
	}
}

// Start launches the background scan loop.
func (r *Renewer) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop halts the scan loop. Safe to call multiple times.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Renewer) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan checks every active session once and renews the eligible ones.
// Exposed so tests can drive the renewer without waiting on the ticker.
func (r *Renewer) Scan(ctx context.Context) {
	for _, s := range r.manager.ListActive() {
		if !s.eligibleForRenewal(r.threshold, r.cooldown) {
			continue
		}
		ev := s.renew(ctx, r.finalDrain)
		if r.onEvent != nil {
			r.onEvent(ev)
		}
	}
}

// eligibleForRenewal reports whether this session's stream is old enough
// to renew and the cooldown since the last attempt has passed.
func (s *Session) eligibleForRenewal(threshold, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive || s.stream == nil {
		return false
	}
	if time.Since(s.stream.OpenedAt()) < threshold {
		return false
	}
	if !s.lastRenewal.IsZero() && time.Since(s.lastRenewal) < cooldown {
		return false
	}
	return true
}

// renew swaps the session's recognizer stream for a fresh one. Audio
// accepted while the swap is in flight lands in a bounded buffer and is
// replayed into the audio channel, FIFO, before any newer frame. On
// failure the session stays Active on the old stream; the next scan
// retries after the cooldown.
func (s *Session) renew(ctx context.Context, finalDrain time.Duration) RenewalEvent {
	start := time.Now()

	s.mu.Lock()
	if s.status != StatusActive {
		st := s.status
		s.mu.Unlock()
		return RenewalEvent{
			SessionID: s.cfg.SessionID, Status: RenewalFailed, At: start,
			Err: fmt.Errorf("session: renew in state %q", st),
		}
	}
	s.status = StatusRenewing
	s.lastRenewal = start
	old := s.stream
	oldAge := time.Since(old.OpenedAt())
	s.renewBuf = make([]audio.Frame, 0, s.renewCap)
	s.mu.Unlock()

	s.log.Info("stream renewal starting", "stream_age", oldAge.Round(time.Second))

	// Pull anything still queued for the old stream into the buffer so it
	// is replayed on the new one instead of racing the half-close.
	s.drainChannelIntoBuffer()

	// Half-close the old stream; its reader keeps delivering trailing
	// finals until the event channel closes.
	drainCtx, cancel := context.WithTimeout(ctx, finalDrain)
	if err := old.Close(drainCtx); err != nil {
		s.log.Warn("old stream close error during renewal", "error", err)
	}
	cancel()

	h, err := s.provider.OpenStream(ctx, s.streamConfig())
	if err != nil {
		// Replay the buffered audio toward the old stream path first, then
		// restore Active; the session keeps running until upstream actually
		// cuts it off.
		buffered, _ := s.replayRenewBuffer(ctx)

		s.collector.Renewal(ctx, false, time.Since(start))
		s.collector.Error(ctx, "renewal")
		s.log.Error("stream renewal failed", "error", err)
		return RenewalEvent{
			SessionID: s.cfg.SessionID, Status: RenewalFailed, At: start,
			OldStreamAge: oldAge, Duration: time.Since(start),
			BufferedFrames: buffered, Err: err,
		}
	}

	// Close or a failure may have landed while the open was in flight; the
	// fresh handle must not resurrect a terminal session.
	s.mu.Lock()
	if s.status != StatusRenewing {
		st := s.status
		s.mu.Unlock()
		_ = h.Close(ctx)
		s.replayRenewBuffer(ctx)
		s.collector.Renewal(ctx, false, time.Since(start))
		s.log.Warn("stream renewal abandoned", "state", string(st))
		return RenewalEvent{
			SessionID: s.cfg.SessionID, Status: RenewalFailed, At: start,
			OldStreamAge: oldAge, Duration: time.Since(start),
			Err: fmt.Errorf("session: renew interrupted in state %q", st),
		}
	}
	s.stream = h
	s.mu.Unlock()

	s.results.clearInterim()

	s.wg.Add(1)
	go s.readLoop(h)

	// Replay the buffer before going Active so frames accepted after the
	// renewal cannot overtake frames accepted during it.
	buffered, alive := s.replayRenewBuffer(ctx)
	duration := time.Since(start)
	if !alive {
		// The session closed mid-replay. The new stream is already
		// installed, so the closing path tears it down.
		s.collector.Renewal(ctx, false, duration)
		s.log.Warn("stream renewal interrupted by close")
		return RenewalEvent{
			SessionID: s.cfg.SessionID, Status: RenewalFailed, At: start,
			OldStreamAge: oldAge, Duration: duration, BufferedFrames: buffered,
			Err: fmt.Errorf("session: renew interrupted in state %q", s.Status()),
		}
	}

	s.mu.Lock()
	s.renewalCount++
	s.mu.Unlock()

	s.collector.Renewal(ctx, true, duration)
	s.log.Info("stream renewal completed",
		"buffered_frames", buffered,
		"duration", duration.Round(time.Millisecond),
	)
	return RenewalEvent{
		SessionID: s.cfg.SessionID, Status: RenewalCompleted, At: start,
		OldStreamAge: oldAge, Duration: duration, BufferedFrames: buffered,
	}
}

// replayRenewBuffer replays frames buffered during a renewal into the
// audio channel, FIFO, and flips the session back to Active once the
// buffer is empty. Frames arriving mid-replay land in the buffer and are
// replayed in turn. Reports the number of frames replayed and whether the
// session stayed Renewing throughout; when it left Renewing (a racing
// close or failure) the remaining frames are dropped and the terminal
// state stands.
func (s *Session) replayRenewBuffer(ctx context.Context) (int, bool) {
	replayed := 0
	for {
		s.mu.Lock()
		if s.status != StatusRenewing {
			n := len(s.renewBuf)
			s.dropped += uint64(n)
			s.renewBuf = nil
			s.mu.Unlock()
			for i := 0; i < n; i++ {
				s.collector.FrameDropped(ctx, s.cfg.SessionID, "shutdown")
			}
			return replayed, false
		}
		if len(s.renewBuf) == 0 {
			s.renewBuf = nil
			s.status = StatusActive
			s.mu.Unlock()
			return replayed, true
		}
		batch := s.renewBuf
		s.renewBuf = make([]audio.Frame, 0, s.renewCap)
		s.mu.Unlock()
		replayed += len(batch)
		for _, f := range batch {
			s.enqueue(ctx, f)
		}
	}
}

// drainChannelIntoBuffer moves frames already queued in the audio channel
// into the renewal buffer, preserving order ahead of newer arrivals.
func (s *Session) drainChannelIntoBuffer() {
	for {
		select {
		case f := <-s.audioCh:
			s.mu.Lock()
			if len(s.renewBuf) < s.renewCap {
				s.renewBuf = append(s.renewBuf, f)
				s.mu.Unlock()
				continue
			}
			s.dropped++
			s.mu.Unlock()
			s.collector.FrameDropped(context.Background(), s.cfg.SessionID, "renewal_overflow")
		default:
			return
		}
	}
}
