package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/podiumlabs/lectern/internal/observe"
	"github.com/podiumlabs/lectern/internal/slidematch"
	"github.com/podiumlabs/lectern/pkg/audio"
	"github.com/podiumlabs/lectern/pkg/recognizer"
)

// Deps holds a Session's collaborators, injected at construction.
type Deps struct {
	// Provider opens recognizer streams. Required.
	Provider recognizer.Provider

	// Matcher aligns final utterances to slides. May be nil, which
	// disables slide annotations.
	Matcher *slidematch.Matcher

	// Consumer receives results. Required.
	Consumer Consumer

	// Collector is the metrics tap point. Required.
	Collector *observe.Collector

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Session is one logical transcription. All exported methods are safe for
// concurrent use; internal state is guarded by a single mutex held only
// for field updates, never across I/O.
type Session struct {
	cfg       Config
	provider  recognizer.Provider
	collector *observe.Collector
	log       *slog.Logger
	results   *resultHandler
	norm      *audio.Normalizer

	audioCh     chan audio.Frame
	sendTimeout time.Duration
	renewCap    int

	done       chan struct{}
	doneOnce   sync.Once
	writerDone chan struct{}
	closeOnce  sync.Once
	closedCh   chan struct{}
	wg         sync.WaitGroup

	// lastFrameSent is read by the result handler for latency tracking.
	lastMu        sync.Mutex
	lastFrameSent time.Time

	mu           sync.Mutex
	status       Status
	starting     bool // Start in flight; blocks a concurrent Start
	stream       recognizer.StreamHandle
	pending      []audio.Frame // frames accepted before Start
	renewBuf     []audio.Frame // frames accepted during renewal
	framesSent   uint64
	bytesSent    uint64
	dropped      uint64
	renewalCount int
	lastRenewal  time.Time // last renewal attempt, success or not
	startedAt    time.Time
	closedAt     time.Time
	summary      *Summary // cached on first Close
}

// New builds a Session in the Initializing state. Audio is accepted
// immediately and queued until [Session.Start] opens the first stream.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session: session id is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("session: recognizer provider is required")
	}
	if deps.Consumer == nil {
		return nil, fmt.Errorf("session: consumer is required")
	}
	if deps.Collector == nil {
		return nil, fmt.Errorf("session: collector is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", cfg.SessionID)

	chCap := cfg.AudioChannelCapacity
	if chCap <= 0 {
		chCap = DefaultAudioChannelCapacity
	}
	renewCap := cfg.RenewalBufferCapacity
	if renewCap <= 0 {
		renewCap = DefaultRenewalBufferCapacity
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}

	var normOpts []audio.NormalizerOption
	if cfg.StrictAudio {
		normOpts = append(normOpts, audio.WithStrict())
	}

	s := &Session{
		cfg:         cfg,
		provider:    deps.Provider,
		collector:   deps.Collector,
		log:         log,
		norm:        audio.NewNormalizer(normOpts...),
		audioCh:     make(chan audio.Frame, chCap),
		sendTimeout: sendTimeout,
		renewCap:    renewCap,
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
		closedCh:    make(chan struct{}),
		status:      StatusInitializing,
		startedAt:   time.Now(),
	}
	s.results = &resultHandler{
		sessionID:      cfg.SessionID,
		presentationID: cfg.PresentationID,
		lectureID:      cfg.LectureID,
		matcher:        deps.Matcher,
		consumer:       deps.Consumer,
		collector:      deps.Collector,
		log:            log,
		lastFrameAt:    s.lastFrameSentAt,
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.SessionID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RenewalCount returns how many stream renewals have completed.
func (s *Session) RenewalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewalCount
}

// Transcript returns the space-joined final transcript so far.
func (s *Session) Transcript() string { return s.results.Transcript() }

// CurrentInterim returns the latest interim hypothesis, empty after a
// final event.
func (s *Session) CurrentInterim() string { return s.results.Interim() }

// streamConfig builds the recognizer configuration for this session. The
// same config is reused for every renewal.
func (s *Session) streamConfig() recognizer.StreamConfig {
	return recognizer.StreamConfig{
		SessionID:      s.cfg.SessionID,
		Language:       s.cfg.Language,
		Model:          s.cfg.Model,
		SampleRate:     audio.SampleRate,
		InterimResults: s.cfg.InterimResults,
	}
}

// Start opens the first recognizer stream, replays any audio queued while
// Initializing, and transitions to Active. Fails the session on stream
// open errors.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusInitializing {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("session: start in state %q", st)
	}
	if s.starting {
		s.mu.Unlock()
		return fmt.Errorf("session: start already in progress")
	}
	s.starting = true
	s.mu.Unlock()

	h, err := s.provider.OpenStream(ctx, s.streamConfig())
	if err != nil {
		s.fail(ctx, "stream_open", err)
		return fmt.Errorf("session: open stream: %w", err)
	}

	// Close may have landed while the open was in flight; the fresh handle
	// must not outlive the session or resurrect it.
	s.mu.Lock()
	if s.status != StatusInitializing {
		st := s.status
		s.mu.Unlock()
		_ = h.Close(ctx)
		return fmt.Errorf("session: start in state %q", st)
	}
	s.stream = h
	s.mu.Unlock()

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop(h)

	// Replay queued audio before going Active so no frame accepted after
	// Start can overtake one accepted before it. If the session leaves
	// Initializing mid-replay (a racing Close), the remaining frames are
	// dropped and the terminal state stands.
	for {
		s.mu.Lock()
		if s.status != StatusInitializing {
			n := len(s.pending)
			s.dropped += uint64(n)
			s.pending = nil
			s.mu.Unlock()
			for i := 0; i < n; i++ {
				s.collector.FrameDropped(ctx, s.cfg.SessionID, "shutdown")
			}
			return nil
		}
		if len(s.pending) == 0 {
			s.status = StatusActive
			s.mu.Unlock()
			break
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, f := range batch {
			s.enqueue(context.Background(), f)
		}
	}

	s.log.Info("session started",
		"presentation_id", s.cfg.PresentationID,
		"language", s.cfg.Language,
		"interim_results", s.cfg.InterimResults,
	)
	return nil
}

// SendAudio normalizes a raw chunk and routes the resulting frames by
// state: queued while Initializing, buffered while Renewing, and enqueued
// to the writer while Active. Rejected once closing.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	switch s.status {
	case StatusClosing, StatusClosed, StatusFailed:
		s.mu.Unlock()
		return fmt.Errorf("session: send audio in state %q: %w", s.status, ErrClosed)
	}

	frames, err := s.norm.Push(chunk)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: %w", err)
	}
	s.mu.Unlock()
	s.collector.ChunkReceived(s.cfg.SessionID, len(chunk))

	for _, f := range frames {
		s.route(f)
	}
	return nil
}

// route places one frame according to the current state.
func (s *Session) route(f audio.Frame) {
	s.mu.Lock()
	switch s.status {
	case StatusInitializing:
		s.pending = append(s.pending, f)
		s.mu.Unlock()
		return
	case StatusRenewing:
		if len(s.renewBuf) >= s.renewCap {
			s.dropped++
			s.mu.Unlock()
			s.collector.FrameDropped(context.Background(), s.cfg.SessionID, "renewal_overflow")
			s.log.Warn("renewal buffer overflow, frame dropped", "capacity", s.renewCap)
			return
		}
		s.renewBuf = append(s.renewBuf, f)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.enqueue(context.Background(), f)
}

// enqueue pushes a frame into the audio channel, waiting up to the send
// timeout before dropping it.
func (s *Session) enqueue(ctx context.Context, f audio.Frame) {
	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.audioCh <- f:
	case <-s.done:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.collector.FrameDropped(ctx, s.cfg.SessionID, "shutdown")
	case <-timer.C:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.collector.FrameDropped(ctx, s.cfg.SessionID, "backpressure")
		s.log.Warn("audio channel full, frame dropped", "seq", f.Seq)
	}
}

// writeLoop is the single writer goroutine: it drains the audio channel
// into whichever stream is current. On shutdown it drains remaining
// frames before exiting.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			for {
				select {
				case f := <-s.audioCh:
					s.sendFrame(f)
				default:
					return
				}
			}
		case f := <-s.audioCh:
			s.sendFrame(f)
		}
	}
}

// sendFrame forwards one frame to the current stream and updates counters.
func (s *Session) sendFrame(f audio.Frame) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}

	if err := stream.SendFrame(f); err != nil {
		s.collector.Error(context.Background(), "frame_send")
		s.log.Warn("frame send failed", "seq", f.Seq, "error", err)
		return
	}

	s.lastMu.Lock()
	s.lastFrameSent = time.Now()
	s.lastMu.Unlock()

	s.mu.Lock()
	s.framesSent++
	s.bytesSent += uint64(len(f.Data))
	s.mu.Unlock()
	s.collector.FrameSent(context.Background(), s.cfg.SessionID, f.Duration().Seconds())
}

// readLoop forwards one stream's events to the result handler until the
// stream ends. A renewal starts a new readLoop for the new stream; the old
// loop drains its trailing events and exits on channel close.
func (s *Session) readLoop(h recognizer.StreamHandle) {
	defer s.wg.Done()
	for ev := range h.Events() {
		s.results.handle(context.Background(), ev)
	}
}

// lastFrameSentAt reports when the last frame was forwarded upstream.
func (s *Session) lastFrameSentAt() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastFrameSent
}

// fail moves the session to Failed from any state.
func (s *Session) fail(ctx context.Context, kind string, err error) {
	s.mu.Lock()
	s.status = StatusFailed
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	if stream != nil {
		_ = stream.Close(ctx)
	}
	s.collector.Error(ctx, kind)
	s.log.Error("session failed", "kind", kind, "error", err)
}

// Close flushes the normalizer tail, half-closes the stream, waits for the
// reader to drain, and returns the terminal summary. Idempotent: repeated
// and concurrent calls all return the same summary.
func (s *Session) Close(ctx context.Context) (Summary, error) {
	s.closeOnce.Do(func() {
		s.doClose(ctx)
		close(s.closedCh)
	})
	<-s.closedCh

	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.summary, nil
}

func (s *Session) doClose(ctx context.Context) {
	s.mu.Lock()
	prev := s.status
	s.status = StatusClosing
	stream := s.stream
	s.mu.Unlock()

	// A short tail may remain in the accumulator; send it before the
	// half-close so the recognizer sees every accepted byte.
	if tail, ok := s.norm.Flush(); ok && stream != nil {
		s.enqueue(ctx, tail)
	}

	// Release the writer; it drains the channel before exiting. The stream
	// must stay open until that drain finishes or trailing frames would hit
	// a closed stream.
	s.doneOnce.Do(func() { close(s.done) })

	if stream != nil {
		select {
		case <-s.writerDone:
		case <-time.After(recognizer.CloseGrace):
			s.log.Warn("close grace elapsed before writer drain")
		case <-ctx.Done():
		}
		if err := stream.Close(ctx); err != nil {
			s.log.Warn("stream close error", "error", err)
		}
	}

	// Wait for the writer and reader(s); the stream close above bounds
	// the reader drain, so this does not hang.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(recognizer.CloseGrace):
		s.log.Warn("close grace elapsed before goroutine drain")
	case <-ctx.Done():
	}

	finals, interims := s.results.counts()
	stats := s.norm.Stats()

	s.mu.Lock()
	s.closedAt = time.Now()
	status := StatusClosed
	if prev == StatusFailed {
		status = StatusFailed
	}
	s.status = status
	sum := Summary{
		SessionID:       s.cfg.SessionID,
		PresentationID:  s.cfg.PresentationID,
		Status:          status,
		TotalChunks:     stats.ChunksIn,
		TotalFramesSent: s.framesSent,
		DroppedFrames:   s.dropped,
		FinalResults:    finals,
		InterimResults:  interims,
		RenewalCount:    s.renewalCount,
		AudioSeconds:    float64(s.bytesSent) / float64(audio.SampleRate*audio.BytesPerSample),
		AvgConfidence:   s.results.avgConfidence(),
		Transcript:      s.results.Transcript(),
		StartedAt:       s.startedAt,
		ClosedAt:        s.closedAt,
	}
	s.summary = &sum
	s.mu.Unlock()

	s.log.Info("session closed",
		"frames_sent", sum.TotalFramesSent,
		"finals", sum.FinalResults,
		"dropped", sum.DroppedFrames,
		"renewals", sum.RenewalCount,
		"audio_seconds", sum.AudioSeconds,
	)
}
