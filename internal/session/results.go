package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/podiumlabs/lectern/internal/observe"
	"github.com/podiumlabs/lectern/internal/slidematch"
	"github.com/podiumlabs/lectern/pkg/recognizer"
)

// resultHandler turns recognizer events into consumer results. An interim
// event replaces the current interim hypothesis; a final event clears it,
// appends to the transcript, and is annotated with a slide match. One
// handler belongs to one session; its mutex serializes callback delivery
// in event receipt order, including across a stream renewal where old and
// new reader goroutines briefly overlap.
type resultHandler struct {
	sessionID      string
	presentationID string
	lectureID      int64
	matcher        *slidematch.Matcher
	consumer       Consumer
	collector      *observe.Collector
	log            *slog.Logger

	// lastFrameAt reports when the session last forwarded a frame
	// upstream, for frame-to-final latency. May return the zero time.
	lastFrameAt func() time.Time

	mu             sync.Mutex
	interim        string
	finals         []string
	lastFinalTS    time.Time
	finalCount     uint64
	interimCount   uint64
	confidenceSum  float64
	confidenceN    uint64
}

// handle processes one recognition event.
func (h *resultHandler) handle(ctx context.Context, ev recognizer.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := Result{
		SessionID:      h.sessionID,
		PresentationID: h.presentationID,
		LectureID:      h.lectureID,
		Text:           ev.Text,
		IsFinal:        ev.IsFinal,
		Confidence:     ev.Confidence,
		Timestamp:      ev.Received,
	}

	if !ev.IsFinal {
		h.interim = ev.Text
		h.interimCount++
		h.collector.Result(ctx, h.sessionID, false, ev.Confidence)
		h.deliver(ctx, res)
		return
	}

	// Final timestamps must be non-decreasing even when a trailing event
	// from a renewed-away stream lands late.
	if res.Timestamp.Before(h.lastFinalTS) {
		res.Timestamp = h.lastFinalTS
	}
	h.lastFinalTS = res.Timestamp

	h.interim = ""
	h.finals = append(h.finals, ev.Text)
	h.finalCount++
	h.confidenceSum += ev.Confidence
	h.confidenceN++

	if h.matcher != nil {
		start := time.Now()
		m := h.matcher.Match(ctx, ev.Text, res.Timestamp)
		h.collector.MatchDuration(ctx, time.Since(start))
		if m.Matched {
			res.Slide = &SlideMatch{
				SlideID:    m.SlideID,
				Score:      m.Score,
				Confidence: m.Confidence,
				Keywords:   m.Keywords,
			}
		}
	}

	if h.lastFrameAt != nil {
		if sent := h.lastFrameAt(); !sent.IsZero() && ev.Received.After(sent) {
			h.collector.FinalLatency(ctx, ev.Received.Sub(sent))
		}
	}
	h.collector.Result(ctx, h.sessionID, true, ev.Confidence)
	h.deliver(ctx, res)
}

// deliver invokes the consumer callback with panic recovery. A panicking
// consumer is logged and counted but never unwinds into the reader loop.
// Called with h.mu held.
func (h *resultHandler) deliver(ctx context.Context, res Result) {
	defer func() {
		if r := recover(); r != nil {
			h.collector.Error(ctx, "callback")
			h.log.ErrorContext(ctx, "consumer callback panicked",
				"session_id", h.sessionID, "is_final", res.IsFinal, "panic", r)
		}
	}()
	if res.IsFinal {
		h.consumer.OnFinal(res)
	} else {
		h.consumer.OnInterim(res)
	}
}

// clearInterim drops the current interim hypothesis. Called on renewal;
// the new stream produces its own interims.
func (h *resultHandler) clearInterim() {
	h.mu.Lock()
	h.interim = ""
	h.mu.Unlock()
}

// Interim returns the current interim hypothesis, empty after a final.
func (h *resultHandler) Interim() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interim
}

// Transcript returns the space-joined final transcript so far.
func (h *resultHandler) Transcript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.finals, " ")
}

// counts returns final and interim totals.
func (h *resultHandler) counts() (finals, interims uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finalCount, h.interimCount
}

// avgConfidence returns the rolling mean confidence over finals.
func (h *resultHandler) avgConfidence() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.confidenceN == 0 {
		return 0
	}
	return h.confidenceSum / float64(h.confidenceN)
}
