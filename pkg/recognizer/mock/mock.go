// Package mock provides test doubles for the recognizer package interfaces.
//
// Use Provider to verify that the caller opens streams with the expected
// StreamConfig. Use Stream to feed controlled Event values and inspect which
// frames were delivered.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	handle, _ := p.OpenStream(ctx, cfg)
//	st.Emit(recognizer.Event{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/podiumlabs/lectern/pkg/audio"
	"github.com/podiumlabs/lectern/pkg/recognizer"
)

// OpenStreamCall records a single invocation of Provider.OpenStream.
type OpenStreamCall struct {
	// Ctx is the context passed to OpenStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to OpenStream.
	Cfg recognizer.StreamConfig
}

// Provider is a mock implementation of recognizer.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the handle returned by OpenStream. If nil, OpenStream
	// returns a fresh default Stream.
	Stream recognizer.StreamHandle

	// OpenStreamErr, if non-nil, is returned as the error from OpenStream.
	// When OpenStreamErrs is non-empty it takes precedence and is consumed
	// one entry per call (nil entries mean success), which lets tests
	// script a failure followed by a recovery.
	OpenStreamErr  error
	OpenStreamErrs []error

	// Streams, when non-empty, is consumed one handle per successful call.
	// Lets renewal tests hand out distinct old/new streams.
	Streams []recognizer.StreamHandle

	// OpenStreamCalls records every call to OpenStream.
	OpenStreamCalls []OpenStreamCall
}

// OpenStream records the call and returns the next scripted stream or error.
func (p *Provider) OpenStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = append(p.OpenStreamCalls, OpenStreamCall{Ctx: ctx, Cfg: cfg})

	if len(p.OpenStreamErrs) > 0 {
		err := p.OpenStreamErrs[0]
		p.OpenStreamErrs = p.OpenStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.OpenStreamErr != nil {
		return nil, p.OpenStreamErr
	}

	if len(p.Streams) > 0 {
		st := p.Streams[0]
		p.Streams = p.Streams[1:]
		return st, nil
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// CallCount returns the number of OpenStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenStreamCalls)
}

// Ensure Provider implements recognizer.Provider at compile time.
var _ recognizer.Provider = (*Provider)(nil)

// Stream is a mock implementation of recognizer.StreamHandle. Tests feed
// events with Emit and end the stream with End or Close.
type Stream struct {
	mu sync.Mutex

	// SendFrameErr, if non-nil, is returned by every SendFrame call.
	SendFrameErr error

	// Sent records every frame delivered via SendFrame, in order.
	Sent []audio.Frame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Opened is the value reported by OpenedAt. Defaults to the
	// construction time; renewal tests may back-date it.
	Opened time.Time

	events chan recognizer.Event
	ended  bool
	closed bool
}

// NewStream returns a Stream with a buffered event channel, ready to use.
func NewStream() *Stream {
	return &Stream{
		Opened: time.Now(),
		events: make(chan recognizer.Event, 64),
	}
}

// Emit queues one event for the consumer. Panics if the stream has ended;
// that signals a test-sequencing bug.
func (s *Stream) Emit(ev recognizer.Event) {
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	s.events <- ev
}

// End closes the event channel, simulating the backend ending the stream.
// Safe to call once; Close also ends the stream.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// SendFrame records the frame and returns SendFrameErr.
func (s *Stream) SendFrame(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return recognizer.ErrStreamClosed
	}
	if s.SendFrameErr != nil {
		return s.SendFrameErr
	}
	cp := frame
	cp.Data = make([]byte, len(frame.Data))
	copy(cp.Data, frame.Data)
	s.Sent = append(s.Sent, cp)
	return nil
}

// Events returns the scripted event channel.
func (s *Stream) Events() <-chan recognizer.Event { return s.events }

// OpenedAt returns Opened.
func (s *Stream) OpenedAt() time.Time { return s.Opened }

// Close records the call and ends the event stream.
func (s *Stream) Close(_ context.Context) error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	ended := s.ended
	s.ended = true
	s.mu.Unlock()
	if !ended {
		close(s.events)
	}
	return nil
}

// SentFrames returns a copy of the recorded frames. Thread-safe.
func (s *Stream) SentFrames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// SentBytes returns the total payload bytes recorded. Thread-safe.
func (s *Stream) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.Sent {
		n += len(f.Data)
	}
	return n
}

// Ensure Stream implements recognizer.StreamHandle at compile time.
var _ recognizer.StreamHandle = (*Stream)(nil)
