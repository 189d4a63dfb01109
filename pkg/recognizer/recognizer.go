// Package recognizer defines the Provider interface for streaming
// speech-recognition backends.
//
// A recognizer provider wraps a real-time transcription service behind a
// bidirectional stream: the client opens a stream, sends one configuration
// message followed by an unbounded sequence of audio frames, and receives an
// unbounded sequence of recognition events until it half-closes or the
// service closes after its hard time limit. The central abstraction is
// StreamHandle; once opened, a stream accepts canonical PCM frames and emits
// interim and final [Event] values on a single ordered channel.
//
// Implementations must be safe for concurrent use. The session core owns all
// buffering; a StreamHandle buffers no more than its transport requires.
package recognizer

import (
	"context"
	"errors"
	"time"

	"github.com/podiumlabs/lectern/pkg/audio"
)

// Upstream limits shared by all known backends. Sessions must renew their
// stream before MaxStreamAudio of audio has been sent or the service will
// close the stream on its own.
const (
	// MaxStreamAudio is the hard upstream limit on audio per stream.
	MaxStreamAudio = 300 * time.Second

	// MaxStreamSilence is the hard upstream limit on continuous silence.
	MaxStreamSilence = 60 * time.Second

	// CloseGrace is how long Close waits for the reader to drain trailing
	// events after the sending side has been half-closed.
	CloseGrace = 5 * time.Second
)

// ErrStreamClosed is returned by SendFrame after the stream has been closed
// or has broken.
var ErrStreamClosed = errors.New("recognizer: stream is closed")

// StreamConfig is the single configuration message sent when a stream opens.
type StreamConfig struct {
	// SessionID is an opaque identifier echoed in backend logs.
	SessionID string

	// Language is the recognition language tag (e.g. "ja-JP"). Passed
	// through to the backend unmodified.
	Language string

	// Model selects the backend recognition model. Opaque.
	Model string

	// SampleRate is the PCM sample rate in Hz. The session core always
	// sends audio.SampleRate.
	SampleRate int

	// InterimResults requests low-latency partial hypotheses in addition
	// to finals.
	InterimResults bool
}

// WordDetail holds per-word timing from backends that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Event is one recognition result from the backend, interim or final.
type Event struct {
	// Text is the recognized utterance text.
	Text string

	// IsFinal marks an authoritative result. Interim events are superseded
	// by later events.
	IsFinal bool

	// Confidence is the backend's confidence in [0, 1]. Zero when the
	// backend does not report confidence.
	Confidence float64

	// Words contains per-word timings when available. May be nil.
	Words []WordDetail

	// Received marks when the event was read off the transport.
	Received time.Time
}

// StreamHandle represents one open bidirectional recognition stream. It is an
// interface so tests can substitute scripted implementations.
//
// Callers must call Close when the stream is no longer needed; failing to do
// so leaks the reader goroutine and the transport connection. All methods are
// safe for concurrent use.
type StreamHandle interface {
	// SendFrame delivers one canonical PCM frame to the backend. It does
	// not block on the network; it returns ErrStreamClosed once the stream
	// is closed or broken.
	SendFrame(frame audio.Frame) error

	// Events returns the ordered stream of recognition events. The channel
	// is closed when the backend ends the stream or Close completes.
	Events() <-chan Event

	// OpenedAt reports when the stream was established. Sessions use this
	// to schedule renewal ahead of the upstream time limit.
	OpenedAt() time.Time

	// Close half-closes the sending side, waits up to CloseGrace for
	// trailing events to drain, then tears down the transport. Safe to
	// call more than once.
	Close(ctx context.Context) error
}

// Provider is the abstraction over any streaming recognition backend.
// Multiple streams may be open simultaneously, one per live session.
type Provider interface {
	// OpenStream establishes a new recognition stream. The returned handle
	// is ready to accept frames immediately. Returns an error if the
	// stream cannot be established (transport failure, bad configuration,
	// or ctx already cancelled).
	OpenStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
