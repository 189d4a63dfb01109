package audio

import "time"

// Canonical PCM format accepted on ingress and forwarded to the recognizer:
// 16 kHz, mono, 16-bit signed little-endian samples.
const (
	// SampleRate is the canonical sample rate in Hz.
	SampleRate = 16000

	// BytesPerSample is the size of one 16-bit sample.
	BytesPerSample = 2

	// MinFrameBytes is the smallest frame forwarded to the recognizer (~100 ms).
	MinFrameBytes = 3200

	// MaxFrameBytes is the largest frame forwarded to the recognizer (~300 ms).
	MaxFrameBytes = 9600

	// OptimalFrameBytes is the preferred frame size (~200 ms). Oversized
	// chunks are sliced into frames of this size.
	OptimalFrameBytes = 6400
)

// Frame is one normalized chunk of PCM audio flowing through a session.
// Frames are immutable once emitted by the Normalizer: the Data slice is
// never shared with caller-owned buffers.
type Frame struct {
	// Data is canonical PCM. Always even-length; within
	// [MinFrameBytes, MaxFrameBytes] except for at most one short tail
	// frame emitted on session close.
	Data []byte

	// Seq is a monotonic sequence number assigned on ingress, starting at 0.
	Seq uint64

	// Received marks when the source chunk entered the normalizer.
	Received time.Time
}

// Duration returns the playback duration of the frame at the canonical format.
func (f Frame) Duration() time.Duration {
	samples := len(f.Data) / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}
