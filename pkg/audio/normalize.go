package audio

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"
)

// wavHeaderSize is the fixed size of the RIFF/WAVE wrapper stripped from the
// first chunk of a session when present.
const wavHeaderSize = 44

// riffTag marks the start of a RIFF container header.
var riffTag = []byte("RIFF")

// ErrInvalidChunk is returned in strict mode when an incoming chunk cannot be
// forwarded without repair (odd byte count). In normal mode the chunk is
// repaired instead and no error is ever returned.
type ErrInvalidChunk struct {
	Reason string
	Bytes  int
}

func (e *ErrInvalidChunk) Error() string {
	return fmt.Sprintf("audio: invalid chunk (%s, %d bytes)", e.Reason, e.Bytes)
}

// Stats holds normalizer throughput counters. Values are cumulative since
// the Normalizer was created.
type Stats struct {
	ChunksIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
}

// Normalizer turns arbitrary byte blobs from the transport into uniformly
// sized PCM frames. It strips a RIFF/WAVE wrapper from the first chunk, pads
// emitted frames to 16-bit sample alignment, splits oversized chunks into
// near-OptimalFrameBytes frames, and accumulates undersized chunks until a
// full MinFrameBytes frame is available.
//
// A Normalizer performs no I/O and never blocks. It is owned by a single
// session and is not safe for concurrent use; the owning session serializes
// access.
type Normalizer struct {
	strict        bool
	headerHandled bool
	acc           []byte
	seq           uint64
	stats         Stats
}

// NormalizerOption configures a [Normalizer].
type NormalizerOption func(*Normalizer)

// WithStrict makes Push surface an [ErrInvalidChunk] for malformed input
// instead of repairing it. Default is off: malformed chunks are repaired and
// never rejected.
func WithStrict() NormalizerOption {
	return func(n *Normalizer) {
		n.strict = true
	}
}

// NewNormalizer creates a Normalizer with an empty accumulator.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		acc: make([]byte, 0, MaxFrameBytes),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Push ingests one raw chunk and returns zero or more complete frames.
//
// The very first chunk of a session is inspected for a RIFF container header;
// if present, the fixed 44-byte wrapper is stripped once. Whether or not a
// header was found, subsequent chunks are treated as raw samples.
//
// Undersized chunks accumulate; once the accumulator reaches MinFrameBytes,
// exactly one MinFrameBytes frame is emitted and the tail is retained.
// Chunks above MaxFrameBytes are split into ⌈len/OptimalFrameBytes⌉ frames of
// near-equal even length, all within [MinFrameBytes, MaxFrameBytes].
func (n *Normalizer) Push(chunk []byte) ([]Frame, error) {
	now := time.Now()
	n.stats.ChunksIn++
	n.stats.BytesIn += uint64(len(chunk))

	if !n.headerHandled {
		// Latched after the first chunk either way; mid-stream re-handshake
		// is unsupported.
		n.headerHandled = true
		if len(chunk) >= wavHeaderSize && bytes.HasPrefix(chunk, riffTag) {
			slog.Debug("audio: stripped RIFF header from first chunk", "bytes", wavHeaderSize)
			chunk = chunk[wavHeaderSize:]
		}
	}

	if n.strict && len(chunk)%2 != 0 {
		return nil, &ErrInvalidChunk{Reason: "odd byte count", Bytes: len(chunk)}
	}

	// Accumulation path: the chunk alone is below the minimum frame size.
	// Alignment padding happens at emission, so odd chunks accumulate as-is.
	if len(chunk) < MinFrameBytes {
		n.acc = append(n.acc, chunk...)
		if len(n.acc) < MinFrameBytes {
			return nil, nil
		}
		f := n.emit(n.acc[:MinFrameBytes], now)
		tail := make([]byte, len(n.acc)-MinFrameBytes, MaxFrameBytes)
		copy(tail, n.acc[MinFrameBytes:])
		n.acc = tail
		return []Frame{f}, nil
	}

	// Direct path: prepend any pending accumulator bytes so ordering holds.
	data := chunk
	if len(n.acc) > 0 {
		data = append(append(make([]byte, 0, len(n.acc)+len(chunk)), n.acc...), chunk...)
		n.acc = n.acc[:0]
	}
	data = padEven(data)

	if len(data) <= MaxFrameBytes {
		return []Frame{n.emit(data, now)}, nil
	}

	// Oversized: split into near-equal even-length frames close to
	// OptimalFrameBytes. With count = ⌈len/optimal⌉ every slice lands in
	// (MaxFrameBytes/2, OptimalFrameBytes], inside the legal range.
	count := (len(data) + OptimalFrameBytes - 1) / OptimalFrameBytes
	base := (len(data) / count) &^ 1
	extra := (len(data) - base*count) / 2

	frames := make([]Frame, 0, count)
	off := 0
	for i := range count {
		size := base
		if i < extra {
			size += 2
		}
		frames = append(frames, n.emit(data[off:off+size], now))
		off += size
	}
	return frames, nil
}

// Flush drains the accumulator, returning at most one short final frame.
// Only called when the owning session is closing; the returned frame may be
// below MinFrameBytes but is always even-length. Returns a zero Frame and
// false when the accumulator is empty.
func (n *Normalizer) Flush() (Frame, bool) {
	if len(n.acc) == 0 {
		return Frame{}, false
	}
	f := n.emit(padEven(n.acc), time.Now())
	n.acc = n.acc[:0]
	return f, true
}

// padEven appends one zero byte when data has an odd length, preserving
// 16-bit sample alignment. May grow the caller's slice in place.
func padEven(data []byte) []byte {
	if len(data)%2 != 0 {
		data = append(data, 0)
	}
	return data
}

// Pending returns the number of bytes currently held in the accumulator.
func (n *Normalizer) Pending() int {
	return len(n.acc)
}

// Stats returns a snapshot of the throughput counters.
func (n *Normalizer) Stats() Stats {
	return n.stats
}

// emit copies data into a fresh Frame and assigns the next sequence number.
func (n *Normalizer) emit(data []byte, at time.Time) Frame {
	out := make([]byte, len(data))
	copy(out, data)
	f := Frame{Data: out, Seq: n.seq, Received: at}
	n.seq++
	n.stats.FramesOut++
	n.stats.BytesOut += uint64(len(out))
	return f
}
