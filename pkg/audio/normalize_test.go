package audio_test

import (
	"errors"
	"testing"

	"github.com/podiumlabs/lectern/pkg/audio"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// pcm returns n bytes of deterministic sample data.
func pcm(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// wavWrapped prefixes payload with a minimal 44-byte RIFF/WAVE header.
func wavWrapped(payload []byte) []byte {
	header := make([]byte, 44)
	copy(header, "RIFF")
	copy(header[8:], "WAVEfmt ")
	return append(header, payload...)
}

// totalBytes sums the data lengths of frames.
func totalBytes(frames []audio.Frame) int {
	n := 0
	for _, f := range frames {
		n += len(f.Data)
	}
	return n
}

// ─── TestPush_Accumulation ───────────────────────────────────────────────────

// TestPush_Accumulation verifies that two undersized chunks produce exactly
// one minimum-size frame and that the accumulator retains the remainder.
func TestPush_Accumulation(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer()

	frames, err := n.Push(pcm(audio.MinFrameBytes - 1))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("first undersized chunk: want 0 frames, got %d", len(frames))
	}

	frames, err = n.Push(pcm(audio.MinFrameBytes - 1))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("second undersized chunk: want 1 frame, got %d", len(frames))
	}
	if got := len(frames[0].Data); got != audio.MinFrameBytes {
		t.Errorf("frame size: want %d, got %d", audio.MinFrameBytes, got)
	}
	if got := n.Pending(); got != audio.MinFrameBytes-2 {
		t.Errorf("accumulator: want %d bytes, got %d", audio.MinFrameBytes-2, got)
	}
}

// ─── TestPush_Oversized ──────────────────────────────────────────────────────

// TestPush_Oversized verifies that a chunk larger than the maximum frame size
// splits into ⌈len/optimal⌉ frames, all within the legal size range, with no
// bytes lost.
func TestPush_Oversized(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer()

	size := 2*audio.MaxFrameBytes + 100
	frames, err := n.Push(pcm(size))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	want := (size + audio.OptimalFrameBytes - 1) / audio.OptimalFrameBytes
	if len(frames) != want {
		t.Fatalf("frame count: want %d, got %d", want, len(frames))
	}
	for i, f := range frames {
		if len(f.Data) < audio.MinFrameBytes || len(f.Data) > audio.MaxFrameBytes {
			t.Errorf("frame %d size %d outside [%d, %d]", i, len(f.Data), audio.MinFrameBytes, audio.MaxFrameBytes)
		}
		if len(f.Data)%2 != 0 {
			t.Errorf("frame %d has odd length %d", i, len(f.Data))
		}
	}
	if got := totalBytes(frames); got != size {
		t.Errorf("total bytes: want %d, got %d", size, got)
	}
	if n.Pending() != 0 {
		t.Errorf("accumulator not empty after oversized push: %d bytes", n.Pending())
	}
}

// ─── TestPush_OddLength ──────────────────────────────────────────────────────

// TestPush_OddLength verifies that odd-length chunks are padded so emitted
// frames always have even length.
func TestPush_OddLength(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer()

	frames, err := n.Push(pcm(audio.OptimalFrameBytes + 1))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("want 1 frame, got %d", len(frames))
	}
	if got := len(frames[0].Data); got%2 != 0 {
		t.Errorf("frame has odd length %d", got)
	}
	if got := len(frames[0].Data); got != audio.OptimalFrameBytes+2 {
		t.Errorf("frame size: want %d, got %d", audio.OptimalFrameBytes+2, got)
	}
}

// ─── TestPush_StrictMode ─────────────────────────────────────────────────────

// TestPush_StrictMode verifies that strict mode rejects odd-length chunks
// instead of repairing them.
func TestPush_StrictMode(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(audio.WithStrict())

	_, err := n.Push(pcm(audio.MinFrameBytes + 1))
	var inv *audio.ErrInvalidChunk
	if !errors.As(err, &inv) {
		t.Fatalf("want ErrInvalidChunk, got %v", err)
	}
	if inv.Bytes != audio.MinFrameBytes+1 {
		t.Errorf("ErrInvalidChunk.Bytes: want %d, got %d", audio.MinFrameBytes+1, inv.Bytes)
	}
}

// ─── TestPush_HeaderStrip ────────────────────────────────────────────────────

// TestPush_HeaderStrip verifies the RIFF wrapper is stripped from the first
// chunk exactly once.
func TestPush_HeaderStrip(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer()

	frames, err := n.Push(wavWrapped(pcm(audio.MinFrameBytes)))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := totalBytes(frames); got != audio.MinFrameBytes {
		t.Fatalf("header not stripped: want %d payload bytes, got %d", audio.MinFrameBytes, got)
	}

	// A second RIFF-prefixed chunk must pass through untouched.
	frames, err = n.Push(wavWrapped(pcm(audio.MinFrameBytes)))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := totalBytes(frames); got != audio.MinFrameBytes+44 {
		t.Errorf("second chunk: want %d bytes passed through, got %d", audio.MinFrameBytes+44, got)
	}
}

// ─── TestFlush ───────────────────────────────────────────────────────────────

// TestFlush verifies the accumulator tail is emitted as one short, even-length
// final frame and that flushing twice yields nothing.
func TestFlush(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer()

	if _, ok := n.Flush(); ok {
		t.Fatal("Flush on empty normalizer returned a frame")
	}

	_, _ = n.Push(pcm(100))
	f, ok := n.Flush()
	if !ok {
		t.Fatal("Flush: want a tail frame")
	}
	if len(f.Data) != 100 {
		t.Errorf("tail size: want 100, got %d", len(f.Data))
	}
	if _, ok := n.Flush(); ok {
		t.Error("second Flush returned a frame")
	}
}

// ─── TestSequenceAndStats ────────────────────────────────────────────────────

// TestSequenceAndStats verifies monotonic frame sequence numbers and the
// conservation of bytes across counters.
func TestSequenceAndStats(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer()

	var frames []audio.Frame
	for range 3 {
		fs, err := n.Push(pcm(audio.OptimalFrameBytes))
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		frames = append(frames, fs...)
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: seq %d", i, f.Seq)
		}
	}

	st := n.Stats()
	if st.ChunksIn != 3 || st.FramesOut != uint64(len(frames)) {
		t.Errorf("stats: chunks=%d frames=%d", st.ChunksIn, st.FramesOut)
	}
	if st.BytesIn != st.BytesOut+uint64(n.Pending()) {
		t.Errorf("byte conservation: in=%d out=%d pending=%d", st.BytesIn, st.BytesOut, n.Pending())
	}
}
