// Package session orchestrates live transcription sessions: the lifecycle
// state machine, audio routing into the recognizer stream, result handling
// with slide matching, periodic stream renewal, and the concurrent session
// registry.
//
// One Session owns one logical transcription. Internally it runs two
// goroutines: a writer draining the bounded audio channel into the current
// recognizer stream, and a reader per stream forwarding recognition events
// to the result handler. The upstream recognizer hard-closes streams after
// roughly five minutes of audio; the [Renewer] swaps in a fresh stream
// before that limit while buffering in-flight audio, so callers see one
// uninterrupted session.
package session

import (
	"errors"
	"time"
)

// Status is a Session's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusRenewing     Status = "renewing"
	StatusClosing      Status = "closing"
	StatusClosed       Status = "closed"
	StatusFailed       Status = "failed"
)

// Defaults for session tunables.
const (
	// DefaultAudioChannelCapacity bounds frames queued between SendAudio
	// and the writer goroutine.
	DefaultAudioChannelCapacity = 16

	// DefaultRenewalBufferCapacity bounds frames held while a stream
	// renewal is in flight, roughly five seconds of audio.
	DefaultRenewalBufferCapacity = 50

	// DefaultSendTimeout is how long SendAudio waits on a full audio
	// channel before dropping the frame.
	DefaultSendTimeout = time.Second
)

// ErrNotFound is returned by [Manager.Get] for unknown session ids.
var ErrNotFound = errors.New("session: not found")

// ErrClosed is returned by [Session.SendAudio] once the session is
// closing, closed, or failed.
var ErrClosed = errors.New("session: closed")

// Config describes one transcription session.
type Config struct {
	// SessionID uniquely identifies the session. Required.
	SessionID string

	// PresentationID names the slide deck to align against. May be empty,
	// which disables slide matching.
	PresentationID string

	// LectureID is the backend's lecture record, carried through to
	// results and webhooks.
	LectureID int64

	// Language is the BCP-47 recognition language, e.g. "ja-JP".
	Language string

	// Model selects the recognizer model. Empty uses the provider default.
	Model string

	// InterimResults requests partial hypotheses from the recognizer.
	InterimResults bool

	// StrictAudio makes the chunk normalizer reject malformed chunks
	// instead of repairing them.
	StrictAudio bool

	// AudioChannelCapacity overrides DefaultAudioChannelCapacity when > 0.
	AudioChannelCapacity int

	// RenewalBufferCapacity overrides DefaultRenewalBufferCapacity when > 0.
	RenewalBufferCapacity int

	// SendTimeout overrides DefaultSendTimeout when > 0.
	SendTimeout time.Duration
}

// SlideMatch annotates a final result with its slide alignment.
type SlideMatch struct {
	SlideID    int      `json:"slide_id"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"matched_keywords"`
}

// Result is one recognition result delivered to the consumer.
type Result struct {
	SessionID      string      `json:"session_id"`
	PresentationID string      `json:"presentation_id"`
	LectureID      int64       `json:"lecture_id"`
	Text           string      `json:"text"`
	IsFinal        bool        `json:"is_final"`
	Confidence     float64     `json:"confidence"`
	Timestamp      time.Time   `json:"timestamp"`
	Slide          *SlideMatch `json:"slide,omitempty"`
}

// Consumer receives classified results. Implementations must tolerate
// being called from the session's reader goroutine; panics are caught at
// the boundary and logged, never propagated.
type Consumer interface {
	OnInterim(Result)
	OnFinal(Result)
}

// Summary is the terminal report returned by [Session.Close].
type Summary struct {
	SessionID       string    `json:"session_id"`
	PresentationID  string    `json:"presentation_id"`
	Status          Status    `json:"status"`
	TotalChunks     uint64    `json:"total_chunks"`
	TotalFramesSent uint64    `json:"total_frames_sent"`
	DroppedFrames   uint64    `json:"dropped_frames"`
	FinalResults    uint64    `json:"final_results"`
	InterimResults  uint64    `json:"interim_results"`
	RenewalCount    int       `json:"renewal_count"`
	AudioSeconds    float64   `json:"audio_seconds"`
	AvgConfidence   float64   `json:"avg_confidence"`
	Transcript      string    `json:"transcript"`
	StartedAt       time.Time `json:"started_at"`
	ClosedAt        time.Time `json:"closed_at"`
}

// RenewalStatus tracks a renewal's progress.
type RenewalStatus string

const (
	RenewalPreparing  RenewalStatus = "preparing"
	RenewalInProgress RenewalStatus = "in_progress"
	RenewalCompleted  RenewalStatus = "completed"
	RenewalFailed     RenewalStatus = "failed"
)

// RenewalEvent records one stream renewal attempt.
type RenewalEvent struct {
	SessionID      string
	Status         RenewalStatus
	BufferedFrames int
	OldStreamAge   time.Duration
	Duration       time.Duration
	Err            error
	At             time.Time
}
