// Package types defines the data model shared by every stage of the vigil
// pipeline.
//
// Frames, VAD decisions, wake events and utterances cross package boundaries
// (capture, gate, wake detector, transcription, dialog) so they live here to
// avoid import cycles. Each stage keeps its own internal state types.
package types

import (
	"encoding/binary"
	"strings"
	"sync"
	"time"
)

// AudioFrame is a fixed-length block of interleaved signed 16-bit samples.
//
// Frames are immutable once produced. Ownership moves with the frame through
// channels and ring buffers; a stage that needs to modify audio produces a new
// frame instead of writing into Samples.
type AudioFrame struct {
	// Seq is the frame's sequence number. It strictly increases within a
	// capture session, including across stream reopens.
	Seq uint64

	// Samples holds Channels interleaved samples per frame.
	Samples []int16

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// SampleRate in Hz.
	SampleRate int

	// Timestamp is the capture time of the first sample relative to the start
	// of the session.
	Timestamp time.Duration
}

// FrameCount returns the number of sample frames (samples per channel).
func (f AudioFrame) FrameCount() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameCount()) * time.Second / time.Duration(f.SampleRate)
}

// Bytes encodes the samples as little-endian PCM16.
func (f AudioFrame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// VadDecision is the gate's verdict for a single mono frame.
type VadDecision struct {
	// Seq is the sequence number of the classified frame.
	Seq uint64

	// Active is the gate state after applying hysteresis, not the raw
	// per-frame classification.
	Active bool

	// Energy is the running RMS energy estimate, normalised to 0.0–1.0.
	Energy float64
}

// WakeEvent is produced by the wake-word detector when a scored window crosses
// the configured threshold. It is consumed exactly once by the dialog
// orchestrator.
type WakeEvent struct {
	// At is the wall-clock time the detector fired.
	At time.Time

	// Phrase is the canonical trigger phrase the match maps to.
	Phrase string

	// Variant is the accepted reference pattern that scored highest.
	Variant string

	// Confidence is the score in the range 0.0–1.0.
	Confidence float64

	// PreRoll holds the frames captured immediately before and during the
	// trigger, oldest first.
	PreRoll []AudioFrame

	// Trailing is any recognised text that followed the wake phrase in the same
	// window ("jarvis what time is it" yields "what time is it").
	Trailing string
}

// Transcript is a speech-to-text result. Partial and final results share the
// type.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// Timestamp marks the start of the recognised speech relative to the
	// start of the stream.
	Timestamp time.Duration
	Duration  time.Duration
}

// Message is one entry of the conversation window handed to the reasoning
// backend. Role is "system", "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// KeywordBoost is a hint for STT providers that support vocabulary biasing.
// The wake phrase and its variants are boosted so the spotter hears them.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// DialogState is the orchestrator's conversational state.
type DialogState int32

const (
	// StateStandby waits for a wake phrase. The initial state.
	StateStandby DialogState = iota

	// StateListening transcribes the user's request.
	StateListening

	// StateThinking waits for the reasoning backend.
	StateThinking

	// StateSpeaking plays the synthesised reply.
	StateSpeaking
)

// String returns the upper-case state name used in logs and events.
func (s DialogState) String() string {
	switch s {
	case StateStandby:
		return "STANDBY"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Utterance is one user turn: the frames spoken after a wake event (or in a
// follow-up window) and the transcript that evolves while they are recognised.
//
// Partial text is monotonic from the user's point of view and the final
// transcript is set exactly once. All methods are safe for concurrent use.
type Utterance struct {
	ID    string
	Start time.Time

	mu        sync.Mutex
	end       time.Time
	frames    []AudioFrame
	partial   string
	final     string
	finalized bool
}

// NewUtterance creates an utterance seeded with the given frames (usually the
// wake event's pre-roll).
func NewUtterance(id string, start time.Time, seed []AudioFrame) *Utterance {
	u := &Utterance{ID: id, Start: start}
	u.frames = append(u.frames, seed...)
	return u
}

// AppendFrame adds a frame to the utterance. Frames arriving after
// finalisation are ignored.
func (u *Utterance) AppendFrame(f AudioFrame) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finalized {
		return
	}
	u.frames = append(u.frames, f)
}

// Frames returns a copy of the accumulated frames.
func (u *Utterance) Frames() []AudioFrame {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]AudioFrame, len(u.frames))
	copy(out, u.frames)
	return out
}

// UpdatePartial merges a new partial hypothesis and returns the text that
// should be displayed. A hypothesis that is a strict prefix of the current text
// is treated as a regression and ignored; anything else replaces the current
// partial.
func (u *Utterance) UpdatePartial(text string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finalized {
		return u.final
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return u.partial
	}
	if len(text) < len(u.partial) && strings.HasPrefix(u.partial, text) {
		return u.partial
	}
	u.partial = text
	return u.partial
}

// Partial returns the current partial transcript.
func (u *Utterance) Partial() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.partial
}

// Finalize sets the final transcript and end time. It reports false when the
// utterance was already finalised, in which case nothing changes.
func (u *Utterance) Finalize(text string, end time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finalized {
		return false
	}
	u.final = strings.TrimSpace(text)
	u.end = end
	u.finalized = true
	return true
}

// Final returns the final transcript and whether it has been set.
func (u *Utterance) Final() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.final, u.finalized
}

// End returns the end time, zero until finalised.
func (u *Utterance) End() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.end
}
