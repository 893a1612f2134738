// Package stt defines the Provider interface for speech-to-text backends.
//
// vigil uses STT in two places: the wake-word spotter transcribes short
// speech windows, and the transcription stage streams the user's request
// after a wake event. Both open a SessionHandle, push PCM16LE audio into it
// and read Transcript values back.
//
// Session semantics every implementation follows:
//   - Partials may arrive at any time and may revise earlier partials.
//   - Close flushes buffered audio, emits any remaining finals and then closes
//     both channels. Consumers drain Finals until it is closed.
//   - Close is idempotent.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/vigil/pkg/types"
)

// ErrNotSupported is returned by optional operations a backend lacks, such as
// mid-session keyword updates.
var ErrNotSupported = errors.New("stt: operation not supported")

// StreamConfig describes the audio format and recognition hints of a session.
type StreamConfig struct {
	// SampleRate in Hz. vigil captures at 16000 by default.
	SampleRate int

	// Channels is 1 for every stream vigil opens; the beamformer downmixes.
	Channels int

	// Language is a BCP-47 tag or bare ISO code ("es", "en-US"). Empty lets
	// the backend auto-detect.
	Language string

	// Keywords biases recognition towards the wake phrase and its variants.
	Keywords []types.KeywordBoost
}

// SessionHandle is an open streaming session.
type SessionHandle interface {
	// SendAudio delivers PCM16LE audio matching StreamConfig. It returns an
	// error after Close.
	SendAudio(chunk []byte) error

	// Partials emits interim hypotheses. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals emits committed results. Closed when the session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the boost list without restarting the session, or
	// returns ErrNotSupported.
	SetKeywords(keywords []types.KeywordBoost) error

	// Close flushes, emits remaining finals, closes both channels and releases
	// resources. Safe to call more than once.
	Close() error
}

// Provider opens transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
