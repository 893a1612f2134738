// Package audio defines the capture and playback abstractions used by the
// vigil pipeline together with the PCM helpers shared by every stage.
//
// A [Source] produces a lazy, non-restartable sequence of fixed-length
// [types.AudioFrame] values from a microphone or capture process. A [Sink]
// accepts interleaved signed 16-bit samples for playback. Concrete
// implementations live in subpackages (malgo, command, beep, mock) so that the
// core pipeline never links against a particular audio backend.
//
// Bounded hand-off between stages uses [Ring], a fixed-capacity FIFO that
// drops the oldest element instead of blocking the producer.
package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vigil/pkg/types"
)

var (
	// ErrDeviceUnavailable is returned when the configured device cannot be
	// opened. It is fatal at start.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrStreamDropout reports that a running stream stopped unexpectedly,
	// overran, or its capture process exited. Sources recover from it by
	// reopening the device with backoff.
	ErrStreamDropout = errors.New("audio: stream dropout")
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Source is a capture device producing fixed-cadence frames.
//
// Start opens the device and returns a channel that yields frames until ctx is
// cancelled or Close is called, at which point the channel is closed. Start may
// be called at most once. Implementations hold the device exclusively while
// active and release it on Close.
type Source interface {
	Start(ctx context.Context) (<-chan types.AudioFrame, error)
	Format() Format
	Close() error
}

// Sink is a playback device.
//
// Write blocks until the samples have been accepted by the device buffer, which
// paces the caller to real time. Flush discards everything buffered but not yet
// played; it must be safe to call concurrently with Write.
type Sink interface {
	Format() Format
	Write(samples []int16) error
	Flush()
	Close() error
}

// DropoutError carries the details of a recovered stream dropout. It wraps
// [ErrStreamDropout].
type DropoutError struct {
	// Cause is the underlying failure, if known.
	Cause error

	// Attempt is the 1-based reopen attempt that followed the dropout.
	Attempt int
}

func (e *DropoutError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v (attempt %d)", ErrStreamDropout, e.Attempt)
	}
	return fmt.Sprintf("%v (attempt %d): %v", ErrStreamDropout, e.Attempt, e.Cause)
}

func (e *DropoutError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrStreamDropout}
	}
	return []error{ErrStreamDropout, e.Cause}
}
