// Package beep plays audio through the system speaker using
// github.com/gopxl/beep.
//
// The speaker package is process-global, so only one Sink may be open at a
// time.
package beep

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/MrWong99/vigil/pkg/audio"
)

// Sink is an [audio.Sink] feeding a single endless streamer registered with
// the beep speaker. When nothing is queued the streamer yields silence.
type Sink struct {
	format      audio.Format
	maxBuffered int
	timeout     time.Duration

	mu     sync.Mutex
	buf    []int16
	closed bool
	space  chan struct{}
}

var (
	_ audio.Sink    = (*Sink)(nil)
	_ beep.Streamer = (*Sink)(nil)
)

// NewSink initialises the speaker at format f. bufDur is the speaker buffer
// length and the most audio Flush can discard (default 50 ms).
func NewSink(f audio.Format, bufDur time.Duration) (*Sink, error) {
	if f.Channels < 1 || f.Channels > 2 {
		return nil, fmt.Errorf("%w: beep: unsupported channel count %d", audio.ErrDeviceUnavailable, f.Channels)
	}
	if bufDur <= 0 {
		bufDur = 50 * time.Millisecond
	}
	sr := beep.SampleRate(f.SampleRate)
	if err := speaker.Init(sr, sr.N(bufDur)); err != nil {
		return nil, fmt.Errorf("%w: beep: init speaker: %w", audio.ErrDeviceUnavailable, err)
	}
	s := &Sink{
		format:      f,
		maxBuffered: sr.N(bufDur) * f.Channels,
		timeout:     2 * time.Second,
		space:       make(chan struct{}, 1),
	}
	speaker.Play(s)
	return s, nil
}

// Stream implements [beep.Streamer]. It is called from the speaker goroutine.
func (s *Sink) Stream(samples [][2]float64) (int, bool) {
	s.mu.Lock()
	ch := s.format.Channels
	frames := min(len(samples), len(s.buf)/ch)
	for i := range frames {
		l := float64(s.buf[i*ch]) / 32768.0
		r := l
		if ch == 2 {
			r = float64(s.buf[i*ch+1]) / 32768.0
		}
		samples[i] = [2]float64{l, r}
	}
	s.buf = s.buf[frames*ch:]
	closed := s.closed
	s.mu.Unlock()

	for i := frames; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	select {
	case s.space <- struct{}{}:
	default:
	}
	if closed {
		return 0, false
	}
	return len(samples), true
}

// Err implements [beep.Streamer].
func (s *Sink) Err() error { return nil }

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Write implements [audio.Sink].
func (s *Sink) Write(samples []int16) error {
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errors.New("beep: sink closed")
		}
		if len(s.buf) == 0 || len(s.buf)+len(samples) <= s.maxBuffered {
			s.buf = append(s.buf, samples...)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.space:
		case <-deadline.C:
			return fmt.Errorf("%w: beep: speaker not consuming", audio.ErrStreamDropout)
		}
	}
}

// Flush implements [audio.Sink].
func (s *Sink) Flush() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()

	speaker.Clear()
	speaker.Close()
	return nil
}
