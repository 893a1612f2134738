// Package mock provides in-memory implementations of [audio.Source],
// [audio.Sink] and [audio.Device] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on what the code under test did, and expose fields that control results.
//
// Typical usage:
//
//	src := &mock.Source{Frames: frames}
//	ch, err := src.Start(ctx)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/types"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a scripted [audio.Source].
type Source struct {
	// Frames are delivered in order by Start.
	Frames []types.AudioFrame

	// StartErr is returned by Start when non-nil.
	StartErr error

	// Hold keeps the channel open after Frames are exhausted until ctx is
	// cancelled or Close is called. When false the channel closes right after
	// the last frame.
	Hold bool

	// Interval paces delivery. Zero delivers as fast as the consumer reads.
	Interval time.Duration

	// SourceFormat is returned by Format.
	SourceFormat audio.Format

	mu         sync.Mutex
	closeCh    chan struct{}
	closeCount int
	startCount int
}

var _ audio.Source = (*Source)(nil)

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan types.AudioFrame, error) {
	s.mu.Lock()
	s.startCount++
	if s.StartErr != nil {
		s.mu.Unlock()
		return nil, s.StartErr
	}
	if s.closeCh == nil {
		s.closeCh = make(chan struct{})
	}
	closeCh := s.closeCh
	frames := append([]types.AudioFrame(nil), s.Frames...)
	s.mu.Unlock()

	out := make(chan types.AudioFrame)
	go func() {
		defer close(out)
		for _, f := range frames {
			if s.Interval > 0 {
				select {
				case <-time.After(s.Interval):
				case <-ctx.Done():
					return
				case <-closeCh:
					return
				}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			case <-closeCh:
				return
			}
		}
		if s.Hold {
			select {
			case <-ctx.Done():
			case <-closeCh:
			}
		}
	}()
	return out, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.SourceFormat }

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if s.closeCh == nil {
		s.closeCh = make(chan struct{})
	}
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	return nil
}

// StartCount returns how many times Start was called.
func (s *Source) StartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCount
}

// CloseCount returns how many times Close was called.
func (s *Source) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a recording [audio.Sink].
type Sink struct {
	// SinkFormat is returned by Format. Zero means 16000 Hz mono.
	SinkFormat audio.Format

	// WriteErr is returned by every Write when non-nil.
	WriteErr error

	// WriteDelay is slept in every Write to simulate device pacing.
	WriteDelay time.Duration

	// OnWrite, if set, is called after every accepted Write.
	OnWrite func(samples []int16)

	mu         sync.Mutex
	writes     [][]int16
	flushCount int
	closed     bool
}

var _ audio.Sink = (*Sink)(nil)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("mock: sink closed")

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	if s.SinkFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.SinkFormat
}

// Write implements [audio.Sink].
func (s *Sink) Write(samples []int16) error {
	if s.WriteDelay > 0 {
		time.Sleep(s.WriteDelay)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.WriteErr != nil {
		s.mu.Unlock()
		return s.WriteErr
	}
	cp := append([]int16(nil), samples...)
	s.writes = append(s.writes, cp)
	fn := s.OnWrite
	s.mu.Unlock()
	if fn != nil {
		fn(cp)
	}
	return nil
}

// Flush implements [audio.Sink].
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushCount++
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Writes returns a copy of every buffer written so far.
func (s *Sink) Writes() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int16, len(s.writes))
	copy(out, s.writes)
	return out
}

// Samples returns all written samples concatenated.
func (s *Sink) Samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int16
	for _, w := range s.writes {
		out = append(out, w...)
	}
	return out
}

// FlushCount returns how many times Flush was called.
func (s *Sink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushCount
}

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a scripted [audio.Device]. Each Open consumes the next entry of
// Streams; when they run out Open returns OpenErr (or a generic error).
type Device struct {
	mu      sync.Mutex
	Streams []*Stream
	OpenErr error
	opens   int
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device].
func (d *Device) Open(context.Context) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if len(d.Streams) == 0 {
		if d.OpenErr != nil {
			return nil, d.OpenErr
		}
		return nil, errors.New("mock: no more streams")
	}
	s := d.Streams[0]
	d.Streams = d.Streams[1:]
	return s, nil
}

// Opens returns how many times Open was called.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Stream is a controllable [audio.Stream].
type Stream struct {
	ch       chan []int16
	mu       sync.Mutex
	err      error
	ended    bool
	closeCnt int
}

var _ audio.Stream = (*Stream)(nil)

// NewStream returns an open stream with a small buffer.
func NewStream() *Stream {
	return &Stream{ch: make(chan []int16, 64)}
}

// Send delivers a chunk to the reader.
func (s *Stream) Send(samples []int16) { s.ch <- samples }

// End closes the chunk channel with err as the reason.
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.ended = true
	close(s.ch)
}

// Chunks implements [audio.Stream].
func (s *Stream) Chunks() <-chan []int16 { return s.ch }

// Err implements [audio.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCnt++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCnt
}
