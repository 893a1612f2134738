package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vigil/pkg/types"
)

// Device opens raw capture streams. Capture backends (miniaudio, an external
// recorder process) implement Device; [Capture] turns it into a [Source] with
// framing, dropout recovery and backpressure.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is one open session of a [Device].
type Stream interface {
	// Chunks delivers interleaved samples in whatever sizes the backend
	// produces. It is closed when the stream ends for any reason.
	Chunks() <-chan []int16

	// Err reports why the stream ended. It is only meaningful after Chunks has
	// been closed; nil means the stream was closed on request.
	Err() error

	Close() error
}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithFrameDuration sets the frame cadence. Default: [DefaultFrameDuration].
func WithFrameDuration(d time.Duration) CaptureOption {
	return func(c *Capture) { c.frameDur = d }
}

// WithBuffer sets the capacity of the frame channel returned by Start.
// Default: 50 frames (one second at 20 ms).
func WithBuffer(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithReopenBackoff sets the initial and maximum delay between reopen
// attempts after a dropout. Default: 100 ms doubling to 5 s.
func WithReopenBackoff(initial, maxDelay time.Duration) CaptureOption {
	return func(c *Capture) { c.backoff = NewBackoff(initial, maxDelay) }
}

// WithDropoutHandler registers fn to be called after every recovered dropout
// with the number of frames lost and the length of the gap.
func WithDropoutHandler(fn func(err error, framesLost uint64, gap time.Duration)) CaptureOption {
	return func(c *Capture) { c.onDropout = fn }
}

// WithCaptureLogger sets the logger. Default: slog.Default().
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// Capture is a [Source] backed by a [Device]. It frames the device's chunks,
// never blocks the device when the consumer falls behind (the oldest queued
// frames are dropped and counted instead) and reopens the device with exponential backoff when
// the stream drops out.
type Capture struct {
	dev       Device
	format    Format
	frameDur  time.Duration
	buffer    int
	backoff   *Backoff
	onDropout func(error, uint64, time.Duration)
	log       *slog.Logger

	started  atomic.Bool
	dropped  atomic.Uint64
	dropouts atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Source = (*Capture)(nil)

// NewCapture returns a capture source reading from dev at format f.
func NewCapture(dev Device, f Format, opts ...CaptureOption) *Capture {
	c := &Capture{
		dev:      dev,
		format:   f,
		frameDur: DefaultFrameDuration,
		buffer:   50,
		backoff:  NewBackoff(100*time.Millisecond, 5*time.Second),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Format implements [Source].
func (c *Capture) Format() Format { return c.format }

// Dropped returns the number of frames discarded because the consumer was
// not keeping up.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// Dropouts returns the number of recovered stream dropouts.
func (c *Capture) Dropouts() uint64 { return c.dropouts.Load() }

// Start opens the device. A failure to open wraps [ErrDeviceUnavailable].
// The returned channel is closed after ctx is cancelled or Close is called.
func (c *Capture) Start(ctx context.Context) (<-chan types.AudioFrame, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, errors.New("audio: capture already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.dev.Open(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	out := make(chan types.AudioFrame, c.buffer)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx, stream, out)
	return out, nil
}

// Close stops capture and releases the device. It is safe to call more than
// once.
func (c *Capture) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Capture) run(ctx context.Context, stream Stream, out chan types.AudioFrame) {
	defer close(c.done)
	defer close(out)

	framer := NewFramer(c.format, c.frameDur)
	for {
		c.pump(ctx, stream.Chunks(), framer, out)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}

		cause := stream.Err()
		lostAt := time.Now()
		attempt := 0
		c.log.Warn("audio capture dropout, reopening", "err", cause)

		for {
			attempt++
			if err := c.backoff.Wait(ctx); err != nil {
				return
			}
			next, err := c.dev.Open(ctx)
			if err == nil {
				stream = next
				break
			}
			c.log.Warn("audio capture reopen failed", "attempt", attempt, "err", err)
		}
		c.backoff.Reset()

		gap := time.Since(lostAt)
		lost := framer.Skip(gap)
		c.dropouts.Add(1)
		dErr := &DropoutError{Cause: cause, Attempt: attempt}
		c.log.Warn("audio capture resumed",
			"frames_lost", lost,
			"gap", gap,
			"attempts", attempt,
		)
		if c.onDropout != nil {
			c.onDropout(dErr, lost, gap)
		}
	}
}

func (c *Capture) pump(ctx context.Context, chunks <-chan []int16, framer *Framer, out chan types.AudioFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			for _, f := range framer.Write(chunk) {
				c.offer(out, f)
			}
		}
	}
}

// offer queues f, evicting the oldest queued frame while the channel is
// full. Capture is the only sender.
func (c *Capture) offer(out chan types.AudioFrame, f types.AudioFrame) {
	for {
		select {
		case out <- f:
			return
		default:
		}
		select {
		case <-out:
			c.dropped.Add(1)
		default:
		}
	}
}
