// Package malgo implements microphone capture and speaker playback on top of
// miniaudio through github.com/gen2brain/malgo.
//
// Capture is exposed as an [audio.Device] so that [audio.Capture] adds framing
// and dropout recovery; playback is an [audio.Sink] with a small internal
// buffer drained by the device callback.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/vigil/pkg/audio"
)

const chunkQueueCap = 64

// NewSource returns a capture [audio.Source] for the device whose name
// contains deviceName (case-insensitive). An empty name selects the system
// default.
func NewSource(deviceName string, f audio.Format, opts ...audio.CaptureOption) *audio.Capture {
	return audio.NewCapture(&Device{Name: deviceName, Format: f}, f, opts...)
}

// Device opens miniaudio capture streams.
type Device struct {
	Name   string
	Format audio.Format
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device].
func (d *Device) Open(context.Context) (audio.Stream, error) {
	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.SampleRate = uint32(d.Format.SampleRate)
	cfg.Capture.Format = ma.FormatS16
	cfg.Capture.Channels = uint32(d.Format.Channels)
	cfg.Alsa.NoMMap = 1
	if d.Name != "" {
		id, err := findDevice(mctx, ma.Capture, d.Name)
		if err != nil {
			freeContext(mctx)
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	s := &stream{
		ch:   make(chan []int16, chunkQueueCap),
		mctx: mctx,
	}
	callbacks := ma.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	}
	dev, err := ma.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		freeContext(mctx)
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	s.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return nil, fmt.Errorf("malgo: start capture device: %w", err)
	}
	return s, nil
}

type stream struct {
	mctx *ma.AllocatedContext
	dev  *ma.Device

	mu      sync.Mutex
	ch      chan []int16
	ended   bool
	err     error
	closing atomic.Bool
	drops   atomic.Uint64

	closeOnce sync.Once
}

func (s *stream) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	pcm := audio.BytesToSamples(input)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.ch <- pcm:
	default:
		s.drops.Add(1)
	}
}

func (s *stream) onStop() {
	if s.closing.Load() {
		return
	}
	s.end(fmt.Errorf("malgo: capture device stopped (%d chunks dropped)", s.drops.Load()))
}

func (s *stream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.ch)
}

func (s *stream) Chunks() <-chan []int16 { return s.ch }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.dev.Stop()
		s.dev.Uninit()
		freeContext(s.mctx)
		s.end(nil)
	})
	return nil
}

// ─── Playback ────────────────────────────────────────────────────────────────

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithBufferDuration sets how much audio the sink buffers ahead of the device.
// Flush discards at most this much. Default: 40 ms.
func WithBufferDuration(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.bufDur = d
		}
	}
}

// WithWriteTimeout bounds how long Write waits for buffer space before
// reporting [audio.ErrStreamDropout]. Default: 2 s.
func WithWriteTimeout(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Sink plays PCM16 through a miniaudio playback device.
type Sink struct {
	format       audio.Format
	bufDur       time.Duration
	writeTimeout time.Duration
	maxBuffered  int

	mctx *ma.AllocatedContext
	dev  *ma.Device

	mu     sync.Mutex
	buf    []int16
	closed bool
	space  chan struct{}
}

var _ audio.Sink = (*Sink)(nil)

// NewSink opens the playback device whose name contains deviceName. An empty
// name selects the system default. Failures wrap [audio.ErrDeviceUnavailable].
func NewSink(deviceName string, f audio.Format, opts ...SinkOption) (*Sink, error) {
	s := &Sink{
		format:       f,
		bufDur:       40 * time.Millisecond,
		writeTimeout: 2 * time.Second,
		space:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.maxBuffered = int(int64(f.SampleRate)*int64(s.bufDur)/int64(time.Second)) * f.Channels

	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("%w: malgo: init context: %w", audio.ErrDeviceUnavailable, err)
	}
	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Playback.Format = ma.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	if deviceName != "" {
		id, err := findDevice(mctx, ma.Playback, deviceName)
		if err != nil {
			freeContext(mctx)
			return nil, err
		}
		cfg.Playback.DeviceID = id.Pointer()
	}

	dev, err := ma.InitDevice(mctx.Context, cfg, ma.DeviceCallbacks{Data: s.onData})
	if err != nil {
		freeContext(mctx)
		return nil, fmt.Errorf("%w: malgo: init playback device: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return nil, fmt.Errorf("%w: malgo: start playback device: %w", audio.ErrDeviceUnavailable, err)
	}
	s.mctx, s.dev = mctx, dev
	slog.Debug("malgo: playback device started", "format", f.String(), "device", deviceName)
	return s, nil
}

func (s *Sink) onData(output, _ []byte, _ uint32) {
	s.mu.Lock()
	n := min(len(output)/2, len(s.buf))
	for i := range n {
		v := uint16(s.buf[i])
		output[i*2] = byte(v)
		output[i*2+1] = byte(v >> 8)
	}
	s.buf = s.buf[n:]
	s.mu.Unlock()
	clear(output[n*2:])

	select {
	case s.space <- struct{}{}:
	default:
	}
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Write implements [audio.Sink]. It blocks while the device buffer is full.
func (s *Sink) Write(samples []int16) error {
	deadline := time.NewTimer(s.writeTimeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errors.New("malgo: sink closed")
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
			return fmt.Errorf("%w: malgo: playback device not consuming", audio.ErrStreamDropout)
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

	_ = s.dev.Stop()
	s.dev.Uninit()
	freeContext(s.mctx)
	return nil
}

// findDevice returns the first device of kind whose name contains name.
func findDevice(mctx *ma.AllocatedContext, kind ma.DeviceType, name string) (ma.DeviceID, error) {
	infos, err := mctx.Devices(kind)
	if err != nil {
		return ma.DeviceID{}, fmt.Errorf("%w: malgo: enumerate devices: %w", audio.ErrDeviceUnavailable, err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info.ID, nil
		}
	}
	return ma.DeviceID{}, fmt.Errorf("%w: malgo: no device matching %q", audio.ErrDeviceUnavailable, name)
}

func freeContext(mctx *ma.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}
