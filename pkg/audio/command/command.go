// Package command captures and plays audio through external processes that
// speak raw little-endian PCM16 on stdout or stdin: arecord/aplay on Linux and
// ffmpeg/ffplay elsewhere.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
)

// shutdownTimeout is how long a process gets to exit after SIGINT before it
// is killed.
const shutdownTimeout = 2 * time.Second

// CaptureArgs returns the default capture command for the current platform.
// An empty device selects the platform default.
func CaptureArgs(device string, f audio.Format) (string, []string) {
	rate, ch := strconv.Itoa(f.SampleRate), strconv.Itoa(f.Channels)
	switch runtime.GOOS {
	case "linux":
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch}
		if device != "" {
			args = append(args, "-D", device)
		}
		return "arecord", append(args, "-")
	case "darwin":
		if device == "" {
			device = "default"
		}
		return "ffmpeg", []string{"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":" + device,
			"-f", "s16le", "-ac", ch, "-ar", rate, "-"}
	default:
		return "ffmpeg", []string{"-hide_banner", "-loglevel", "error",
			"-f", "dshow", "-i", "audio=" + device,
			"-f", "s16le", "-ac", ch, "-ar", rate, "-"}
	}
}

// PlaybackArgs returns the default playback command for the current platform.
func PlaybackArgs(device string, f audio.Format) (string, []string) {
	rate, ch := strconv.Itoa(f.SampleRate), strconv.Itoa(f.Channels)
	if runtime.GOOS == "linux" {
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch}
		if device != "" {
			args = append(args, "-D", device)
		}
		return "aplay", append(args, "-")
	}
	return "ffplay", []string{"-hide_banner", "-loglevel", "error", "-nodisp", "-autoexit",
		"-f", "s16le", "-ac", ch, "-ar", rate, "-i", "-"}
}

// NewSource returns a capture [audio.Source] running name with args. When name
// is empty the platform default from [CaptureArgs] is used.
func NewSource(name string, args []string, device string, f audio.Format, opts ...audio.CaptureOption) *audio.Capture {
	if name == "" {
		name, args = CaptureArgs(device, f)
	}
	return audio.NewCapture(&Device{Command: name, Args: args, Format: f}, f, opts...)
}

// Device starts one capture process per Open.
type Device struct {
	Command string
	Args    []string
	Format  audio.Format

	// FrameDuration sizes the stdout reads. Default: 20 ms.
	FrameDuration time.Duration
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	cmd.Cancel = func() error { return interrupt(cmd.Process) }
	cmd.WaitDelay = shutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("command: stdout pipe: %w", err)
	}
	s := &stream{
		cmd:    cmd,
		cancel: cancel,
		ch:     make(chan []int16, 16),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("command: start %s: %w", d.Command, err)
	}

	frameDur := d.FrameDuration
	if frameDur <= 0 {
		frameDur = audio.DefaultFrameDuration
	}
	chunk := int(int64(d.Format.SampleRate)*int64(frameDur)/int64(time.Second)) * max(d.Format.Channels, 1) * 2
	go s.read(stdout, max(chunk, 2))
	return s, nil
}

type stream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr bytes.Buffer
	ch     chan []int16
	done   chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
}

func (s *stream) read(r io.Reader, chunk int) {
	defer close(s.done)
	defer close(s.ch)

	buf := make([]byte, chunk)
	var readErr error
	for {
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			s.ch <- audio.BytesToSamples(buf[:n&^1])
		}
		if err != nil {
			readErr = err
			break
		}
	}

	waitErr := s.cmd.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	msg := lastLine(s.stderr.String())
	switch {
	case waitErr != nil && msg != "":
		s.err = fmt.Errorf("command: %s exited: %w: %s", s.cmd.Path, waitErr, msg)
	case waitErr != nil:
		s.err = fmt.Errorf("command: %s exited: %w", s.cmd.Path, waitErr)
	case errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF):
		s.err = fmt.Errorf("command: %s closed its output", s.cmd.Path)
	default:
		s.err = fmt.Errorf("command: read: %w", readErr)
	}
}

func (s *stream) Chunks() <-chan []int16 { return s.ch }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	// The reader may be blocked sending; drain so it can observe EOF.
	go audio.Drain(s.ch)
	<-s.done
	return nil
}

// ─── Playback ────────────────────────────────────────────────────────────────

// Sink pipes PCM16 into a playback process. The process is started lazily on
// the first Write and restarted after Flush, which kills it so that audio
// already queued in the pipe is discarded.
type Sink struct {
	command string
	args    []string
	format  audio.Format

	mu     sync.Mutex
	proc   *player
	closed bool
}

var _ audio.Sink = (*Sink)(nil)

// NewSink returns a sink running name with args. When name is empty the
// platform default from [PlaybackArgs] is used.
func NewSink(name string, args []string, device string, f audio.Format) *Sink {
	if name == "" {
		name, args = PlaybackArgs(device, f)
	}
	return &Sink{command: name, args: args, format: f}
}

type player struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
}

// stop closes stdin and waits for the player to exit, killing it after
// shutdownTimeout.
func (p *player) stop() {
	_ = p.stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		p.cancel()
		<-done
	}
	p.cancel()
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Write implements [audio.Sink].
func (s *Sink) Write(samples []int16) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("command: sink closed")
	}
	if s.proc == nil {
		p, err := s.spawn()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.proc = p
	}
	p := s.proc
	s.mu.Unlock()

	if _, err := p.stdin.Write(audio.SamplesToBytes(samples)); err != nil {
		s.mu.Lock()
		flushed := s.proc != p
		if !flushed {
			s.proc = nil
		}
		s.mu.Unlock()
		if flushed {
			return nil
		}
		go p.stop()
		return fmt.Errorf("%w: command: write to %s: %w", audio.ErrStreamDropout, s.command, err)
	}
	return nil
}

func (s *Sink) spawn() (*player, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.WaitDelay = shutdownTimeout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("command: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: command: start %s: %w", audio.ErrDeviceUnavailable, s.command, err)
	}
	return &player{cmd: cmd, stdin: stdin, cancel: cancel}, nil
}

// Flush implements [audio.Sink]. It kills the running player.
func (s *Sink) Flush() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p != nil {
		p.cancel()
		go p.stop()
	}
}

// Close implements [audio.Sink]. Buffered audio is allowed to finish playing.
func (s *Sink) Close() error {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.closed = true
	s.mu.Unlock()
	if p != nil {
		p.stop()
	}
	return nil
}

func interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(os.Interrupt)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
