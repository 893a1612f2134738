// Package transcribe streams the user's request to a speech-to-text provider
// after a wake event.
//
// The capture goroutine hands frames to [Stage.Feed], which only pushes them
// into a bounded ring. A pump goroutine per utterance opens the provider
// session, sends the wake event's pre-roll followed by the ring contents and
// closes the session once [Stage.Finish] is called. Partials are merged into
// the [types.Utterance] so the displayed text never regresses, and exactly one
// final is reported per utterance. When the provider does not deliver its
// final within the configured timeout, the last partial is used instead.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/types"
)

const (
	DefaultFinalTimeout = 1500 * time.Millisecond
	DefaultQueueFrames  = 500
	defaultSampleRate   = 16000
)

// Config holds the stage parameters.
type Config struct {
	// Stream is passed to the provider. Channels is forced to 1 and a zero
	// SampleRate is taken from the first frame.
	Stream stt.StreamConfig

	// FinalTimeout bounds the wait for the provider's final after Finish.
	FinalTimeout time.Duration

	// QueueFrames is the capacity of the frame ring between the capture
	// goroutine and the pump.
	QueueFrames int
}

// Option configures a [Stage].
type Option func(*Stage)

// WithPartialHandler registers fn for every change of the displayed text.
func WithPartialHandler(fn func(id, text string)) Option {
	return func(s *Stage) { s.onPartial = fn }
}

// WithErrorHandler registers fn for provider failures. The utterance is still
// finalised with whatever text was recognised.
func WithErrorHandler(fn func(id string, err error)) Option {
	return func(s *Stage) { s.onError = fn }
}

// WithClock overrides time.Now for utterance end times.
func WithClock(now func() time.Time) Option {
	return func(s *Stage) { s.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) { s.log = l }
}

// Stage runs one utterance at a time.
type Stage struct {
	provider stt.Provider
	cfg      Config
	onFinal  func(id, text string)

	onPartial func(id, text string)
	onError   func(id string, err error)
	now       func() time.Time
	log       *slog.Logger

	cur     atomic.Pointer[job]
	dropped atomic.Uint64
}

// New returns a stage that reports each utterance's final text to onFinal.
// onFinal is called from a stage goroutine.
func New(p stt.Provider, cfg Config, onFinal func(id, text string), opts ...Option) *Stage {
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = DefaultFinalTimeout
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = DefaultQueueFrames
	}
	cfg.Stream.Channels = 1
	s := &Stage{
		provider: p,
		cfg:      cfg,
		onFinal:  onFinal,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type job struct {
	utt  *types.Utterance
	ring *audio.Ring[types.AudioFrame]

	ctx    context.Context // session lifetime, cancelled by Abort
	cancel context.CancelFunc

	pumpCtx  context.Context // cancelled by Finish
	stopPump context.CancelFunc

	finishOnce sync.Once
	finishing  atomic.Bool
	aborted    atomic.Bool

	mu        sync.Mutex
	committed []string
	err       error

	readersDone chan struct{}
}

func (j *job) display(partial string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	parts := append([]string(nil), j.committed...)
	if partial = strings.TrimSpace(partial); partial != "" {
		parts = append(parts, partial)
	}
	return strings.Join(parts, " ")
}

func (j *job) finalText() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strings.Join(j.committed, " ")
}

// Begin starts transcribing utt, whose frames (the pre-roll) are sent first.
// A running utterance is aborted without a final. Begin does not block on the
// provider.
func (s *Stage) Begin(ctx context.Context, utt *types.Utterance) {
	s.Abort()

	jctx, cancel := context.WithCancel(ctx)
	pctx, stop := context.WithCancel(jctx)
	j := &job{
		utt:         utt,
		ring:        audio.NewRing[types.AudioFrame](s.cfg.QueueFrames),
		ctx:         jctx,
		cancel:      cancel,
		pumpCtx:     pctx,
		stopPump:    stop,
		readersDone: make(chan struct{}),
	}
	s.cur.Store(j)
	go s.pump(j, utt.Frames())
}

// Feed queues a frame for the running utterance. It never blocks and is a
// no-op when no utterance is open or Finish was already called.
func (s *Stage) Feed(f types.AudioFrame) {
	j := s.cur.Load()
	if j == nil || j.finishing.Load() {
		return
	}
	if j.ring.Push(f) {
		s.dropped.Add(1)
	}
}

// Finish ends the running utterance. The final is reported asynchronously.
// Calling Finish more than once, or with nothing running, is a no-op.
func (s *Stage) Finish() {
	if j := s.cur.Load(); j != nil {
		s.finish(j)
	}
}

func (s *Stage) finish(j *job) {
	j.finishOnce.Do(func() {
		j.finishing.Store(true)
		j.stopPump()
		go s.complete(j)
	})
}

// Abort drops the running utterance without reporting a final.
func (s *Stage) Abort() {
	j := s.cur.Swap(nil)
	if j == nil {
		return
	}
	j.aborted.Store(true)
	j.cancel()
}

// Active reports whether an utterance is open.
func (s *Stage) Active() bool { return s.cur.Load() != nil }

// Current returns the ID of the open utterance, or "".
func (s *Stage) Current() string {
	if j := s.cur.Load(); j != nil {
		return j.utt.ID
	}
	return ""
}

// Dropped returns how many frames were evicted from the ring because the
// provider fell behind.
func (s *Stage) Dropped() uint64 { return s.dropped.Load() }

func (s *Stage) pump(j *job, seed []types.AudioFrame) {
	cfg := s.cfg.Stream
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
		if len(seed) > 0 {
			cfg.SampleRate = seed[0].SampleRate
		}
	}

	sess, err := s.provider.StartStream(j.ctx, cfg)
	if err != nil {
		close(j.readersDone)
		if !j.aborted.Load() {
			s.fail(j, fmt.Errorf("transcribe: start stream: %w", err))
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readPartials(j, sess)
	}()
	go func() {
		defer wg.Done()
		s.readFinals(j, sess)
	}()
	go func() {
		wg.Wait()
		close(j.readersDone)
	}()

	send := func(f types.AudioFrame) error {
		if f.Channels > 1 {
			f.Samples = audio.Downmix(f.Samples, f.Channels)
		}
		return sess.SendAudio(audio.SamplesToBytes(f.Samples))
	}

	var sendErr error
	for _, f := range seed {
		if sendErr = send(f); sendErr != nil {
			break
		}
	}
	for sendErr == nil {
		f, err := j.ring.Pop(j.pumpCtx)
		if err != nil {
			break
		}
		j.utt.AppendFrame(f)
		sendErr = send(f)
	}
	if sendErr == nil && !j.aborted.Load() {
		// Frames queued before Finish still belong to the utterance.
		for sendErr == nil {
			f, ok := j.ring.TryPop()
			if !ok {
				break
			}
			j.utt.AppendFrame(f)
			sendErr = send(f)
		}
	}
	if sendErr != nil && !j.aborted.Load() {
		s.recordErr(j, fmt.Errorf("transcribe: send audio: %w", sendErr))
	}
	if sendErr != nil {
		// The provider is gone; nothing more will arrive.
		s.finish(j)
	}
	if err := sess.Close(); err != nil && !j.aborted.Load() {
		s.recordErr(j, fmt.Errorf("transcribe: close stream: %w", err))
	}
}

func (s *Stage) readPartials(j *job, sess stt.SessionHandle) {
	for t := range sess.Partials() {
		if j.aborted.Load() {
			continue
		}
		before := j.utt.Partial()
		shown := j.utt.UpdatePartial(j.display(t.Text))
		if shown != before && s.onPartial != nil {
			s.onPartial(j.utt.ID, shown)
		}
	}
}

func (s *Stage) readFinals(j *job, sess stt.SessionHandle) {
	for t := range sess.Finals() {
		text := strings.TrimSpace(t.Text)
		if text == "" || j.aborted.Load() {
			continue
		}
		j.mu.Lock()
		j.committed = append(j.committed, text)
		j.mu.Unlock()

		before := j.utt.Partial()
		shown := j.utt.UpdatePartial(j.display(""))
		if shown != before && s.onPartial != nil {
			s.onPartial(j.utt.ID, shown)
		}
	}
}

// complete waits for the provider to finish and reports the final.
func (s *Stage) complete(j *job) {
	timer := time.NewTimer(s.cfg.FinalTimeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-j.readersDone:
	case <-timer.C:
		timedOut = true
	case <-j.ctx.Done():
		if j.aborted.Load() {
			return
		}
	}

	text := j.finalText()
	if text == "" {
		text = j.utt.Partial()
	}
	if timedOut {
		s.log.Warn("transcribe: no final from provider, using last partial",
			"utterance", j.utt.ID, "timeout", s.cfg.FinalTimeout, "text", text)
	}
	s.emitFinal(j, text)
	j.cancel()
}

func (s *Stage) recordErr(j *job, err error) {
	j.mu.Lock()
	first := j.err == nil
	if first {
		j.err = err
	}
	j.mu.Unlock()
	s.log.Warn("transcribe: provider failed", "utterance", j.utt.ID, "err", err)
	if first && s.onError != nil {
		s.onError(j.utt.ID, err)
	}
}

func (s *Stage) fail(j *job, err error) {
	s.recordErr(j, err)
	s.emitFinal(j, j.utt.Partial())
	j.cancel()
}

func (s *Stage) emitFinal(j *job, text string) {
	if j.aborted.Load() || !j.utt.Finalize(text, s.now()) {
		return
	}
	s.cur.CompareAndSwap(j, nil)
	final, _ := j.utt.Final()
	if s.onFinal != nil {
		s.onFinal(j.utt.ID, final)
	}
}
