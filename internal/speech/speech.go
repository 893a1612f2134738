// Package speech speaks the assistant's replies and lets the dialog cut them
// off at any moment.
//
// [Output.Speak] cleans the text, hands its sentences to a [tts.Provider] and
// queues the synthesised audio on a [playback.Player]. [Output.Stop] is the
// barge-in path: it cancels every synthesis in flight and silences the player
// without taking a lock, so it can be called from the dialog goroutine while a
// backend call or a synthesis is still running.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/pkg/audio/playback"
	"github.com/MrWong99/vigil/pkg/provider/tts"
)

// ErrSynthesisFailed wraps every error raised by the TTS provider. It is never
// fatal: the dialog logs it and returns to standby.
var ErrSynthesisFailed = errors.New("speech: synthesis failed")

// Result reports the end of one Speak call.
type Result struct {
	TurnID string

	// Interrupted is true when Stop cut the speech short.
	Interrupted bool

	// Err is nil, a wrapped ErrSynthesisFailed, or the sink write error that
	// aborted playback.
	Err error
}

// Option configures an [Output].
type Option func(*Output)

// WithVoice selects the voice passed to the provider.
func WithVoice(v tts.Voice) Option {
	return func(o *Output) { o.voice = v }
}

// WithDoneHandler registers fn to receive a [Result] for every Speak call that
// returned nil. fn runs on an internal goroutine and must not block.
func WithDoneHandler(fn func(Result)) Option {
	return func(o *Output) { o.onDone = fn }
}

// WithMetrics records synthesis latency, synthesis failures and stop latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Output) { o.metrics = m }
}

// batch groups every synthesis started between two Stop calls.
type batch struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newBatch() *batch {
	ctx, cancel := context.WithCancel(context.Background())
	return &batch{ctx: ctx, cancel: cancel}
}

// Output is the speech output stage. All methods are safe for concurrent use.
type Output struct {
	provider tts.Provider
	player   *playback.Player
	voice    tts.Voice
	onDone   func(Result)
	metrics  *observe.Metrics

	batch  atomic.Pointer[batch]
	active atomic.Int32
}

// New returns an Output that synthesises with p and plays on player.
func New(p tts.Provider, player *playback.Player, opts ...Option) *Output {
	o := &Output{provider: p, player: player}
	for _, opt := range opts {
		opt(o)
	}
	o.batch.Store(newBatch())
	return o
}

// Speak starts speaking text for turnID and returns once synthesis has
// started. Completion is reported through the done handler. Text that is
// empty after cleaning completes immediately without calling the provider.
//
// A non-nil error wraps [ErrSynthesisFailed], or is ctx's error when the call
// was cancelled before synthesis started; no Result follows it.
func (o *Output) Speak(ctx context.Context, turnID, text string) error {
	sentences := tts.SplitSentences(Clean(text))
	if len(sentences) == 0 {
		slog.Debug("speech: nothing to say", "turn", turnID)
		o.report(Result{TurnID: turnID})
		return nil
	}

	b := o.batch.Load()
	sctx, cancel := context.WithCancel(ctx)
	stopOnStop := context.AfterFunc(b.ctx, cancel)
	release := func() {
		stopOnStop()
		cancel()
	}

	textCh := make(chan string, len(sentences))
	for _, s := range sentences {
		textCh <- s
	}
	close(textCh)

	start := time.Now()
	st, err := o.provider.SynthesizeStream(sctx, textCh, o.voice)
	if err != nil {
		release()
		if sctx.Err() != nil {
			return sctx.Err()
		}
		o.recordFailure(sctx)
		return fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	format := o.provider.Format()
	pcm := make(chan []byte, 16)
	seg := playback.NewSegment(turnID, pcm, format.SampleRate, format.Channels)
	o.active.Add(1)
	go o.relay(sctx, st, pcm, seg, start)
	o.player.Enqueue(seg)

	go func() {
		<-seg.Done()
		release()
		o.active.Add(-1)
		o.report(Result{TurnID: turnID, Interrupted: seg.Interrupted(), Err: seg.Err()})
	}()
	return nil
}

// relay copies synthesised audio into the playback segment, recording the
// time to first audio and any mid-stream failure.
func (o *Output) relay(ctx context.Context, st *tts.Stream, pcm chan<- []byte, seg *playback.Segment, start time.Time) {
	defer close(pcm)
	first := true
	for chunk := range st.Audio {
		if first {
			first = false
			if o.metrics != nil {
				o.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
			}
		}
		select {
		case pcm <- chunk:
		case <-ctx.Done():
			for range st.Audio {
			}
			return
		}
	}
	if err := st.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("speech: synthesis stream failed", "turn", seg.TurnID, "err", err)
		o.recordFailure(ctx)
		seg.SetStreamErr(fmt.Errorf("%w: %w", ErrSynthesisFailed, err))
	}
}

// Stop silences the output immediately: every synthesis in flight is
// cancelled and the player drops what it is playing and everything queued.
// It never blocks and is a no-op when idle.
func (o *Output) Stop() {
	start := time.Now()
	if old := o.batch.Swap(newBatch()); old != nil {
		old.cancel()
	}
	o.player.Stop()
	if o.metrics != nil {
		o.metrics.StopLatency.Record(context.Background(), time.Since(start).Seconds())
	}
}

// Speaking reports whether any Speak call has not completed yet.
func (o *Output) Speaking() bool { return o.active.Load() > 0 }

func (o *Output) report(r Result) {
	if o.onDone != nil {
		o.onDone(r)
	}
}

func (o *Output) recordFailure(ctx context.Context) {
	if o.metrics != nil {
		o.metrics.SynthesisErrors.Add(ctx, 1)
	}
}
