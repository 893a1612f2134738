// Package dialog implements the conversational state machine that ties the
// pipeline together.
//
// The [Orchestrator] owns the dialog state (STANDBY, LISTENING, THINKING,
// SPEAKING). Every input (wake events, transcripts, backend replies,
// playback completions, timers) is posted to one bounded queue and handled
// in arrival order by a single goroutine, so handlers never interleave.
// Posting never blocks: when the queue is full the event is dropped and the
// orchestrator falls back to STANDBY.
//
// Backend calls run on their own goroutine under a per-turn timeout and
// report back through the queue. Completions are tagged with the turn ID
// that started them and discarded once a newer turn has begun.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vigil/internal/backend"
	"github.com/MrWong99/vigil/internal/events"
	"github.com/MrWong99/vigil/internal/gate"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/speech"
	"github.com/MrWong99/vigil/internal/wake"
	"github.com/MrWong99/vigil/pkg/types"
)

const (
	DefaultBackendTimeout = 60 * time.Second
	DefaultListenTimeout  = 10 * time.Second
	DefaultHistoryTurns   = 5
	DefaultQueueSize      = 64
)

// Transcriber turns the frames of an utterance into a final transcript.
// [transcribe.Stage] implements it.
type Transcriber interface {
	Begin(ctx context.Context, utt *types.Utterance)
	Finish()
	Abort()
}

// Speaker speaks text and can be silenced at any moment. [speech.Output]
// implements it; completions arrive through [Orchestrator.HandleSpeechResult].
type Speaker interface {
	Speak(ctx context.Context, turnID, text string) error
	Stop()
}

// Config holds the dialog parameters. Zero values take the defaults.
type Config struct {
	// SystemPrompt is handed to the backend with every request.
	SystemPrompt string

	BackendTimeout time.Duration

	// ListenTimeout bounds LISTENING. When it expires the utterance is
	// finalised with whatever was recognised; an empty follow-up window
	// returns to STANDBY instead.
	ListenTimeout time.Duration

	// SilenceTimeout finalises the utterance when nobody speaks after the
	// wake phrase, so a bare "jarvis" gets an acknowledgment. Default:
	// gate.DefaultSilenceTimeout.
	SilenceTimeout time.Duration

	// FollowUp, when positive, reopens LISTENING for this long after a reply
	// has been spoken, without a wake phrase.
	FollowUp time.Duration

	// HistoryTurns is the number of exchanges sent as history. Negative
	// disables history.
	HistoryTurns int

	QueueSize int

	// WakeAck speaks a short acknowledgment as soon as the wake phrase is
	// recognised.
	WakeAck bool

	Phrases Phrases

	// CancelPatterns override [DefaultCancelPatterns] when non-nil.
	CancelPatterns []string
}

func (c Config) withDefaults() Config {
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.ListenTimeout <= 0 {
		c.ListenTimeout = DefaultListenTimeout
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = gate.DefaultSilenceTimeout
	}
	if c.HistoryTurns == 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.CancelPatterns == nil {
		c.CancelPatterns = DefaultCancelPatterns
	}
	return c
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSink sets the event sink. Default: [events.Discard].
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithMetrics records transitions, wake detections, barge-ins and overflows.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTextFilter transforms every transcript before it is used. The pipeline
// passes the wake scorer's StripPhrase so the wake phrase in the pre-roll
// does not reach the backend.
func WithTextFilter(fn func(string) string) Option {
	return func(o *Orchestrator) { o.textFilter = fn }
}

// WithIDGenerator replaces the UUID turn ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithClock overrides time.Now for utterance timestamps and events.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

type eventKind int

const (
	evWake eventKind = iota
	evPartial
	evFinal
	evTranscribeError
	evHypothesis
	evSpeechStarted
	evSpeechEnded
	evReply
	evBackendFailed
	evSpeechDone
	evListenTimeout
	evCancel
)

var eventNames = [...]string{
	evWake:            "wake",
	evPartial:         "partial",
	evFinal:           "final",
	evTranscribeError: "transcribe_error",
	evHypothesis:      "hypothesis",
	evSpeechStarted:   "speech_started",
	evSpeechEnded:     "speech_ended",
	evReply:           "reply",
	evBackendFailed:   "backend_failed",
	evSpeechDone:      "speech_done",
	evListenTimeout:   "listen_timeout",
	evCancel:          "cancel",
}

func (k eventKind) String() string { return eventNames[k] }

type event struct {
	kind   eventKind
	turn   string
	text   string
	wake   types.WakeEvent
	err    error
	result speech.Result
	timer  uint64
}

// turn is the dialog exchange in progress. It is owned by the run goroutine.
type turn struct {
	id     string
	utt    *types.Utterance
	cancel context.CancelFunc
	text   string

	// notice marks speech that ends the exchange (acknowledgments and
	// failure notices), which never opens a follow-up window.
	notice bool

	// followUp marks a window opened without a wake phrase.
	followUp bool

	// extended is set once the silence timer found the user still talking.
	extended bool
}

// Orchestrator is the dialog state machine. Handle* methods, State,
// WakeArmed and the setters are safe to call from any goroutine; Run must be
// called once.
type Orchestrator struct {
	cfg        Config
	backend    backend.Backend
	tr         Transcriber
	speaker    Speaker
	sink       events.Sink
	metrics    *observe.Metrics
	textFilter func(string) string
	newID      func() string
	now        func() time.Time
	log        *slog.Logger

	queue    chan event
	overflow atomic.Bool
	state    atomic.Int32
	dropped  atomic.Uint64

	filter         atomic.Pointer[Filter]
	listenTimeout  atomic.Int64
	silenceTimeout atomic.Int64
	followUp      atomic.Int64
	phrases       atomic.Pointer[Phrases]

	// Owned by the run goroutine.
	ctx      context.Context
	cur      *turn
	timer    *time.Timer
	timerSeq uint64
	hist     history
	voice    bool // the gate is open
}

// New returns an orchestrator in STANDBY. It fails only on an invalid cancel
// pattern.
func New(cfg Config, b backend.Backend, tr Transcriber, sp Speaker, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	filter, err := NewFilter(cfg.CancelPatterns)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     cfg,
		backend: b,
		tr:      tr,
		speaker: sp,
		sink:    events.Discard,
		newID:   uuid.NewString,
		now:     time.Now,
		log:     slog.Default(),
		queue:   make(chan event, cfg.QueueSize),
		hist:    history{max: cfg.HistoryTurns},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.filter.Store(filter)
	o.listenTimeout.Store(int64(cfg.ListenTimeout))
	o.silenceTimeout.Store(int64(cfg.SilenceTimeout))
	o.followUp.Store(int64(cfg.FollowUp))
	phrases := cfg.Phrases
	o.phrases.Store(&phrases)
	return o, nil
}

// State returns the current dialog state.
func (o *Orchestrator) State() types.DialogState {
	return types.DialogState(o.state.Load())
}

// WakeArmed reports whether the wake spotter should listen: in STANDBY to
// start a turn, while THINKING for safety phrases only and while SPEAKING
// for barge-in and safety phrases. While LISTENING the transcriber hears
// everything.
func (o *Orchestrator) WakeArmed() bool {
	return o.State() != types.StateListening
}

// Dropped returns the number of events lost to queue overflow.
func (o *Orchestrator) Dropped() uint64 { return o.dropped.Load() }

// SetFilter replaces the cancel phrase filter.
func (o *Orchestrator) SetFilter(f *Filter) { o.filter.Store(f) }

// SetListenTimeout changes the listen timeout for the next LISTENING state.
func (o *Orchestrator) SetListenTimeout(d time.Duration) {
	if d > 0 {
		o.listenTimeout.Store(int64(d))
	}
}

// SetSilenceTimeout changes how long a bare wake phrase waits for speech.
func (o *Orchestrator) SetSilenceTimeout(d time.Duration) {
	if d > 0 {
		o.silenceTimeout.Store(int64(d))
	}
}

// SetFollowUp changes the follow-up window. Zero disables it.
func (o *Orchestrator) SetFollowUp(d time.Duration) { o.followUp.Store(int64(max(d, 0))) }

// SetPhrases replaces the phrase bank.
func (o *Orchestrator) SetPhrases(p Phrases) { o.phrases.Store(&p) }

// HandleWake posts a wake event.
func (o *Orchestrator) HandleWake(ev types.WakeEvent) { o.post(event{kind: evWake, wake: ev}) }

// HandlePartial posts a partial transcript for utterance id.
func (o *Orchestrator) HandlePartial(id, text string) {
	o.post(event{kind: evPartial, turn: id, text: text})
}

// HandleFinal posts the final transcript for utterance id.
func (o *Orchestrator) HandleFinal(id, text string) {
	o.post(event{kind: evFinal, turn: id, text: text})
}

// HandleTranscribeError posts a transcription failure. The stage still
// delivers a final for the utterance.
func (o *Orchestrator) HandleTranscribeError(id string, err error) {
	o.post(event{kind: evTranscribeError, turn: id, err: err})
}

// HandleHypothesis posts a wake spotter hypothesis, checked for safety
// phrases while THINKING or SPEAKING.
func (o *Orchestrator) HandleHypothesis(h wake.Hypothesis) {
	o.post(event{kind: evHypothesis, text: h.Text})
}

// HandleSpeechStarted posts a voice activity onset.
func (o *Orchestrator) HandleSpeechStarted() { o.post(event{kind: evSpeechStarted}) }

// HandleSpeechEnded posts the end of voice activity, which closes the
// utterance being transcribed.
func (o *Orchestrator) HandleSpeechEnded() { o.post(event{kind: evSpeechEnded}) }

// HandleSpeechResult posts the completion of a Speak call.
func (o *Orchestrator) HandleSpeechResult(r speech.Result) {
	o.post(event{kind: evSpeechDone, turn: r.TurnID, result: r})
}

// Cancel posts a cancel request, equivalent to hearing a safety phrase. The
// admin listener's POST /cancel calls it.
func (o *Orchestrator) Cancel() { o.post(event{kind: evCancel}) }

func (o *Orchestrator) post(ev event) {
	select {
	case o.queue <- ev:
	default:
		o.dropped.Add(1)
		o.overflow.Store(true)
		o.log.Warn("dialog: event queue full, event dropped", "event", ev.kind, "turn", ev.turn)
		if o.metrics != nil {
			o.metrics.QueueOverflows.Add(context.Background(), 1)
		}
	}
}

// Run handles events until ctx is done, then cancels the turn in progress
// and returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case ev := <-o.queue:
			if o.overflow.Swap(false) {
				o.emitError("", events.CodeQueueOverflow, errors.New("dialog: event queue overflow"))
				o.reset("queue overflow")
			}
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev event) {
	switch ev.kind {
	case evWake:
		o.onWake(ev.wake)
	case evPartial:
		o.onPartial(ev.turn, ev.text)
	case evFinal:
		o.onFinal(ev.turn, ev.text)
	case evTranscribeError:
		if o.current(ev.turn) {
			o.emitError(ev.turn, events.CodeTranscribeFailed, ev.err)
		}
	case evHypothesis:
		if s := o.State(); s == types.StateThinking || s == types.StateSpeaking {
			o.checkCancel(ev.text)
		}
	case evSpeechStarted:
		o.voice = true
		if o.State() == types.StateListening {
			o.armTimer(time.Duration(o.listenTimeout.Load()))
		}
	case evSpeechEnded:
		o.voice = false
		if o.State() == types.StateListening {
			o.armTimer(time.Duration(o.listenTimeout.Load()))
			o.tr.Finish()
		}
	case evReply:
		o.onReply(ev.turn, ev.text)
	case evBackendFailed:
		o.onBackendFailed(ev.turn, ev.err)
	case evSpeechDone:
		o.onSpeechDone(ev.result)
	case evListenTimeout:
		o.onListenTimeout(ev.turn, ev.timer)
	case evCancel:
		o.reset("cancelled")
	}
}

func (o *Orchestrator) current(id string) bool {
	return o.cur != nil && o.cur.id == id
}

func (o *Orchestrator) onWake(ev types.WakeEvent) {
	switch o.State() {
	case types.StateListening, types.StateThinking:
		// The spotter only guards against safety phrases here.
		o.log.Debug("dialog: wake ignored", "state", o.State(), "phrase", ev.Phrase)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordWake(o.ctx, ev.Phrase, ev.Variant)
	}
	o.sink.Emit(events.Event{
		Kind:       events.KindWake,
		At:         o.stamp(ev.At),
		Phrase:     ev.Phrase,
		Variant:    ev.Variant,
		Confidence: ev.Confidence,
		Text:       ev.Trailing,
	})

	switch o.State() {
	case types.StateSpeaking:
		// Silence first; no frame of the new utterance may be accepted while
		// the old reply is still audible.
		o.speaker.Stop()
		if o.metrics != nil {
			o.metrics.BargeIns.Add(o.ctx, 1)
		}
		o.sink.Emit(events.Event{Kind: events.KindBargeIn, At: o.now(), TurnID: o.turnID(), Confidence: ev.Confidence})
		o.endTurn()
	}
	o.listen(ev.PreRoll, ev.Trailing, false)
}

// listen starts a new utterance seeded with seed and enters LISTENING.
// Non-empty trailing text completes the utterance at once. A follow-up
// window has no wake phrase to acknowledge and uses the follow-up timeout.
func (o *Orchestrator) listen(seed []types.AudioFrame, trailing string, followUp bool) {
	t := &turn{id: o.newID(), followUp: followUp}
	t.utt = types.NewUtterance(t.id, o.now(), seed)
	o.cur = t

	if trailing != "" {
		o.setState(types.StateListening)
		t.utt.Finalize(trailing, o.now())
		o.onFinal(t.id, trailing)
		return
	}
	o.tr.Begin(o.ctx, t.utt)
	o.setState(types.StateListening)
	if o.cfg.WakeAck && !followUp {
		if err := o.speaker.Speak(o.ctx, t.id+"/ack", o.phrases.Load().wakeAck()); err != nil {
			o.log.Warn("dialog: wake acknowledgment failed", "turn", t.id, "err", err)
		}
	}
	timeout := time.Duration(o.listenTimeout.Load())
	switch fu := time.Duration(o.followUp.Load()); {
	case followUp && fu > 0:
		timeout = fu
	case !followUp && !o.voice:
		// The wake window closed on silence; give the user one silence
		// timeout to start the request.
		timeout = time.Duration(o.silenceTimeout.Load())
	}
	o.armTimer(timeout)
}

func (o *Orchestrator) onPartial(id, text string) {
	if o.State() != types.StateListening || !o.current(id) {
		return
	}
	text = o.clean(text)
	if text == "" {
		return
	}
	o.armTimer(time.Duration(o.listenTimeout.Load()))
	o.sink.Emit(events.Event{Kind: events.KindPartial, At: o.now(), TurnID: id, Text: text})
	o.checkCancel(text)
}

func (o *Orchestrator) onFinal(id, text string) {
	if o.State() != types.StateListening || !o.current(id) {
		return
	}
	o.stopTimer()
	text = o.clean(text)
	o.sink.Emit(events.Event{Kind: events.KindFinal, At: o.now(), TurnID: id, Text: text})
	if o.checkCancel(text) {
		return
	}

	if text == "" {
		o.log.Debug("dialog: empty utterance, acknowledging", "turn", id)
		o.say(o.phrases.Load().acknowledgment(), true)
		return
	}

	t := o.cur
	t.text = text
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.BackendTimeout)
	t.cancel = cancel
	req := backend.Request{
		SystemPrompt: o.cfg.SystemPrompt,
		Text:         text,
		History:      o.hist.snapshot(),
	}
	o.setState(types.StateThinking)
	go func() {
		defer cancel()
		reply, err := o.backend.Reply(ctx, req)
		if err != nil {
			o.post(event{kind: evBackendFailed, turn: id, err: err})
			return
		}
		o.post(event{kind: evReply, turn: id, text: reply})
	}()
}

func (o *Orchestrator) onReply(id, text string) {
	if o.State() != types.StateThinking || !o.current(id) {
		o.log.Debug("dialog: stale reply discarded", "turn", id)
		return
	}
	o.hist.add(o.cur.text, text)
	o.sink.Emit(events.Event{Kind: events.KindReply, At: o.now(), TurnID: id, Text: text})
	o.say(text, false)
}

func (o *Orchestrator) onBackendFailed(id string, err error) {
	if o.State() != types.StateThinking || !o.current(id) {
		o.log.Debug("dialog: stale backend failure discarded", "turn", id, "err", err)
		return
	}
	if errors.Is(err, context.Canceled) {
		o.reset("backend cancelled")
		return
	}
	phrases := o.phrases.Load()
	code, notice := events.CodeBackendError, phrases.failure()
	if errors.Is(err, backend.ErrBackendTimeout) {
		code, notice = events.CodeBackendTimeout, phrases.timeout()
	}
	o.emitError(id, code, err)
	o.say(notice, true)
}

// say speaks text for the current turn and enters SPEAKING. A notice ends
// the exchange when it has been spoken.
func (o *Orchestrator) say(text string, notice bool) {
	t := o.cur
	t.notice = notice
	o.sink.Emit(events.Event{Kind: events.KindSpeak, At: o.now(), TurnID: t.id, Text: text})
	o.setState(types.StateSpeaking)
	if err := o.speaker.Speak(o.ctx, t.id, text); err != nil {
		o.synthesisFailed(t.id, err)
	}
}

func (o *Orchestrator) onSpeechDone(r speech.Result) {
	if o.State() != types.StateSpeaking || !o.current(r.TurnID) {
		return
	}
	if r.Err != nil {
		o.synthesisFailed(r.TurnID, r.Err)
		return
	}
	notice := o.cur.notice
	o.endTurn()
	if fu := time.Duration(o.followUp.Load()); fu > 0 && !notice && !r.Interrupted {
		o.listen(nil, "", true)
		return
	}
	o.setState(types.StateStandby)
}

func (o *Orchestrator) synthesisFailed(id string, err error) {
	if !errors.Is(err, speech.ErrSynthesisFailed) {
		err = fmt.Errorf("%w: %w", speech.ErrSynthesisFailed, err)
	}
	o.emitError(id, events.CodeSynthesisFailed, err)
	o.reset("synthesis failed")
}

func (o *Orchestrator) onListenTimeout(id string, seq uint64) {
	if o.State() != types.StateListening || !o.current(id) || seq != o.timerSeq {
		return
	}
	t := o.cur
	switch {
	case t.utt.Partial() != "":
		o.log.Debug("dialog: listen timeout, finalizing partial", "turn", id)
	case t.followUp:
		o.log.Debug("dialog: follow-up window closed", "turn", id)
		o.reset("follow-up timeout")
		return
	case o.voice && !t.extended:
		t.extended = true
		o.armTimer(time.Duration(o.listenTimeout.Load()))
		return
	default:
		// An empty final reaches onFinal, which acknowledges the wake.
		o.log.Debug("dialog: nothing said after wake, finalizing", "turn", id)
	}
	o.tr.Finish()
}

// checkCancel resets to STANDBY when text is a cancel phrase.
func (o *Orchestrator) checkCancel(text string) bool {
	pattern, ok := o.filter.Load().Match(text)
	if !ok {
		return false
	}
	o.log.Info("dialog: cancel phrase heard", "text", text, "pattern", pattern)
	o.reset("cancel phrase")
	return true
}

// reset abandons whatever is in progress and returns to STANDBY. It is the
// fallback transition for every failure.
func (o *Orchestrator) reset(reason string) {
	o.speaker.Stop()
	o.tr.Abort()
	o.endTurn()
	if o.State() != types.StateStandby {
		o.log.Debug("dialog: back to standby", "reason", reason)
		o.setState(types.StateStandby)
	}
}

func (o *Orchestrator) endTurn() {
	o.stopTimer()
	if o.cur != nil && o.cur.cancel != nil {
		o.cur.cancel()
	}
	o.cur = nil
}

func (o *Orchestrator) shutdown() {
	o.speaker.Stop()
	o.tr.Abort()
	o.endTurn()
	o.hist.reset()
	o.setState(types.StateStandby)
}

func (o *Orchestrator) armTimer(d time.Duration) {
	o.stopTimer()
	o.timerSeq++
	seq, id := o.timerSeq, o.turnID()
	o.timer = time.AfterFunc(d, func() {
		o.post(event{kind: evListenTimeout, turn: id, timer: seq})
	})
}

func (o *Orchestrator) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) setState(to types.DialogState) {
	from := types.DialogState(o.state.Swap(int32(to)))
	if from == to {
		return
	}
	if o.metrics != nil {
		o.metrics.RecordTransition(context.Background(), from.String(), to.String())
	}
	o.sink.Emit(events.Event{
		Kind:   events.KindState,
		At:     o.now(),
		TurnID: o.turnID(),
		From:   from.String(),
		State:  to.String(),
	})
}

func (o *Orchestrator) emitError(id, code string, err error) {
	o.log.Warn("dialog: turn failed", "turn", id, "code", code, "err", err)
	o.sink.Emit(events.Event{Kind: events.KindError, At: o.now(), TurnID: id, Code: code, Err: err.Error()})
}

func (o *Orchestrator) clean(text string) string {
	if o.textFilter != nil {
		return o.textFilter(text)
	}
	return text
}

func (o *Orchestrator) turnID() string {
	if o.cur == nil {
		return ""
	}
	return o.cur.id
}

func (o *Orchestrator) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return o.now()
	}
	return t
}
