// Package vosk provides an offline streaming STT provider backed by the Vosk
// (Kaldi) recognizer through its cgo bindings. libvosk must be available at
// link time.
//
// Unlike whisper, Vosk is a true streaming recognizer: partials arrive while
// audio is fed and finals are emitted at the recognizer's own endpoints as
// well as on Close.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/types"
)

const defaultSampleRate = 16000

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithSampleRate sets the rate assumed when the stream config leaves it zero.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithKeywordGrammar restricts recognition to the session's keywords plus
// "[unk]" whenever StreamConfig.Keywords is non-empty. Only suitable for wake
// spotting. Off by default.
func WithKeywordGrammar(enabled bool) Option {
	return func(p *Provider) { p.grammar = enabled }
}

// Provider owns a loaded Vosk model shared by all sessions.
type Provider struct {
	model      *vosk.VoskModel
	sampleRate int
	grammar    bool
}

// New loads the model directory at modelPath. Call Close when done.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("vosk: modelPath must not be empty")
	}
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", modelPath, err)
	}
	p := &Provider{model: model, sampleRate: defaultSampleRate}
	for _, o := range opts {
		o(p)
	}
	slog.Info("vosk: model loaded", "path", modelPath)
	return p, nil
}

// Close frees the model. Sessions must be closed first.
func (p *Provider) Close() error {
	if p.model != nil {
		p.model.Free()
		p.model = nil
	}
	return nil
}

// StartStream creates a recognizer for the session. Multi-channel input is
// downmixed before it reaches Vosk.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("vosk: context already cancelled: %w", err)
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	var (
		rec *vosk.VoskRecognizer
		err error
	)
	if p.grammar && len(cfg.Keywords) > 0 {
		rec, err = vosk.NewRecognizerGrm(p.model, float64(sr), keywordGrammar(cfg.Keywords))
	} else {
		rec, err = vosk.NewRecognizer(p.model, float64(sr))
	}
	if err != nil {
		return nil, fmt.Errorf("vosk: new recognizer: %w", err)
	}
	rec.SetWords(1)

	s := &session{
		rec:        rec,
		sampleRate: sr,
		channels:   ch,
		audio:      make(chan []byte, 256),
		partials:   make(chan types.Transcript, 64),
		finals:     make(chan types.Transcript, 64),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

// keywordGrammar renders keywords as the JSON string array Vosk expects.
func keywordGrammar(keywords []types.KeywordBoost) string {
	words := make([]string, 0, len(keywords)+1)
	for _, kw := range keywords {
		if w := strings.ToLower(strings.TrimSpace(kw.Keyword)); w != "" {
			words = append(words, w)
		}
	}
	words = append(words, "[unk]")
	b, _ := json.Marshal(words)
	return string(b)
}

type session struct {
	rec        *vosk.VoskRecognizer
	sampleRate int
	channels   int

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }

func (s *session) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords returns stt.ErrNotSupported; the grammar is fixed per
// recognizer.
func (s *session) SetKeywords([]types.KeywordBoost) error {
	return fmt.Errorf("vosk: %w", stt.ErrNotSupported)
}

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// loop owns the recognizer; Vosk recognizers are not safe for concurrent use.
func (s *session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer s.rec.Free()

	var (
		fed       int // bytes of mono audio accepted
		lastStart time.Duration
		lastPart  string
	)

	accept := func(chunk []byte) {
		if s.channels > 1 {
			chunk = audio.SamplesToBytes(audio.Downmix(audio.BytesToSamples(chunk), s.channels))
		}
		fed += len(chunk)
		switch s.rec.AcceptWaveform(chunk) {
		case 1:
			if t, ok := parseFinal(s.rec.Result()); ok {
				t.Timestamp = lastStart
				t.Duration = s.offset(fed) - lastStart
				s.emitFinal(ctx, t)
			}
			lastStart = s.offset(fed)
			lastPart = ""
		case 0:
			if text, ok := parsePartial(s.rec.PartialResult()); ok && text != lastPart {
				lastPart = text
				select {
				case s.partials <- types.Transcript{Text: text, Timestamp: lastStart}:
				default:
				}
			}
		default:
			slog.Warn("vosk: recognizer rejected audio chunk", "bytes", len(chunk))
		}
	}

	finish := func() {
		for {
			select {
			case chunk := <-s.audio:
				accept(chunk)
				continue
			default:
			}
			break
		}
		if t, ok := parseFinal(s.rec.FinalResult()); ok {
			t.Timestamp = lastStart
			t.Duration = s.offset(fed) - lastStart
			s.emitFinal(context.WithoutCancel(ctx), t)
		}
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return
		case <-s.done:
			finish()
			return
		case chunk := <-s.audio:
			accept(chunk)
		}
	}
}

func (s *session) emitFinal(ctx context.Context, t types.Transcript) {
	select {
	case s.finals <- t:
	case <-ctx.Done():
	}
}

func (s *session) offset(monoBytes int) time.Duration {
	return time.Duration(int64(monoBytes/2) * int64(time.Second) / int64(s.sampleRate))
}

type finalResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word string  `json:"word"`
		Conf float64 `json:"conf"`
	} `json:"result"`
}

// parseFinal decodes a Result/FinalResult payload. Confidence is the mean
// word confidence. "[unk]" tokens from grammar mode are dropped.
func parseFinal(raw string) (types.Transcript, bool) {
	var r finalResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return types.Transcript{}, false
	}
	text := stripUnknown(r.Text)
	if text == "" {
		return types.Transcript{}, false
	}
	t := types.Transcript{Text: text, IsFinal: true, Confidence: 1}
	if len(r.Result) > 0 {
		var sum float64
		for _, w := range r.Result {
			sum += w.Conf
		}
		t.Confidence = sum / float64(len(r.Result))
	}
	return t, true
}

func parsePartial(raw string) (string, bool) {
	var r struct {
		Partial string `json:"partial"`
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return "", false
	}
	text := stripUnknown(r.Partial)
	return text, text != ""
}

func stripUnknown(s string) string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if f != "[unk]" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}
