package wake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/types"
)

// STTSpotter transcribes each window with a speech-to-text provider. Phrase
// spellings are passed as keyword boosts so engines that support biasing hear
// them more reliably.
type STTSpotter struct {
	provider stt.Provider
	cfg      stt.StreamConfig
}

var _ Spotter = (*STTSpotter)(nil)

// NewSTTSpotter returns a spotter over p. The keyword list is built from
// phrases and overrides cfg.Keywords.
func NewSTTSpotter(p stt.Provider, cfg stt.StreamConfig, phrases []Phrase) (*STTSpotter, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no speech-to-text provider for the spotter", ErrModelUnavailable)
	}
	cfg.Channels = 1
	cfg.Keywords = Keywords(phrases, 2)
	return &STTSpotter{provider: p, cfg: cfg}, nil
}

// Keywords returns a boost entry for the canonical text and every variant.
func Keywords(phrases []Phrase, boost float64) []types.KeywordBoost {
	seen := make(map[string]bool)
	var out []types.KeywordBoost
	for _, p := range phrases {
		for _, k := range append([]string{p.Canonical}, p.Variants...) {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, types.KeywordBoost{Keyword: k, Boost: boost})
		}
	}
	return out
}

// Spot opens a session, sends the window, closes it and joins the finals.
// Confidence is the lowest final confidence, or zero when the engine reports
// none.
func (s *STTSpotter) Spot(ctx context.Context, frames []types.AudioFrame) (Hypothesis, error) {
	if len(frames) == 0 {
		return Hypothesis{}, nil
	}
	cfg := s.cfg
	if cfg.SampleRate == 0 {
		cfg.SampleRate = frames[0].SampleRate
	}
	sess, err := s.provider.StartStream(ctx, cfg)
	if err != nil {
		return Hypothesis{}, fmt.Errorf("wake: start spotter stream: %w", err)
	}

	var (
		wg    sync.WaitGroup
		texts []string
		conf  float64
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		audio.Drain(sess.Partials())
	}()
	go func() {
		defer wg.Done()
		for t := range sess.Finals() {
			if t.Text = strings.TrimSpace(t.Text); t.Text == "" {
				continue
			}
			texts = append(texts, t.Text)
			if t.Confidence > 0 && (conf == 0 || t.Confidence < conf) {
				conf = t.Confidence
			}
		}
	}()

	var sendErr error
	for _, f := range frames {
		if f.Channels > 1 {
			f.Samples = audio.Downmix(f.Samples, f.Channels)
		}
		if sendErr = sess.SendAudio(audio.SamplesToBytes(f.Samples)); sendErr != nil {
			break
		}
	}
	closeErr := sess.Close()
	wg.Wait()

	if sendErr != nil {
		return Hypothesis{}, fmt.Errorf("wake: send window: %w", sendErr)
	}
	if closeErr != nil {
		return Hypothesis{}, fmt.Errorf("wake: close spotter stream: %w", closeErr)
	}
	if err := ctx.Err(); err != nil {
		return Hypothesis{}, err
	}
	return Hypothesis{Text: strings.Join(texts, " "), Confidence: conf}, nil
}
