// Package command provides a TTS provider that runs a local synthesiser such
// as piper or espeak-ng once per sentence.
//
// The sentence is written to the process's stdin unless an argument contains
// the {text} placeholder, in which case it is substituted there instead.
// {voice} and {lang} are substituted from the requested [tts.Voice]. Output is
// read from stdout either as raw PCM16LE in the configured input format or as
// a WAV file.
//
//	// piper streams raw 22.05 kHz PCM
//	p, _ := command.New("piper", []string{"--model", "{voice}", "--output_raw"},
//	    command.WithInputFormat(audio.Format{SampleRate: 22050, Channels: 1}))
//
//	// espeak-ng writes a WAV file
//	p, _ := command.New("espeak-ng", []string{"--stdout", "-v", "{lang}", "{text}"},
//	    command.WithWAVOutput())
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	readChunk    = 4096
	audioChanBuf = 32
	killDelay    = 500 * time.Millisecond
)

// Option configures a Provider.
type Option func(*Provider)

// WithInputFormat sets the format of the raw PCM the process writes.
// Defaults to 22050 Hz mono, the rate of most piper voices.
func WithInputFormat(f audio.Format) Option {
	return func(p *Provider) {
		if f.SampleRate > 0 && f.Channels > 0 {
			p.input = f
		}
	}
}

// WithWAVOutput declares that the process writes a WAV file rather than raw
// PCM. The input format is then taken from the WAV header.
func WithWAVOutput() Option {
	return func(p *Provider) { p.wav = true }
}

// WithOutputSampleRate sets the rate delivered on the stream. Defaults to the
// input rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// WithDefaultVoice sets the voice used when the request leaves it empty.
func WithDefaultVoice(v tts.Voice) Option {
	return func(p *Provider) { p.defaultVoice = v }
}

// Provider implements tts.Provider. It is safe for concurrent use; each stream
// runs its own processes sequentially.
type Provider struct {
	name         string
	args         []string
	input        audio.Format
	wav          bool
	outputRate   int
	defaultVoice tts.Voice
}

// New creates a Provider running name with args.
func New(name string, args []string, opts ...Option) (*Provider, error) {
	if name == "" {
		return nil, errors.New("command: synthesiser command must not be empty")
	}
	p := &Provider{
		name:  name,
		args:  append([]string(nil), args...),
		input: audio.Format{SampleRate: 22050, Channels: 1},
	}
	for _, o := range opts {
		o(p)
	}
	if p.outputRate == 0 {
		p.outputRate = p.input.SampleRate
	}
	return p, nil
}

// Format reports mono PCM at the output rate.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

// SynthesizeStream runs one process per sentence. The first failing process
// ends the stream with its error.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (*tts.Stream, error) {
	if voice.ID == "" {
		voice.ID = p.defaultVoice.ID
	}
	if voice.Language == "" {
		voice.Language = p.defaultVoice.Language
	}
	if _, err := exec.LookPath(p.name); err != nil {
		return nil, fmt.Errorf("command: %s: %w", p.name, err)
	}

	st, out, finish := tts.NewStream(audioChanBuf)
	go func() {
		var pending strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					for _, s := range tts.SplitSentences(pending.String()) {
						if err := p.speak(ctx, s, voice, out); err != nil {
							finish(err)
							return
						}
					}
					finish(nil)
					return
				}
				pending.WriteString(fragment)
				sentences, rest := tts.CutSentences(pending.String())
				pending.Reset()
				pending.WriteString(rest)
				for _, sentence := range sentences {
					if err := p.speak(ctx, sentence, voice, out); err != nil {
						finish(err)
						return
					}
				}
			case <-ctx.Done():
				finish(ctx.Err())
				return
			}
		}
	}()
	return st, nil
}

// expand substitutes placeholders and reports whether {text} was used.
func (p *Provider) expand(sentence string, voice tts.Voice) ([]string, bool) {
	r := strings.NewReplacer("{voice}", voice.ID, "{lang}", voice.Language)
	args := make([]string, len(p.args))
	var inline bool
	for i, a := range p.args {
		if strings.Contains(a, "{text}") {
			inline = true
			a = strings.ReplaceAll(a, "{text}", sentence)
		}
		args[i] = r.Replace(a)
	}
	return args, inline
}

// speak synthesises one sentence and forwards its audio to out.
func (p *Provider) speak(ctx context.Context, sentence string, voice tts.Voice, out chan<- []byte) error {
	args, inline := p.expand(sentence, voice)
	cmd := exec.CommandContext(ctx, p.name, args...)
	cmd.WaitDelay = killDelay
	if !inline {
		cmd.Stdin = strings.NewReader(sentence + "\n")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("command: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("command: start %s: %w", p.name, err)
	}

	var readErr error
	if p.wav {
		readErr = p.forwardWAV(ctx, stdout, out)
	} else {
		readErr = p.forwardRaw(ctx, stdout, out)
	}
	if readErr != nil {
		// Unblock a process still writing into a pipe nobody reads.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case readErr != nil:
		return readErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("command: %s: %w: %s", p.name, waitErr, msg)
		}
		return fmt.Errorf("command: %s: %w", p.name, waitErr)
	}
	return nil
}

// forwardRaw converts and forwards PCM as it arrives so playback can start
// before the sentence is fully synthesised.
func (p *Provider) forwardRaw(ctx context.Context, r io.Reader, out chan<- []byte) error {
	frame := 2 * p.input.Channels
	buf := make([]byte, readChunk-readChunk%frame)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) - len(data)%frame
			carry = append([]byte(nil), data[whole:]...)
			if whole > 0 {
				if !send(ctx, out, p.convert(data[:whole], p.input)) {
					return ctx.Err()
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("command: read output: %w", err)
		}
	}
}

func (p *Provider) forwardWAV(ctx context.Context, r io.Reader, out chan<- []byte) error {
	wav, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("command: read output: %w", err)
	}
	if len(wav) == 0 {
		return nil
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	pcm = p.convert(pcm, f)
	for len(pcm) > 0 {
		end := min(readChunk, len(pcm))
		if !send(ctx, out, pcm[:end]) {
			return ctx.Err()
		}
		pcm = pcm[end:]
	}
	return nil
}

func (p *Provider) convert(pcm []byte, from audio.Format) []byte {
	if from.Channels == 1 && from.SampleRate == p.outputRate {
		return append([]byte(nil), pcm...)
	}
	samples := audio.Remix(audio.BytesToSamples(pcm), from.Channels, 1)
	samples = audio.Resample(samples, 1, from.SampleRate, p.outputRate)
	return audio.SamplesToBytes(samples)
}

func send(ctx context.Context, out chan<- []byte, b []byte) bool {
	if len(b) == 0 {
		return true
	}
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}
