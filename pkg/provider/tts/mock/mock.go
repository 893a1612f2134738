// Package mock provides a recording test double for tts.Provider.
//
// By default every text fragment is answered with ChunkBytes of silence, so
// playback length follows the amount of text. Chunks overrides that with a
// fixed sequence.
//
//	p := &mock.Provider{ChunkBytes: 640}
//	st, _ := p.SynthesizeStream(ctx, textCh, tts.Voice{})
//	p.Texts() // fragments received so far
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/tts"
)

// Call records one SynthesizeStream invocation.
type Call struct {
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// OutputFormat is returned by Format. Defaults to 16 kHz mono.
	OutputFormat audio.Format

	// Chunks, when non-nil, is emitted once after the text channel closes
	// instead of per-fragment audio.
	Chunks [][]byte

	// ChunkBytes is the size of the silent chunk emitted per fragment when
	// Chunks is nil. Defaults to 320 (10 ms at 16 kHz).
	ChunkBytes int

	// SynthesizeErr is returned from SynthesizeStream without starting.
	SynthesizeErr error

	// StreamErr ends every stream after the first fragment with this error.
	StreamErr error

	// Hold blocks each stream after its first chunk until ctx is cancelled.
	Hold bool

	Calls []Call
	texts []string
}

var _ tts.Provider = (*Provider)(nil)

// Format returns OutputFormat or 16 kHz mono.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OutputFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.OutputFormat
}

// SynthesizeStream records the call and synthesises according to the
// configured fields.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (*tts.Stream, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.Chunks...)
	useChunks := p.Chunks != nil
	size := p.ChunkBytes
	if size <= 0 {
		size = 320
	}
	streamErr, hold := p.StreamErr, p.Hold
	p.mu.Unlock()

	st, out, finish := tts.NewStream(16)
	go func() {
		send := func(b []byte) bool {
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}
		first := true
		for {
			var (
				frag string
				ok   bool
			)
			select {
			case frag, ok = <-text:
			case <-ctx.Done():
				finish(ctx.Err())
				return
			}
			if !ok {
				break
			}
			p.mu.Lock()
			p.texts = append(p.texts, frag)
			p.mu.Unlock()
			if streamErr != nil {
				finish(streamErr)
				go drain(text)
				return
			}
			if !useChunks && !send(make([]byte, size)) {
				finish(ctx.Err())
				return
			}
			if hold && first {
				<-ctx.Done()
				finish(ctx.Err())
				go drain(text)
				return
			}
			first = false
		}
		for _, c := range chunks {
			if !send(c) {
				finish(ctx.Err())
				return
			}
		}
		finish(nil)
	}()
	return st, nil
}

func drain(text <-chan string) {
	for range text {
	}
}

// Texts returns every fragment received, across all calls, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// CallCount returns the number of SynthesizeStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears recorded calls and text.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.texts = nil
}
