// Package tts defines the Provider interface for text-to-speech backends.
//
// SynthesizeStream consumes text fragments from a channel and returns a
// Stream of raw PCM16LE audio in the provider's Format, so sentences can be
// spoken while later ones are still being synthesised. A Stream reports a
// mid-stream failure through Err once its Audio channel is closed.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/vigil/pkg/audio"
)

// Voice selects how text is spoken. Zero values use the provider defaults.
type Voice struct {
	// ID is the provider-specific voice identifier (ElevenLabs voice ID,
	// Coqui speaker, piper model path).
	ID string

	// Language is a BCP-47 tag or bare ISO code.
	Language string

	// Speed scales the speaking rate; 1.0 is normal.
	Speed float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream reads text until the channel is closed or ctx is
	// cancelled. It returns an error only if the stream cannot be started.
	// The caller must drain Stream.Audio.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (*Stream, error)

	// Format is the PCM format of every chunk the provider emits.
	Format() audio.Format
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Stream is a running synthesis.
type Stream struct {
	// Audio carries PCM16LE chunks and is closed when synthesis ends.
	Audio <-chan []byte

	err error
}

// Err returns the error that ended the stream early, or nil. It is valid
// only after Audio has been closed.
func (s *Stream) Err() error { return s.err }

// NewStream creates a Stream and the producer side of its channel. finish
// records err (which may be nil) and closes the channel; call it exactly once.
func NewStream(buffer int) (s *Stream, out chan<- []byte, finish func(err error)) {
	ch := make(chan []byte, buffer)
	s = &Stream{Audio: ch}
	return s, ch, func(err error) {
		s.err = err
		close(ch)
	}
}

// SentenceBoundary returns the index of the first '.', '!', '?' or '…' that
// ends s or is followed by whitespace, or -1. "3.14" and "Dr.X" are not
// boundaries.
func SentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '.', '!', '?', '…':
			next := i + utf8.RuneLen(r)
			if next >= len(s) {
				return i
			}
			if unicode.IsSpace(rune(s[next])) {
				return i
			}
		}
	}
	return -1
}

// SplitSentences splits text at sentence boundaries, trimming whitespace and
// dropping empty pieces. Text without a terminator is returned as one
// sentence.
func SplitSentences(text string) []string {
	var out []string
	for {
		idx := SentenceBoundary(text)
		if idx < 0 {
			break
		}
		_, size := utf8.DecodeRuneInString(text[idx:])
		if s := strings.TrimSpace(text[:idx+size]); s != "" {
			out = append(out, s)
		}
		text = text[idx+size:]
	}
	if s := strings.TrimSpace(text); s != "" {
		out = append(out, s)
	}
	return out
}

// CutSentences splits buffered text into its complete sentences and the
// unterminated remainder that should wait for more fragments.
func CutSentences(text string) (sentences []string, rest string) {
	end := 0
	for {
		idx := SentenceBoundary(text[end:])
		if idx < 0 {
			break
		}
		_, size := utf8.DecodeRuneInString(text[end+idx:])
		end += idx + size
	}
	return SplitSentences(text[:end]), text[end:]
}
