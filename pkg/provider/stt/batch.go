package stt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/types"
)

// DefaultSilenceRMS is the normalised RMS level below which a buffered
// utterance is treated as silence and not sent for inference. It corresponds
// to roughly 300 in 16-bit sample units.
const DefaultSilenceRMS = 0.009

// ErrSessionClosed is returned by SendAudio once a session has been closed.
var ErrSessionClosed = errors.New("stt: session closed")

// InferFunc transcribes a complete PCM16LE buffer in one request.
type InferFunc func(ctx context.Context, pcm []byte) (string, error)

// BatchConfig controls how a BatchSession turns a stream into batch requests.
type BatchConfig struct {
	SampleRate int
	Channels   int

	// PartialEvery re-runs inference over the whole buffer each time this much
	// new audio has arrived and emits the result as a partial. Zero disables
	// partials.
	PartialEvery time.Duration

	// MaxBuffer forces a final once the buffer holds this much audio. The
	// buffer is then cleared and the session keeps going. Zero means unbounded.
	MaxBuffer time.Duration

	// SilenceRMS skips inference for buffers quieter than this. Zero uses
	// DefaultSilenceRMS.
	SilenceRMS float64

	// FlushTimeout bounds the inference run by Close. Defaults to 30 s.
	FlushTimeout time.Duration
}

// BatchSession adapts a batch transcription engine to SessionHandle.
//
// Audio is buffered for the whole session. vigil opens one session per
// utterance, so the final is produced by Close. All buffer state is confined
// to the session goroutine.
type BatchSession struct {
	cfg   BatchConfig
	infer InferFunc

	audioCh  chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ SessionHandle = (*BatchSession)(nil)

// NewBatchSession starts the session goroutine. Inference errors drop the
// affected result; the session itself keeps running.
func NewBatchSession(ctx context.Context, cfg BatchConfig, infer InferFunc) *BatchSession {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = DefaultSilenceRMS
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	s := &BatchSession{
		cfg:      cfg,
		infer:    infer,
		audioCh:  make(chan []byte, 256),
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

// SendAudio queues a chunk. It returns ErrSessionClosed after Close.
func (s *BatchSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Partials returns the interim channel.
func (s *BatchSession) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the committed channel.
func (s *BatchSession) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords returns ErrNotSupported; batch engines take no boost list.
func (s *BatchSession) SetKeywords([]types.KeywordBoost) error {
	return ErrNotSupported
}

// Close transcribes what is buffered, emits it as a final and closes both
// channels. It blocks until inference finishes or FlushTimeout elapses.
func (s *BatchSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *BatchSession) bytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	perSec := s.cfg.SampleRate * s.cfg.Channels * 2
	return int(int64(perSec) * int64(d) / int64(time.Second))
}

func (s *BatchSession) duration(n int) time.Duration {
	perSec := s.cfg.SampleRate * s.cfg.Channels * 2
	return time.Duration(int64(n) * int64(time.Second) / int64(perSec))
}

func (s *BatchSession) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte
		sincePart int
		offset    time.Duration
	)
	partialBytes := s.bytesFor(s.cfg.PartialEvery)
	maxBytes := s.bytesFor(s.cfg.MaxBuffer)

	run := func(runCtx context.Context, pcm []byte) string {
		if len(pcm) < 2 || audio.RMS(audio.BytesToSamples(pcm)) < s.cfg.SilenceRMS {
			return ""
		}
		text, err := s.infer(runCtx, pcm)
		if err != nil {
			return ""
		}
		return text
	}

	commit := func(runCtx context.Context) {
		pcm := buffer
		buffer = nil
		sincePart = 0
		text := run(runCtx, pcm)
		t := types.Transcript{
			Text:      text,
			IsFinal:   true,
			Timestamp: offset,
			Duration:  s.duration(len(pcm)),
		}
		offset += t.Duration
		if text == "" {
			return
		}
		select {
		case s.finals <- t:
		case <-runCtx.Done():
		}
	}

	flush := func() {
		fc, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
		defer cancel()
		// Drain chunks that were queued before Close.
		for {
			select {
			case chunk := <-s.audioCh:
				buffer = append(buffer, chunk...)
				continue
			default:
			}
			break
		}
		commit(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-s.done:
			flush()
			return
		case chunk := <-s.audioCh:
			buffer = append(buffer, chunk...)
			sincePart += len(chunk)
			if maxBytes > 0 && len(buffer) >= maxBytes {
				commit(ctx)
				continue
			}
			if partialBytes > 0 && sincePart >= partialBytes {
				sincePart = 0
				if text := run(ctx, buffer); text != "" {
					select {
					case s.partials <- types.Transcript{Text: text, Timestamp: offset, Duration: s.duration(len(buffer))}:
					default:
					}
				}
			}
		}
	}
}
