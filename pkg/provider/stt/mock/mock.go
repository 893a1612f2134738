// Package mock provides recording test doubles for the stt interfaces.
//
// Session follows the real session contract: Close emits FinalOnClose (when
// set) and closes both channels exactly once, so consumers that drain Finals
// terminate.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/vigil/pkg/provider/stt"
	"github.com/MrWong99/vigil/pkg/types"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock: session closed")

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// NewSession, when set, builds the session for each StartStream call.
	// Otherwise Session is returned, or a fresh NewSession() when nil.
	NewSession func(cfg stt.StreamConfig) *Session
	Session    *Session

	StartStreamErr error

	Configs  []stt.StreamConfig
	Sessions []*Session
}

// StartStream records the call and returns a session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	var s *Session
	switch {
	case p.NewSession != nil:
		s = p.NewSession(cfg)
	case p.Session != nil:
		s = p.Session
	default:
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// StartCount returns how many sessions were opened.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}

// LastSession returns the most recently opened session.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool

	// FinalOnClose is emitted on Finals during Close when non-empty.
	FinalOnClose string

	// OnAudio is called (outside the lock) for every SendAudio chunk.
	OnAudio func(s *Session, chunk []byte)

	SendAudioErr   error
	SetKeywordsErr error

	chunks     [][]byte
	keywords   [][]types.KeywordBoost
	closeCalls int
}

// NewSession returns a session with buffered channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		err := s.SendAudioErr
		s.mu.Unlock()
		return err
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	hook := s.OnAudio
	s.mu.Unlock()
	if hook != nil {
		hook(s, chunk)
	}
	return nil
}

// EmitPartial pushes a partial hypothesis. Ignored after Close.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.partials <- types.Transcript{Text: text}
}

// EmitFinal pushes a final result. Ignored after Close.
func (s *Session) EmitFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finals <- types.Transcript{Text: text, IsFinal: true}
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords records the call and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append(s.keywords, append([]types.KeywordBoost(nil), keywords...))
	return s.SetKeywordsErr
}

// Close emits FinalOnClose and closes both channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	if s.FinalOnClose != "" {
		s.finals <- types.Transcript{Text: s.FinalOnClose, IsFinal: true}
	}
	close(s.partials)
	close(s.finals)
	return nil
}

// Chunks returns copies of every chunk received.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

// BytesReceived returns the total number of audio bytes received.
func (s *Session) BytesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ stt.SessionHandle = (*Session)(nil)
