// Package mock provides a scripted wake.Spotter for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vigil/internal/wake"
	"github.com/MrWong99/vigil/pkg/types"
)

// Spotter returns scripted hypotheses in order and records every window.
// Once the script is exhausted it returns Default.
type Spotter struct {
	mu sync.Mutex

	Script  []wake.Hypothesis
	Default wake.Hypothesis
	Err     error

	// Block, when non-nil, makes Spot wait for a receive before returning.
	Block chan struct{}

	windows [][]types.AudioFrame
}

var _ wake.Spotter = (*Spotter)(nil)

// Spot implements wake.Spotter.
func (s *Spotter) Spot(ctx context.Context, frames []types.AudioFrame) (wake.Hypothesis, error) {
	s.mu.Lock()
	s.windows = append(s.windows, append([]types.AudioFrame(nil), frames...))
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return wake.Hypothesis{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return wake.Hypothesis{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.Default, nil
	}
	h := s.Script[0]
	s.Script = s.Script[1:]
	return h, nil
}

// Windows returns copies of every window received.
func (s *Spotter) Windows() [][]types.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]types.AudioFrame(nil), s.windows...)
}

// Calls returns the number of Spot calls.
func (s *Spotter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
