// Package playback schedules synthesised speech onto an [audio.Sink].
//
// A [Player] owns one dispatch goroutine that pulls [Segment]s from a priority
// queue, converts their PCM to the sink format and writes it in fixed-size
// buffers. [Player.Stop] is the barge-in path: it never takes a lock, cancels
// the segment that is playing and invalidates everything queued before it.
package playback

import (
	"container/heap"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
)

const (
	// DefaultBufferDuration is the size of each sink write. Stop takes effect
	// within one buffer.
	DefaultBufferDuration = 20 * time.Millisecond

	defaultQueueCap = 8
)

// Segment is one stream of speech audio. Audio carries little-endian PCM16
// chunks and is closed by the producer when synthesis ends.
type Segment struct {
	// TurnID ties the segment to the dialog turn that produced it.
	TurnID string

	Audio      <-chan []byte
	SampleRate int
	Channels   int
	Priority   int

	gen         uint64
	done        chan struct{}
	doneOnce    sync.Once
	interrupted atomic.Bool
	streamErr   atomic.Pointer[error]
	writeErr    atomic.Pointer[error]
}

// NewSegment returns a segment ready to enqueue.
func NewSegment(turnID string, pcm <-chan []byte, sampleRate, channels int) *Segment {
	return &Segment{
		TurnID:     turnID,
		Audio:      pcm,
		SampleRate: sampleRate,
		Channels:   channels,
		done:       make(chan struct{}),
	}
}

// Done is closed when the segment finished playing, was interrupted or was
// discarded.
func (s *Segment) Done() <-chan struct{} { return s.done }

// Interrupted reports whether playback was cut short by Stop, preemption or
// Close. Only meaningful after Done is closed.
func (s *Segment) Interrupted() bool { return s.interrupted.Load() }

// SetStreamErr records a mid-stream synthesis error. The producer calls it
// before closing Audio.
func (s *Segment) SetStreamErr(err error) { s.streamErr.Store(&err) }

// Err returns the synthesis error recorded with SetStreamErr, or the sink
// write error that aborted playback.
func (s *Segment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	if p := s.writeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Segment) finish(interrupted bool) {
	s.doneOnce.Do(func() {
		if interrupted {
			s.interrupted.Store(true)
			go audio.Drain(s.Audio)
		}
		close(s.done)
	})
}

// Option configures a [Player].
type Option func(*Player)

// WithBufferDuration sets the sink write size. Default: [DefaultBufferDuration].
func WithBufferDuration(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.bufDur = d
		}
	}
}

// WithGap sets the silence between consecutive segments. Jitter of ±1/6 of the
// gap is applied. Default: none.
func WithGap(d time.Duration) Option {
	return func(p *Player) { p.gap = d }
}

// WithLevelHandler registers fn to receive the 0–100 output level of every
// buffer written.
func WithLevelHandler(fn func(level int)) Option {
	return func(p *Player) { p.onLevel = fn }
}

// Player plays segments one at a time on an [audio.Sink].
//
// Higher-priority segments preempt the one playing; equal priorities play in
// FIFO order. All exported methods are safe for concurrent use.
type Player struct {
	sink    audio.Sink
	bufDur  time.Duration
	gap     time.Duration
	onLevel func(int)

	// gen is bumped by Stop. Segments enqueued under an older generation are
	// discarded instead of played.
	gen    atomic.Uint64
	cancel atomic.Pointer[chan struct{}]

	mu         sync.Mutex
	queue      segmentHeap
	seq        uint64
	playing    *Segment
	playingPri int
	closed     bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New creates a player writing to sink and starts its dispatch goroutine.
// Call [Player.Close] to stop it.
func New(sink audio.Sink, opts ...Option) *Player {
	p := &Player{
		sink:   sink,
		bufDur: DefaultBufferDuration,
		queue:  make(segmentHeap, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	heap.Init(&p.queue)
	go p.dispatch()
	return p
}

// Enqueue schedules seg. If seg has a higher priority than the segment that
// is playing, the current one is interrupted.
func (p *Player) Enqueue(seg *Segment) {
	if seg.done == nil {
		seg.done = make(chan struct{})
	}
	seg.gen = p.gen.Load()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		seg.finish(true)
		return
	}
	p.seq++
	heap.Push(&p.queue, entry{segment: seg, priority: seg.Priority, seq: p.seq})
	preempt := p.playing != nil && seg.Priority > p.playingPri
	p.mu.Unlock()

	if preempt {
		p.cancelCurrent()
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Stop interrupts the segment that is playing and discards every segment
// enqueued before the call. It does not block and takes no locks; calling it
// while idle is a no-op.
func (p *Player) Stop() {
	p.gen.Add(1)
	p.cancelCurrent()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Playing reports whether a segment is being played.
func (p *Player) Playing() bool {
	return p.cancel.Load() != nil
}

// Close interrupts playback, discards queued segments and stops the dispatch
// goroutine. It does not close the sink. Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for p.queue.Len() > 0 {
		e := heap.Pop(&p.queue).(entry)
		e.segment.finish(true)
	}
	p.mu.Unlock()

	p.cancelCurrent()
	close(p.done)
	<-p.exited
	return nil
}

func (p *Player) cancelCurrent() {
	if ch := p.cancel.Swap(nil); ch != nil {
		close(*ch)
	}
}

func (p *Player) dispatch() {
	defer close(p.exited)

	var lastPlayed bool
	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			seg, token, ok := p.dequeue()
			if !ok {
				break
			}
			if seg == nil {
				continue // stale segment discarded
			}
			cancel := *token

			if lastPlayed {
				if d := p.gapWithJitter(); d > 0 {
					select {
					case <-p.done:
						p.finishPlaying(seg, token, true)
						return
					case <-cancel:
						p.finishPlaying(seg, token, true)
						continue
					case <-time.After(d):
					}
				}
			}

			interrupted := p.play(seg, cancel)
			lastPlayed = true
			p.finishPlaying(seg, token, interrupted)
		}
	}
}

// dequeue pops the next segment and installs a fresh cancel channel for it.
// Segments from an older generation are finished as interrupted and reported
// as (nil, nil, true).
func (p *Player) dequeue() (*Segment, *chan struct{}, bool) {
	p.mu.Lock()
	if p.queue.Len() == 0 || p.closed {
		p.mu.Unlock()
		return nil, nil, false
	}
	e := heap.Pop(&p.queue).(entry)
	seg := e.segment
	if seg.gen != p.gen.Load() {
		p.mu.Unlock()
		seg.finish(true)
		return nil, nil, true
	}
	p.playing = seg
	p.playingPri = e.priority
	p.mu.Unlock()

	cancel := make(chan struct{})
	token := &cancel
	p.cancel.Store(token)
	// Stop may have run between the generation check and the store.
	if seg.gen != p.gen.Load() {
		p.cancelCurrent()
	}
	return seg, token, true
}

func (p *Player) finishPlaying(seg *Segment, token *chan struct{}, interrupted bool) {
	p.mu.Lock()
	if p.playing == seg {
		p.playing = nil
	}
	p.mu.Unlock()
	p.cancel.CompareAndSwap(token, nil)
	seg.finish(interrupted)
}

// play streams seg to the sink. It reports whether playback was interrupted.
func (p *Player) play(seg *Segment, cancel <-chan struct{}) bool {
	target := p.sink.Format()
	bufSamples := int(int64(target.SampleRate)*int64(p.bufDur)/int64(time.Second)) * max(target.Channels, 1)
	pending := make([]int16, 0, bufSamples*2)

	write := func(buf []int16) bool {
		select {
		case <-cancel:
			return false
		default:
		}
		if err := p.sink.Write(buf); err != nil {
			slog.Warn("playback: sink write failed", "turn", seg.TurnID, "err", err)
			seg.writeErr.Store(&err)
			return false
		}
		if p.onLevel != nil {
			p.onLevel(audio.Level(audio.RMS(buf)))
		}
		return true
	}

	for {
		select {
		case <-p.done:
			p.sink.Flush()
			return true
		case <-cancel:
			p.sink.Flush()
			return true
		case chunk, ok := <-seg.Audio:
			if !ok {
				if len(pending) > 0 && !write(pending) {
					p.sink.Flush()
					return true
				}
				return false
			}
			pending = append(pending, convert(chunk, seg, target)...)
			for len(pending) >= bufSamples {
				if !write(pending[:bufSamples]) {
					p.sink.Flush()
					return true
				}
				pending = pending[bufSamples:]
			}
		}
	}
}

func convert(chunk []byte, seg *Segment, target audio.Format) []int16 {
	samples := audio.BytesToSamples(chunk)
	channels := max(seg.Channels, 1)
	if seg.SampleRate > 0 && seg.SampleRate != target.SampleRate {
		samples = audio.Resample(samples, channels, seg.SampleRate, target.SampleRate)
	}
	return audio.Remix(samples, channels, target.Channels)
}

func (p *Player) gapWithJitter() time.Duration {
	base := p.gap
	if base <= 0 {
		return 0
	}
	jitter := base / 6
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(2*jitter+1))) - jitter
}
