// Package playback schedules decoded response audio gaplessly on an
// [audio.Renderer] clock and silences it on barge-in.
//
// Each buffer starts exactly where the previous one ends. When the renderer
// clock has already passed that point (the stream ran dry), the next buffer
// starts immediately instead of in the past:
//
//	start = max(next, now)
//	next  = start + duration/rate
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/aurora/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Recorder receives playback metrics. observe.Metrics satisfies it.
type Recorder interface {
	RecordPlaybackChunk(ctx context.Context)
	RecordInterruption(ctx context.Context, n int)
}

// Item describes one scheduled buffer. It stays live until its voice ends
// naturally or is silenced by [Scheduler.Interrupt].
type Item struct {
	ID     uint64
	Buffer audio.Buffer
	Rate   float64
	Start  time.Duration
}

// End returns the clock time at which the item finishes playing.
func (it Item) End() time.Duration {
	return it.Start + time.Duration(float64(it.Buffer.Duration())/it.Rate)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithRate sets the initial playback-rate multiplier. Invalid values are
// ignored.
func WithRate(r float64) Option {
	return func(s *Scheduler) {
		if validRate(r) {
			s.rate = r
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.rec = r
	}
}

// Scheduler is the playback queue for one session. All methods are safe for
// concurrent use.
type Scheduler struct {
	r   audio.Renderer
	rec Recorder

	mu     sync.Mutex
	next   time.Duration
	rate   float64
	seq    uint64
	live   map[uint64]audio.Voice
	closed bool
}

// New creates a scheduler rendering on r at rate 1.0.
func New(r audio.Renderer, opts ...Option) *Scheduler {
	s := &Scheduler{
		r:    r,
		rate: 1,
		live: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start at max(next, now) using the current rate
// and advances the cursor by its scaled duration. If the renderer refuses the
// buffer the cursor is left unchanged.
func (s *Scheduler) Enqueue(buf audio.Buffer) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Item{}, ErrClosed
	}

	start := max(s.next, s.r.Now())
	s.seq++
	it := Item{ID: s.seq, Buffer: buf, Rate: s.rate, Start: start}

	id := it.ID
	v, err := s.r.Schedule(buf, start, it.Rate, func() { s.ended(id) })
	if err != nil {
		return Item{}, fmt.Errorf("playback: schedule: %w", err)
	}
	s.next = it.End()
	s.live[id] = v

	if s.rec != nil {
		s.rec.RecordPlaybackChunk(context.Background())
	}
	return it, nil
}

// Interrupt silences every live item, empties the live set and resets the
// cursor so the next buffer starts at the current clock time. It returns the
// number of items stopped and is safe to call with nothing playing.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptLocked()
}

func (s *Scheduler) interruptLocked() int {
	n := len(s.live)
	for id, v := range s.live {
		v.Stop()
		delete(s.live, id)
	}
	s.next = 0
	if n > 0 && s.rec != nil {
		s.rec.RecordInterruption(context.Background(), n)
	}
	return n
}

// SetRate changes the playback rate applied to buffers enqueued from now on.
// Items already scheduled keep their rate.
func (s *Scheduler) SetRate(r float64) error {
	if !validRate(r) {
		return fmt.Errorf("playback: invalid speaking rate %v", r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = r
	return nil
}

// Rate returns the current playback rate.
func (s *Scheduler) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Live returns the number of items scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// NextStart returns the cursor: the earliest time the next buffer may start.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close interrupts playback and refuses further buffers. Close is idempotent
// and always returns nil.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.interruptLocked()
	return nil
}

// ended removes an item whose voice finished naturally. Items already
// dropped by Interrupt are ignored.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

func validRate(r float64) bool {
	return r > 0 && !math.IsNaN(r) && !math.IsInf(r, 0)
}
