// Package ambient plays an optional looping background track under the
// agent's voice. The loop runs on its own gain stage, so volume changes ramp
// smoothly without restarting the track, and playback interruptions never
// touch it.
package ambient

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/aurora/pkg/audio"
)

var (
	// ErrUnknownTrack is returned for a track name outside the fixed set.
	ErrUnknownTrack = errors.New("unknown ambient track")

	// ErrClosed is returned by [Mixer.Apply] after [Mixer.Close].
	ErrClosed = errors.New("ambient: mixer closed")
)

// Settings selects the background track and its level.
type Settings struct {
	Track   Track
	Volume  float64
	Enabled bool
}

// Audible reports whether s should produce sound.
func (s Settings) Audible() bool {
	return s.Enabled && s.Track != TrackNone && s.Track != ""
}

// Option configures a [Mixer].
type Option func(*Mixer)

// WithSeed seeds the noise generator. Without it every loop uses a fresh
// random seed.
func WithSeed(seed uint64) Option {
	return func(m *Mixer) {
		m.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithLoopLength overrides [DefaultLoopLength].
func WithLoopLength(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.length = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Mixer) {
		if l != nil {
			m.log = l
		}
	}
}

// Mixer owns at most one looping voice on a renderer. It is safe for
// concurrent use.
type Mixer struct {
	r      audio.Renderer
	rng    *rand.Rand
	length time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	cur     Settings
	loop    audio.LoopVoice
	buffers map[Track]audio.Buffer
	closed  bool
}

// New creates an idle ambient mixer on r.
func New(r audio.Renderer, opts ...Option) *Mixer {
	m := &Mixer{
		r:       r,
		length:  DefaultLoopLength,
		log:     slog.Default(),
		buffers: make(map[Track]audio.Buffer),
	}
	for _, o := range opts {
		o(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return m
}

// Apply moves the mixer to s:
//
//   - not audible: the running loop (if any) is stopped and released.
//   - same track already running: only the gain target changes.
//   - otherwise: the old loop stops and a new one fades in from silence.
//
// Volume is clamped to [0, 1].
func (m *Mixer) Apply(s Settings) error {
	if s.Track != "" && s.Track != TrackNone && !s.Track.Valid() {
		return fmt.Errorf("ambient: %w %q", ErrUnknownTrack, s.Track)
	}
	s.Volume = clampVolume(s.Volume)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if !s.Audible() {
		m.stopLocked()
		m.cur = s
		return nil
	}

	if m.loop != nil && m.cur.Track == s.Track {
		m.loop.SetGain(s.Volume)
		m.cur = s
		return nil
	}

	m.stopLocked()
	buf, err := m.bufferLocked(s.Track)
	if err != nil {
		return err
	}
	lv, err := m.r.Loop(buf, 0)
	if err != nil {
		return fmt.Errorf("ambient: start %s: %w", s.Track, err)
	}
	lv.SetGain(s.Volume)
	m.loop = lv
	m.cur = s
	m.log.Debug("ambient track started", "track", s.Track, "volume", s.Volume)
	return nil
}

// Settings returns the most recently applied settings.
func (m *Mixer) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Playing reports whether a loop is currently running.
func (m *Mixer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loop != nil
}

// Close stops the loop and refuses further changes. Close is idempotent and
// always returns nil.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.stopLocked()
	return nil
}

func (m *Mixer) stopLocked() {
	if m.loop != nil {
		m.loop.Stop()
		m.loop = nil
	}
}

func (m *Mixer) bufferLocked(t Track) (audio.Buffer, error) {
	if buf, ok := m.buffers[t]; ok {
		return buf, nil
	}
	buf, err := Generate(t, m.r.SampleRate(), m.length, m.rng)
	if err != nil {
		return audio.Buffer{}, err
	}
	m.buffers[t] = buf
	return buf, nil
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
