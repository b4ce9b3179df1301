// Package mock provides in-memory mock implementations of the
// [audio.InputDevice] and [audio.Renderer] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.InputDevice{}
//	r := &mock.Renderer{Rate: 24000}
//	stream, _ := dev.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1}, 4096)
//	dev.Stream().Push(audio.AudioFrame{...})
//	r.Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/aurora/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*InputDevice)(nil)
	_ audio.InputStream = (*InputStream)(nil)
	_ audio.Renderer    = (*Renderer)(nil)
	_ audio.LoopVoice   = (*LoopVoice)(nil)
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] whose frames are supplied by the
// test through [InputStream.Push].
type InputStream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by [InputStream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// OnClose, if non-nil, is called on every Close.
	OnClose func()
}

// NewInputStream returns a stream with a frame buffer of the given capacity.
func NewInputStream(capacity int) *InputStream {
	return &InputStream{frames: make(chan audio.AudioFrame, capacity)}
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Push delivers a frame as if the device captured it. It reports false when
// the stream is closed or its buffer is full, mirroring a device that drops
// frames instead of blocking.
func (s *InputStream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Fail closes the frame channel without a Close call, simulating a device
// that disappeared.
func (s *InputStream) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Close implements [audio.InputStream]. Returns CloseError.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	if s.OnClose != nil {
		s.OnClose()
	}
	return s.CloseError
}

// Closed reports whether the stream has been closed.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [InputDevice.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	BlockSize int
}

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// Capacity is the frame buffer of streams created by Open. Defaults to 64.
	Capacity int

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	stream *InputStream
}

// Open implements [audio.InputDevice]. Records the call and returns a fresh
// [InputStream] or OpenError.
func (d *InputDevice) Open(_ context.Context, format audio.Format, blockSize int) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: format, BlockSize: blockSize})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	capacity := d.Capacity
	if capacity <= 0 {
		capacity = 64
	}
	d.stream = NewInputStream(capacity)
	return d.stream, nil
}

// Stream returns the stream created by the most recent successful Open, or
// nil.
func (d *InputDevice) Stream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// ─── Renderer ─────────────────────────────────────────────────────────────────

// Voice is a mock one-shot voice created by [Renderer.Schedule].
type Voice struct {
	r *Renderer

	// Buffer, At and Rate are the Schedule arguments.
	Buffer audio.Buffer
	At     time.Duration
	Rate   float64

	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.r.mu.Lock()
	if !v.ended {
		v.stopped = true
	}
	hook := v.r.OnStop
	v.r.mu.Unlock()
	if hook != nil {
		hook(v)
	}
}

// Stopped reports whether Stop was called before the voice finished.
func (v *Voice) Stopped() bool {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	return v.stopped
}

// End returns the clock time at which the voice finishes playing.
func (v *Voice) End() time.Duration {
	return v.At + time.Duration(float64(v.Buffer.Duration())/v.Rate)
}

// LoopVoice is a mock looping voice created by [Renderer.Loop].
type LoopVoice struct {
	r *Renderer

	// Buffer is the looped buffer.
	Buffer audio.Buffer

	gain    float64
	stopped bool

	// SetGainCalls records every SetGain argument.
	SetGainCalls []float64
}

// Stop implements [audio.Voice].
func (l *LoopVoice) Stop() {
	l.r.mu.Lock()
	l.stopped = true
	hook := l.r.OnStop
	l.r.mu.Unlock()
	if hook != nil {
		hook(l)
	}
}

// Stopped reports whether Stop was called.
func (l *LoopVoice) Stopped() bool {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	return l.stopped
}

// SetGain implements [audio.LoopVoice].
func (l *LoopVoice) SetGain(g float64) {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	l.gain = g
	l.SetGainCalls = append(l.SetGainCalls, g)
}

// Gain implements [audio.LoopVoice].
func (l *LoopVoice) Gain() float64 {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	return l.gain
}

// Renderer is a mock implementation of [audio.Renderer] driven by a manual
// clock. Voices end only when the test advances the clock past their end time.
type Renderer struct {
	mu  sync.Mutex
	now time.Duration

	// Rate is returned by SampleRate. Defaults to 24000.
	Rate int

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// LoopError is returned by Loop when non-nil.
	LoopError error

	// Voices records every scheduled voice in call order.
	Voices []*Voice

	// Loops records every loop in call order.
	Loops []*LoopVoice

	// OnStop, if non-nil, is called with the *Voice or *LoopVoice on every
	// Stop, without the renderer lock held.
	OnStop func(v audio.Voice)
}

// SampleRate implements [audio.Renderer].
func (r *Renderer) SampleRate() int {
	if r.Rate <= 0 {
		return 24000
	}
	return r.Rate
}

// Now implements [audio.Renderer].
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Schedule implements [audio.Renderer]. Records the voice.
func (r *Renderer) Schedule(buf audio.Buffer, at time.Duration, rate float64, onEnded func()) (audio.Voice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ScheduleError != nil {
		return nil, r.ScheduleError
	}
	v := &Voice{r: r, Buffer: buf, At: at, Rate: rate, onEnded: onEnded}
	r.Voices = append(r.Voices, v)
	return v, nil
}

// Loop implements [audio.Renderer]. Records the loop.
func (r *Renderer) Loop(buf audio.Buffer, gain float64) (audio.LoopVoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LoopError != nil {
		return nil, r.LoopError
	}
	l := &LoopVoice{r: r, Buffer: buf, gain: gain}
	r.Loops = append(r.Loops, l)
	return l, nil
}

// Advance moves the clock forward by d and fires the ended callback of every
// voice that has finished by the new time, in schedule order. Callbacks run
// synchronously on the caller's goroutine without the renderer lock held.
func (r *Renderer) Advance(d time.Duration) {
	r.mu.Lock()
	r.now += d
	now := r.now
	var fire []func()
	for _, v := range r.Voices {
		if v.stopped || v.ended || v.End() > now {
			continue
		}
		v.ended = true
		if v.onEnded != nil {
			fire = append(fire, v.onEnded)
		}
	}
	r.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// ScheduledVoices returns a snapshot of all scheduled voices.
func (r *Renderer) ScheduledVoices() []*Voice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Voice, len(r.Voices))
	copy(out, r.Voices)
	return out
}

// LoopVoices returns a snapshot of all loops.
func (r *Renderer) LoopVoices() []*LoopVoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LoopVoice, len(r.Loops))
	copy(out, r.Loops)
	return out
}
