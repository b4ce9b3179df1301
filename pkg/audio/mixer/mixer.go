package mixer

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/aurora/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Renderer  = (*Mixer)(nil)
	_ audio.Voice     = (*voice)(nil)
	_ audio.LoopVoice = (*loopVoice)(nil)
)

const (
	// DefaultGainTimeConstant is the time constant of the exponential ramp
	// applied when a loop's gain changes.
	DefaultGainTimeConstant = 200 * time.Millisecond

	defaultQueueCap = 16
)

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithChannels sets the number of interleaved output channels. Values below 1
// are ignored.
func WithChannels(n int) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.channels = n
		}
	}
}

// WithGainTimeConstant sets the time constant of gain ramps. Zero makes gain
// changes take effect on the next rendered frame.
func WithGainTimeConstant(d time.Duration) Option {
	return func(m *Mixer) {
		if d >= 0 {
			m.gainTau = d
		}
	}
}

// Mixer is a concrete [audio.Renderer] rendering into interleaved float
// buffers.
//
// All exported methods are safe for concurrent use. Ended callbacks run on a
// dedicated notifier goroutine, never while the render lock is held, so they
// may call back into the mixer.
type Mixer struct {
	rate     int
	channels int
	gainTau  time.Duration
	alpha    float64 // per-frame gain smoothing coefficient

	mu      sync.Mutex
	frames  int64 // output frames rendered so far; the clock
	seq     uint64
	pending voiceHeap // scheduled, not yet started
	active  []*voice
	loops   []*loopVoice
	closed  bool

	nmu     sync.Mutex
	ended   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New creates a [Mixer] producing output at sampleRate. It starts the
// notifier goroutine immediately; call [Mixer.Close] to release it.
func New(sampleRate int, opts ...Option) (*Mixer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("mixer: invalid sample rate %d", sampleRate)
	}
	m := &Mixer{
		rate:     sampleRate,
		channels: 1,
		gainTau:  DefaultGainTimeConstant,
		pending:  make(voiceHeap, 0, defaultQueueCap),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.alpha = 1
	if m.gainTau > 0 {
		m.alpha = 1 - math.Exp(-1/(m.gainTau.Seconds()*float64(m.rate)))
	}
	heap.Init(&m.pending)
	go m.notifier()
	return m, nil
}

// SampleRate implements [audio.Renderer].
func (m *Mixer) SampleRate() int { return m.rate }

// Channels returns the interleaved output channel count.
func (m *Mixer) Channels() int { return m.channels }

// Now implements [audio.Renderer]. The clock is the number of frames rendered
// divided by the sample rate.
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameTime(m.frames)
}

// Schedule implements [audio.Renderer]. A start time already in the past
// starts the voice on the next rendered frame.
func (m *Mixer) Schedule(buf audio.Buffer, at time.Duration, rate float64, onEnded func()) (audio.Voice, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("mixer: invalid playback rate %v", rate)
	}
	if buf.SampleRate <= 0 {
		return nil, fmt.Errorf("mixer: buffer has invalid sample rate %d", buf.SampleRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, audio.ErrClosed
	}

	v := &voice{
		m:       m,
		buf:     buf,
		start:   max(m.timeFrame(at), m.frames),
		step:    rate * float64(buf.SampleRate) / float64(m.rate),
		onEnded: onEnded,
	}
	m.seq++
	v.seq = m.seq
	heap.Push(&m.pending, v)
	return v, nil
}

// Loop implements [audio.Renderer]. The gain stage starts at gain with no
// ramp; later [audio.LoopVoice.SetGain] calls are smoothed.
func (m *Mixer) Loop(buf audio.Buffer, gain float64) (audio.LoopVoice, error) {
	if buf.Frames() == 0 || buf.SampleRate <= 0 {
		return nil, fmt.Errorf("mixer: cannot loop an empty buffer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, audio.ErrClosed
	}

	l := &loopVoice{
		m:      m,
		buf:    buf,
		step:   float64(buf.SampleRate) / float64(m.rate),
		gain:   gain,
		target: gain,
	}
	m.loops = append(m.loops, l)
	return l, nil
}

// Render mixes the next len(out)/Channels() frames into out, overwriting its
// contents, and advances the clock. The sum of all voices is hard-clipped to
// [-1, 1]. After Close, Render writes silence and the clock stands still.
func (m *Mixer) Render(out []float32) {
	clear(out)
	ch := m.channels
	n := len(out) / ch
	if n == 0 {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	end := m.frames + int64(n)
	for m.pending.Len() > 0 && m.pending[0].start < end {
		m.active = append(m.active, heap.Pop(&m.pending).(*voice))
	}

	var finished []func()
	kept := m.active[:0]
	for _, v := range m.active {
		if v.stopped {
			continue
		}
		off := int(max(v.start-m.frames, 0))
		if v.mix(out[off*ch:n*ch], ch) {
			v.ended = true
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(m.active[len(kept):])
	m.active = kept

	loops := m.loops[:0]
	for _, l := range m.loops {
		if l.stopped {
			continue
		}
		l.mix(out[:n*ch], ch, m.alpha)
		loops = append(loops, l)
	}
	clear(m.loops[len(loops):])
	m.loops = loops

	m.frames = end
	m.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}

	if len(finished) > 0 {
		m.nmu.Lock()
		m.ended = append(m.ended, finished...)
		m.nmu.Unlock()
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Active returns the number of scheduled or playing one-shot voices plus the
// number of running loops.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.loops)
	for _, v := range m.active {
		if !v.stopped {
			n++
		}
	}
	for _, v := range m.pending {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Close stops every voice and the notifier goroutine. Pending ended callbacks
// are discarded. Close is idempotent and always returns nil.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, v := range m.active {
		v.stopped = true
	}
	for _, v := range m.pending {
		v.stopped = true
	}
	for _, l := range m.loops {
		l.stopped = true
	}
	m.active, m.loops = nil, nil
	m.pending = m.pending[:0]
	m.mu.Unlock()

	close(m.done)
	<-m.stopped
	return nil
}

// notifier runs ended callbacks outside the render lock until Close.
func (m *Mixer) notifier() {
	defer close(m.stopped)
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		m.nmu.Lock()
		batch := m.ended
		m.ended = nil
		m.nmu.Unlock()
		for _, fn := range batch {
			select {
			case <-m.done:
				return
			default:
			}
			fn()
		}
	}
}

func (m *Mixer) frameTime(f int64) time.Duration {
	return time.Duration(f * int64(time.Second) / int64(m.rate))
}

func (m *Mixer) timeFrame(d time.Duration) int64 {
	return int64(math.Round(d.Seconds() * float64(m.rate)))
}

// ── Voices ───────────────────────────────────────────────────────────────────

type voice struct {
	m       *Mixer
	buf     audio.Buffer
	start   int64   // output frame of the first sample
	seq     uint64  // scheduling order
	step    float64 // source frames per output frame
	pos     float64 // read position in source frames
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if !v.ended {
		v.stopped = true
	}
}

// mix adds the voice into out and reports whether the buffer is exhausted.
func (v *voice) mix(out []float32, ch int) bool {
	src := v.buf.Frames()
	frames := len(out) / ch
	for i := range frames {
		idx := int(v.pos)
		if idx >= src {
			return true
		}
		frac := float32(v.pos - float64(idx))
		for c := range ch {
			s0 := v.buf.Sample(c, idx)
			s1 := s0
			if idx+1 < src {
				s1 = v.buf.Sample(c, idx+1)
			}
			out[i*ch+c] += s0 + (s1-s0)*frac
		}
		v.pos += v.step
	}
	return int(v.pos) >= src
}

type loopVoice struct {
	m       *Mixer
	buf     audio.Buffer
	step    float64
	pos     float64
	gain    float64 // current, ramps towards target
	target  float64
	stopped bool
}

// Stop implements [audio.Voice].
func (l *loopVoice) Stop() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.stopped = true
}

// SetGain implements [audio.LoopVoice].
func (l *loopVoice) SetGain(g float64) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.target = g
}

// Gain implements [audio.LoopVoice].
func (l *loopVoice) Gain() float64 {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.target
}

// CurrentGain returns the instantaneous gain of the stage, which lags the
// target while a ramp is in progress.
func (l *loopVoice) CurrentGain() float64 {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.gain
}

func (l *loopVoice) mix(out []float32, ch int, alpha float64) {
	src := float64(l.buf.Frames())
	frames := len(out) / ch
	for i := range frames {
		l.gain += (l.target - l.gain) * alpha
		idx := int(l.pos)
		frac := float32(l.pos - float64(idx))
		next := idx + 1
		if float64(next) >= src {
			next = 0
		}
		g := float32(l.gain)
		for c := range ch {
			s0 := l.buf.Sample(c, idx)
			s1 := l.buf.Sample(c, next)
			out[i*ch+c] += (s0 + (s1-s0)*frac) * g
		}
		l.pos += l.step
		for l.pos >= src {
			l.pos -= src
		}
	}
}
