// Package portaudio binds the audio abstractions to physical devices through
// PortAudio: the default microphone as an [audio.InputDevice] and the default
// speaker as a sink pulling from a [mixer.Mixer].
//
// [Init] must be called once before any device is opened and [Terminate]
// once after every stream is closed.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/aurora/pkg/audio"
	"github.com/MrWong99/aurora/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*InputDevice)(nil)
	_ audio.InputStream = (*inputStream)(nil)
)

// defaultFrameBuffer is the capacity of the captured-frame channel.
const defaultFrameBuffer = 16

// Init initialises the PortAudio library.
func Init() error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// DeviceInfo summarises one host audio device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Devices lists the host's audio devices.
func Devices() ([]DeviceInfo, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d == defIn,
			DefaultOutput:     defOut != nil && d == defOut,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// ── Input ────────────────────────────────────────────────────────────────────

// InputDevice captures from the default input device.
type InputDevice struct {
	// FrameBuffer is the capacity of the captured-frame channel. Defaults to
	// 16 blocks.
	FrameBuffer int
}

// Open implements [audio.InputDevice]. Any failure to open or start the
// device is reported as [audio.ErrPermissionDenied].
func (d *InputDevice) Open(_ context.Context, format audio.Format, blockSize int) (audio.InputStream, error) {
	capacity := d.FrameBuffer
	if capacity <= 0 {
		capacity = defaultFrameBuffer
	}
	s := &inputStream{
		frames: make(chan audio.AudioFrame, capacity),
		format: format,
		start:  time.Now(),
	}

	stream, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), blockSize, s.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input: %w: %v", audio.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input: %w: %v", audio.ErrPermissionDenied, err)
	}
	s.stream = stream
	return s, nil
}

type inputStream struct {
	stream *pa.Stream
	frames chan audio.AudioFrame
	format audio.Format
	start  time.Time

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func (s *inputStream) Frames() <-chan audio.AudioFrame { return s.frames }

// callback runs on the PortAudio thread. It copies the block and never
// blocks: a full channel drops the block.
func (s *inputStream) callback(in []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !push(s.frames, frameFrom(in, s.format, time.Since(s.start))) {
		s.dropped++
	}
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.dropped
	close(s.frames)
	s.mu.Unlock()

	if dropped > 0 {
		slog.Warn("portaudio: input blocks dropped", "count", dropped)
	}
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	if stopErr != nil {
		return fmt.Errorf("portaudio: stop input: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("portaudio: close input: %w", closeErr)
	}
	return nil
}

// frameFrom copies a device buffer, which PortAudio reuses between
// callbacks, into a new frame.
func frameFrom(in []float32, f audio.Format, ts time.Duration) audio.AudioFrame {
	samples := make([]float32, len(in))
	copy(samples, in)
	return audio.AudioFrame{
		Samples:    samples,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Timestamp:  ts,
	}
}

// push is a non-blocking send.
func push(ch chan audio.AudioFrame, f audio.AudioFrame) bool {
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

// ── Output ───────────────────────────────────────────────────────────────────

// Output plays a [mixer.Mixer] on the default output device. The device
// callback pulls each buffer from the mixer, which advances its clock.
type Output struct {
	stream *pa.Stream
	once   sync.Once
}

// OpenOutput opens and starts the default output device at the mixer's rate
// and channel count, with framesPerBuffer frames per callback.
func OpenOutput(m *mixer.Mixer, framesPerBuffer int) (*Output, error) {
	stream, err := pa.OpenDefaultStream(0, m.Channels(), float64(m.SampleRate()), framesPerBuffer, func(out []float32) {
		m.Render(out)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	return &Output{stream: stream}, nil
}

// Close stops and releases the output device. Close is idempotent.
func (o *Output) Close() error {
	var err error
	o.once.Do(func() {
		if e := o.stream.Stop(); e != nil {
			err = fmt.Errorf("portaudio: stop output: %w", e)
		}
		if e := o.stream.Close(); e != nil && err == nil {
			err = fmt.Errorf("portaudio: close output: %w", e)
		}
	})
	return err
}
