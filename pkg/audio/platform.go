// Package audio defines the audio types and device abstractions used by the
// Aurora voice session engine.
//
// The primary abstractions are:
//
//   - [InputDevice] acquires a capture device and returns an [InputStream]
//     delivering fixed-size [AudioFrame] blocks on a bounded channel.
//   - [Renderer] is an output device exposing a monotonic clock on which
//     decoded [Buffer] values are scheduled sample-accurately, plus looping
//     voices with an adjustable gain stage for background tracks.
//
// Concrete implementations live in sub-packages: audio/mixer provides a
// software [Renderer], audio/portaudio binds both to physical devices, and
// audio/mock provides deterministic test doubles.
//
// This package lives under pkg/ because external code (other device backends)
// is expected to implement [InputDevice] and [Renderer].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [InputDevice.Open] when the capture
// device is unavailable or access to it was refused.
var ErrPermissionDenied = errors.New("audio: capture device permission denied")

// ErrClosed is returned by [Renderer] methods after the renderer was closed.
var ErrClosed = errors.New("audio: renderer closed")

// InputStream is an open capture stream. Frames are delivered in capture
// order on a bounded channel; a producer that finds the channel full drops
// the frame rather than blocking the device thread.
//
// The Frames channel is closed after Close returns or when the device fails.
type InputStream interface {
	// Frames returns the read-only channel of captured blocks.
	Frames() <-chan AudioFrame

	// Close stops the device and releases its handle. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// InputDevice acquires an audio capture device.
//
// Implementations must be safe for concurrent use, but a single device may
// be held by at most one open [InputStream] at a time.
type InputDevice interface {
	// Open starts capturing at the requested format, delivering blocks of
	// blockSize frames. It returns an error wrapping [ErrPermissionDenied] when
	// the device cannot be acquired.
	Open(ctx context.Context, format Format, blockSize int) (InputStream, error)
}

// Voice is a handle on a single scheduled buffer.
type Voice interface {
	// Stop silences the voice immediately. Stopping a voice that already
	// finished is a no-op. A stopped voice never fires its ended callback.
	Stop()
}

// LoopVoice is a handle on a looping buffer routed through its own gain stage.
type LoopVoice interface {
	Voice

	// SetGain moves the gain stage towards g without restarting playback.
	SetGain(g float64)

	// Gain returns the current target gain.
	Gain() float64
}

// Renderer is an output device with a monotonic clock.
//
// All methods must be safe for concurrent use.
type Renderer interface {
	// SampleRate returns the output sample rate in Hz.
	SampleRate() int

	// Now returns the current position of the output clock. It never
	// decreases.
	Now() time.Duration

	// Schedule plays buf starting exactly at clock time at, at the given
	// playback-rate multiplier. onEnded (which may be nil) is invoked once
	// when the buffer finishes naturally; it is never invoked under an
	// internal lock and never invoked for a stopped voice.
	Schedule(buf Buffer, at time.Duration, rate float64, onEnded func()) (Voice, error)

	// Loop plays buf repeatedly, starting now, through a dedicated gain
	// stage initialised to gain.
	Loop(buf Buffer, gain float64) (LoopVoice, error)
}
