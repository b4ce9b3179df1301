package audio

import "time"

// AudioFrame is a fixed-length block of captured audio flowing from an
// [InputDevice] to the capture pipeline. Samples are interleaved
// floating-point values in the nominal range [-1, 1]; values outside that
// range (or NaN) are tolerated here and sanitised by the frame codec before
// transport.
type AudioFrame struct {
	// Samples holds Channels-interleaved float samples.
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for microphone capture).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel) in f.
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Format returns the sample rate and channel count of f.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Buffer is a decoded, planar block of audio ready for rendering. Channels[c]
// holds the samples of channel c; all channels have the same length.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// NewMonoBuffer wraps samples as a single-channel [Buffer].
func NewMonoBuffer(samples []float32, sampleRate int) Buffer {
	return Buffer{Channels: [][]float32{samples}, SampleRate: sampleRate}
}

// Frames returns the number of samples per channel.
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// NumChannels returns the channel count of b.
func (b Buffer) NumChannels() int { return len(b.Channels) }

// Duration returns the playback length of b at its native sample rate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// Sample returns the value of channel ch at frame i, mapping the request onto
// the buffer's channels when ch exceeds them (mono buffers feed every output
// channel).
func (b Buffer) Sample(ch, i int) float32 {
	n := len(b.Channels)
	if n == 0 {
		return 0
	}
	if ch >= n {
		ch = n - 1
	}
	return b.Channels[ch][i]
}
