package audio

import (
	"fmt"
	"log/slog"
	"math"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a form such as "16000Hz mono" or "48000Hz stereo".
func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter brings captured frames to Target. The resampler keeps its
// phase and the previous block's last frame, so consecutive blocks of one
// stream join without a seam. Use one converter per stream from a single
// goroutine.
type FormatConverter struct {
	Target Format
	// Logger receives one warning per kind of problem. Nil uses slog.Default().
	Logger *slog.Logger

	rs             *streamResampler
	warnedMismatch bool
	warnedRagged   bool
}

// Convert returns frame in the target format. Frames already in the target
// format are returned as is. Ragged frames, whose sample count is not a
// multiple of the channel count, come back empty.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}

	if frame.Channels <= 0 || len(frame.Samples)%frame.Channels != 0 {
		if !c.warnedRagged {
			c.warnedRagged = true
			c.logger().Warn("audio converter: dropping ragged frame",
				"samples", len(frame.Samples), "format", frame.Format())
		}
		return out
	}
	if frame.Format() == c.Target {
		return frame
	}
	if !c.warnedMismatch {
		c.warnedMismatch = true
		c.logger().Warn("audio converter: device format differs from capture format",
			"device", frame.Format(), "capture", c.Target)
	}

	samples := remap(frame.Samples, frame.Channels, c.Target.Channels)
	if frame.SampleRate != c.Target.SampleRate {
		if c.rs == nil || c.rs.src != frame.SampleRate || c.rs.channels != c.Target.Channels {
			c.rs = newStreamResampler(frame.SampleRate, c.Target.SampleRate, c.Target.Channels)
		}
		samples = c.rs.process(samples)
	}
	out.Samples = samples
	return out
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// remap changes the channel count of interleaved samples. Reducing to mono
// averages, widening mono duplicates, and any other change keeps the leading
// channels and pads with silence.
func remap(in []float32, from, to int) []float32 {
	switch {
	case from == to:
		return in
	case to == 1:
		return Downmix(in, from)
	}
	frames := len(in) / from
	out := make([]float32, frames*to)
	for i := range frames {
		for ch := range to {
			switch {
			case from == 1:
				out[i*to+ch] = in[i]
			case ch < from:
				out[i*to+ch] = in[i*from+ch]
			}
		}
	}
	return out
}

// Downmix averages each interleaved frame into one mono sample.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for _, s := range interleaved[i*channels : (i+1)*channels] {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// streamResampler linearly interpolates a block stream from src to dst Hz.
type streamResampler struct {
	src, dst int
	channels int
	step     float64
	// pos is the source position of the next output frame relative to the
	// start of the next block. It is never below -1; -1 is prev.
	pos  float64
	prev []float32
}

func newStreamResampler(src, dst, channels int) *streamResampler {
	return &streamResampler{
		src: src, dst: dst, channels: channels,
		step: float64(src) / float64(dst),
	}
}

func (r *streamResampler) process(in []float32) []float32 {
	ch := r.channels
	frames := len(in) / ch
	if frames == 0 || r.src <= 0 || r.dst <= 0 {
		return nil
	}
	at := func(i, c int) float32 {
		if i < 0 {
			return r.prev[c]
		}
		return in[i*ch+c]
	}

	out := make([]float32, 0, int(float64(frames)/r.step+1)*ch)
	for {
		i0 := int(math.Floor(r.pos))
		if i0+1 >= frames {
			break
		}
		frac := float32(r.pos - float64(i0))
		for c := range ch {
			s0, s1 := at(i0, c), at(i0+1, c)
			out = append(out, s0+(s1-s0)*frac)
		}
		r.pos += r.step
	}
	r.pos -= float64(frames)
	r.prev = append(r.prev[:0], in[(frames-1)*ch:frames*ch]...)
	return out
}

// Deinterleave splits interleaved samples into per-channel slices.
func Deinterleave(interleaved []float32, channels int) [][]float32 {
	if channels <= 0 {
		return nil
	}
	frames := len(interleaved) / channels
	out := make([][]float32, channels)
	for c := range out {
		plane := make([]float32, frames)
		for i := range plane {
			plane[i] = interleaved[i*channels+c]
		}
		out[c] = plane
	}
	return out
}
