// Package codec converts between float sample blocks and the base64-encoded
// 16-bit little-endian PCM envelopes carried on the wire.
//
// Both directions use the scale 32768. Encoding clamps every sample into
// [-1, 1], coerces NaN to 0, rounds to the nearest integer and saturates at
// 32767, so +1.0 is the only input off by a full least significant bit; all
// others decode to within half of one. Decoding maps the full int16 range
// onto [-1, 1), and encoding a decoded buffer reproduces its bytes exactly.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"

	"github.com/MrWong99/aurora/pkg/audio"
)

// ErrMalformedFrame is returned by [Decode] when the payload is not valid
// base64 or its length is not a multiple of the frame size.
var ErrMalformedFrame = errors.New("codec: malformed frame")

const (
	// CaptureRate is the sample rate the backend expects for inbound audio.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of audio produced by the backend.
	PlaybackRate = 24000

	scale = 32768
)

// Envelope is a transport-ready audio payload: base64 PCM plus a MIME tag of
// the form "audio/pcm;rate=N".
type Envelope struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// MIMEType returns the PCM tag for the given sample rate.
func MIMEType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// FromBytes wraps a raw s16le payload into an envelope.
func FromBytes(pcm []byte, sampleRate int) Envelope {
	return Envelope{
		MIMEType: MIMEType(sampleRate),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// Bytes returns the decoded PCM payload.
func (e Envelope) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedFrame, err)
	}
	return b, nil
}

// SampleRate parses the rate parameter of the MIME tag. It returns
// [PlaybackRate] when the tag is empty, unparseable or carries no rate.
func (e Envelope) SampleRate() int {
	if e.MIMEType == "" {
		return PlaybackRate
	}
	_, params, err := mime.ParseMediaType(e.MIMEType)
	if err != nil {
		return PlaybackRate
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return PlaybackRate
	}
	return rate
}

// Encode converts float samples to an envelope tagged with sampleRate. It
// never fails: out-of-range values are clamped and NaN becomes silence.
func Encode(samples []float32, sampleRate int) Envelope {
	return FromBytes(PCM16(samples), sampleRate)
}

// Decode converts an envelope back into a planar buffer with the given
// channel count. The buffer's sample rate is taken from the envelope tag.
func Decode(env Envelope, channels int) (audio.Buffer, error) {
	if channels < 1 {
		return audio.Buffer{}, fmt.Errorf("%w: channel count %d", ErrMalformedFrame, channels)
	}
	pcm, err := env.Bytes()
	if err != nil {
		return audio.Buffer{}, err
	}
	if len(pcm)%(2*channels) != 0 {
		return audio.Buffer{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedFrame, len(pcm), 2*channels)
	}
	return audio.Buffer{
		Channels:   audio.Deinterleave(Float32(pcm), channels),
		SampleRate: env.SampleRate(),
	}, nil
}

// PCM16 clamps, scales and packs samples as little-endian int16.
func PCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// Float32 unpacks little-endian int16 samples into floats in [-1, 1). A
// trailing odd byte is ignored.
func Float32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / scale
	}
	return out
}

func toInt16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(min(math.Round(v*scale), math.MaxInt16))
}
