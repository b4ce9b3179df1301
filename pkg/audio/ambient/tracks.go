package ambient

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/MrWong99/aurora/pkg/audio"
)

// Track identifies a background room-tone loop.
type Track string

// Available tracks.
const (
	TrackNone        Track = "none"
	TrackRainyDay    Track = "rainy_day"
	TrackCoffeeShop  Track = "coffee_shop"
	TrackOfficeBuzz  Track = "office_buzz"
	TrackQuietGarden Track = "quiet_garden"
)

// Tracks lists every selectable track except [TrackNone].
var Tracks = []Track{TrackRainyDay, TrackCoffeeShop, TrackOfficeBuzz, TrackQuietGarden}

// DefaultLoopLength is the length of a generated loop.
const DefaultLoopLength = 10 * time.Second

// ParseTrack accepts either the identifier ("coffee_shop") or the display
// name ("Coffee Shop"), case-insensitively. The empty string is [TrackNone].
func ParseTrack(s string) (Track, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, " ", "_")
	if norm == "" {
		return TrackNone, nil
	}
	t := Track(norm)
	if t == TrackNone || t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("ambient: %w %q", ErrUnknownTrack, s)
}

// Valid reports whether t is a known, audible track.
func (t Track) Valid() bool {
	for _, k := range Tracks {
		if t == k {
			return true
		}
	}
	return false
}

// DisplayName returns the human-readable track name, e.g. "Coffee Shop".
func (t Track) DisplayName() string {
	if t == TrackNone || t == "" {
		return "None"
	}
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Description is a short phrase describing the acoustic setting, used when
// telling the agent where it is.
func (t Track) Description() string {
	switch t {
	case TrackRainyDay:
		return "a quiet room with rain falling outside"
	case TrackCoffeeShop:
		return "a busy coffee shop with a soft murmur of voices"
	case TrackOfficeBuzz:
		return "an open-plan office with a low electrical hum"
	case TrackQuietGarden:
		return "a calm garden with almost no background noise"
	}
	return ""
}

// Generate synthesises a stereo loop of track at sampleRate. Each sample is
// white noise shaped per track; rng supplies the randomness so tests can use
// a fixed seed.
func Generate(t Track, sampleRate int, length time.Duration, rng *rand.Rand) (audio.Buffer, error) {
	if !t.Valid() {
		return audio.Buffer{}, fmt.Errorf("ambient: %w %q", ErrUnknownTrack, t)
	}
	if sampleRate <= 0 || length <= 0 {
		return audio.Buffer{}, fmt.Errorf("ambient: invalid loop shape %d Hz x %v", sampleRate, length)
	}

	n := int(length.Seconds() * float64(sampleRate))
	buf := audio.Buffer{Channels: make([][]float32, 2), SampleRate: sampleRate}
	for c := range buf.Channels {
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(shape(t, i, rng))
		}
		buf.Channels[c] = data
	}
	return buf, nil
}

func shape(t Track, i int, rng *rand.Rand) float64 {
	noise := rng.Float64()*2 - 1
	x := float64(i)
	switch t {
	case TrackRainyDay:
		// Light hiss with sparse droplets.
		v := noise * 0.4
		if rng.Float64() > 0.9995 {
			v += rng.Float64()
		}
		return v
	case TrackCoffeeShop:
		return noise * (math.Sin(x*0.0005)*0.1 + 0.9) * 0.3
	case TrackOfficeBuzz:
		return math.Sin(x*0.002)*0.05 + noise*0.15
	case TrackQuietGarden:
		return noise * 0.1
	}
	return 0
}
