package session

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/aurora/pkg/audio/ambient"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// Speaking rate bounds.
const (
	MinSpeakingRate = 0.5
	MaxSpeakingRate = 2.0
)

// Config is the agent configuration of a session. The [Controller] is its
// only mutator.
type Config struct {
	// Voice is the prebuilt backend voice. Fixed for the lifetime of one
	// connection; changes apply on the next Connect.
	Voice string

	// Tone is free-form guidance such as "Professional". Applies on the next
	// Connect.
	Tone string

	// SpeakingRate is the playback-rate multiplier of agent speech.
	SpeakingRate float64

	// Ambience selects the background room tone.
	Ambience ambient.Settings
}

// DefaultConfig returns the configuration a fresh agent starts with.
func DefaultConfig() Config {
	return Config{
		Voice:        s2s.DefaultVoice,
		Tone:         "Professional",
		SpeakingRate: 1.0,
		Ambience: ambient.Settings{
			Track:  ambient.TrackNone,
			Volume: 0.1,
		},
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if !s2s.ValidVoice(c.Voice) {
		errs = append(errs, fmt.Errorf("voice %q is not one of %v", c.Voice, s2s.Voices))
	}
	if math.IsNaN(c.SpeakingRate) || c.SpeakingRate < MinSpeakingRate || c.SpeakingRate > MaxSpeakingRate {
		errs = append(errs, fmt.Errorf("speaking rate %v must be in [%v, %v]", c.SpeakingRate, MinSpeakingRate, MaxSpeakingRate))
	}
	if t := c.Ambience.Track; t != "" && t != ambient.TrackNone && !t.Valid() {
		errs = append(errs, fmt.Errorf("ambience track %q is unknown", t))
	}
	if v := c.Ambience.Volume; math.IsNaN(v) || v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("ambience volume %v must be in [0, 1]", v))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: invalid config: %w", err)
	}
	return nil
}

// ConfigUpdate is an explicit partial update. Nil fields are left unchanged.
type ConfigUpdate struct {
	Voice           *string
	Tone            *string
	SpeakingRate    *float64
	AmbienceTrack   *ambient.Track
	AmbienceVolume  *float64
	AmbienceEnabled *bool
}

// Empty reports whether u changes nothing.
func (u ConfigUpdate) Empty() bool {
	return u.Voice == nil && u.Tone == nil && u.SpeakingRate == nil &&
		u.AmbienceTrack == nil && u.AmbienceVolume == nil && u.AmbienceEnabled == nil
}

// touchesAmbience reports whether u changes any ambience field.
func (u ConfigUpdate) touchesAmbience() bool {
	return u.AmbienceTrack != nil || u.AmbienceVolume != nil || u.AmbienceEnabled != nil
}

// Apply returns c with u merged in, validated.
func (c Config) Apply(u ConfigUpdate) (Config, error) {
	if u.Voice != nil {
		c.Voice = *u.Voice
	}
	if u.Tone != nil {
		c.Tone = *u.Tone
	}
	if u.SpeakingRate != nil {
		c.SpeakingRate = *u.SpeakingRate
	}
	if u.AmbienceTrack != nil {
		c.Ambience.Track = *u.AmbienceTrack
	}
	if u.AmbienceVolume != nil {
		c.Ambience.Volume = *u.AmbienceVolume
	}
	if u.AmbienceEnabled != nil {
		c.Ambience.Enabled = *u.AmbienceEnabled
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Ptr returns a pointer to v, for building a [ConfigUpdate].
func Ptr[T any](v T) *T { return &v }
