package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/aurora/pkg/audio/ambient"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// ValidBackendNames lists the speech backends known to this build.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = []string{"gemini-live"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], expands
// environment references in secrets and validates the result. An empty
// document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Backend.APIKey = os.ExpandEnv(cfg.Backend.APIKey)
	cfg.Knowledge.PostgresDSN = os.ExpandEnv(cfg.Knowledge.PostgresDSN)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.Name == "" {
		errs = append(errs, errors.New("backend.name is required"))
	} else if !slices.Contains(ValidBackendNames, cfg.Backend.Name) {
		slog.Warn("unknown backend name, may be a typo or third-party backend",
			"name", cfg.Backend.Name,
			"known", ValidBackendNames,
		)
	}
	if cfg.Backend.APIKey == "" {
		slog.Warn("backend.api_key is empty; connecting will fail until it is set")
	}

	// Audio
	a := cfg.Audio
	if a.Device != "" && a.Device != "portaudio" {
		errs = append(errs, fmt.Errorf("audio.device %q is invalid; valid values: portaudio", a.Device))
	}
	if a.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", a.CaptureRate))
	}
	if a.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", a.BlockSize))
	}
	if a.OutputRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d must be positive", a.OutputRate))
	}
	if a.OutputChannels < 1 || a.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is out of range [1, 2]", a.OutputChannels))
	}
	if a.PendingBlocks < 0 {
		errs = append(errs, fmt.Errorf("audio.pending_blocks %d must not be negative", a.PendingBlocks))
	}

	// Agent
	ag := cfg.Agent
	if !s2s.ValidVoice(ag.Voice) {
		errs = append(errs, fmt.Errorf("agent.voice %q is invalid; valid values: %v", ag.Voice, s2s.Voices))
	}
	if math.IsNaN(ag.SpeakingRate) || ag.SpeakingRate < 0.5 || ag.SpeakingRate > 2.0 {
		errs = append(errs, fmt.Errorf("agent.speaking_rate %.2f is out of range [0.5, 2.0]", ag.SpeakingRate))
	}
	if _, err := ambient.ParseTrack(ag.Ambience.Track); err != nil {
		errs = append(errs, fmt.Errorf("agent.ambience.track %q is invalid", ag.Ambience.Track))
	}
	if v := ag.Ambience.Volume; math.IsNaN(v) || v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("agent.ambience.volume %.2f is out of range [0, 1]", v))
	}

	// Knowledge
	if cfg.Knowledge.File != "" && cfg.Knowledge.PostgresDSN != "" {
		errs = append(errs, errors.New("knowledge.file and knowledge.postgres_dsn are mutually exclusive"))
	}

	// Tools
	if cfg.Tools.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout %v must not be negative", cfg.Tools.Timeout))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %v must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}
