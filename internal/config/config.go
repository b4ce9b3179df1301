// Package config provides the configuration schema, loader, file watcher and
// backend registry for the Aurora voice session engine.
package config

import (
	"time"

	"github.com/MrWong99/aurora/pkg/audio/ambient"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Aurora.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    ProviderEntry    `yaml:"backend"`
	Audio      AudioConfig      `yaml:"audio"`
	Agent      AgentConfig      `yaml:"agent"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Tools      ToolsConfig      `yaml:"tools"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the health/metrics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the speech backend. The Name field is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered backend (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the backend. ${VAR} references are
	// expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model. Leave empty for the backend default.
	Model string `yaml:"model"`
}

// AudioConfig configures the local devices.
type AudioConfig struct {
	// Device selects the device backend. Only "portaudio" is built in.
	Device string `yaml:"device"`

	// CaptureRate is the microphone sample rate in Hz.
	CaptureRate int `yaml:"capture_rate"`

	// BlockSize is the number of frames per captured block.
	BlockSize int `yaml:"block_size"`

	// OutputRate is the render device sample rate in Hz.
	OutputRate int `yaml:"output_rate"`

	// OutputChannels is the render device channel count.
	OutputChannels int `yaml:"output_channels"`

	// PendingBlocks keeps up to this many blocks captured while the session
	// is connecting. Zero drops them.
	PendingBlocks int `yaml:"pending_blocks"`
}

// AgentConfig is the receptionist persona. Every field is hot-reloadable;
// voice and tone apply from the next connection.
type AgentConfig struct {
	Voice        string         `yaml:"voice"`
	Tone         string         `yaml:"tone"`
	SpeakingRate float64        `yaml:"speaking_rate"`
	Ambience     AmbienceConfig `yaml:"ambience"`
}

// AmbienceConfig selects the background room tone.
type AmbienceConfig struct {
	// Track is a track identifier ("coffee_shop") or display name
	// ("Coffee Shop"), or "none".
	Track   string  `yaml:"track"`
	Volume  float64 `yaml:"volume"`
	Enabled bool    `yaml:"enabled"`
}

// KnowledgeConfig selects where the business profile is read from. When both
// are empty the built-in default prompt is used.
type KnowledgeConfig struct {
	// File is a YAML business profile.
	File string `yaml:"file"`

	// PostgresDSN points at a database holding the business_settings table.
	// ${VAR} references are expanded from the environment.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ToolsConfig configures delivery of receptionist actions.
type ToolsConfig struct {
	// WebhookURL receives a JSON POST per action. Empty logs actions only.
	WebhookURL string `yaml:"webhook_url"`

	// Timeout bounds each tool handler. Zero uses the dispatcher default.
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Metrics enables the /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

// ResilienceConfig configures the circuit breaker guarding backend connects.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// Default returns the configuration used for every field a file omits.
func Default() Config {
	return Config{
		Server:  ServerConfig{ListenAddr: ":9090", LogLevel: LogInfo},
		Backend: ProviderEntry{Name: "gemini-live", APIKey: "${GEMINI_API_KEY}"},
		Audio: AudioConfig{
			Device:         "portaudio",
			CaptureRate:    16000,
			BlockSize:      4096,
			OutputRate:     24000,
			OutputChannels: 1,
		},
		Agent: AgentConfig{
			Voice:        "Kore",
			Tone:         "Professional",
			SpeakingRate: 1.0,
			Ambience:     AmbienceConfig{Track: "none", Volume: 0.1},
		},
		Telemetry:  TelemetryConfig{ServiceName: "aurora", Metrics: true},
		Resilience: ResilienceConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
	}
}

// Settings converts c to mixer settings. The track must already have passed
// [Validate]; an unparseable track yields silence.
func (c AmbienceConfig) Settings() ambient.Settings {
	t, err := ambient.ParseTrack(c.Track)
	if err != nil {
		t = ambient.TrackNone
	}
	return ambient.Settings{Track: t, Volume: c.Volume, Enabled: c.Enabled}
}
