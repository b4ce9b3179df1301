package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// anything else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AgentChanged bool      // true if any agent field changed
	Agent        AgentDiff // per-field agent changes

	// KnowledgeChanged is set when the profile source moved. The profile
	// itself is re-read on every connect.
	KnowledgeChanged bool

	// RestartRequired lists sections whose changes only apply after a
	// process restart.
	RestartRequired []string
}

// AgentDiff describes what changed in the agent persona.
type AgentDiff struct {
	VoiceChanged    bool
	ToneChanged     bool
	RateChanged     bool
	AmbienceChanged bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && !d.KnowledgeChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Agent = diffAgent(&old.Agent, &new.Agent)
	d.AgentChanged = d.Agent.VoiceChanged || d.Agent.ToneChanged || d.Agent.RateChanged || d.Agent.AmbienceChanged

	d.KnowledgeChanged = old.Knowledge != new.Knowledge

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Tools != new.Tools {
		d.RestartRequired = append(d.RestartRequired, "tools")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}

func diffAgent(old, new *AgentConfig) AgentDiff {
	return AgentDiff{
		VoiceChanged:    old.Voice != new.Voice,
		ToneChanged:     old.Tone != new.Tone,
		RateChanged:     old.SpeakingRate != new.SpeakingRate,
		AmbienceChanged: old.Ambience.Settings() != new.Ambience.Settings(),
	}
}
