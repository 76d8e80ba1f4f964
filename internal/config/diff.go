package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// ProfileChanged is true when any default profile field changed. The new
	// profile applies to the next connect; an open session keeps its own.
	ProfileChanged bool
	Profile        ProfileDiff

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ProfileDiff lists the changed default profile fields.
type ProfileDiff struct {
	PromptChanged bool
	VoiceChanged  bool
	ToolsChanged  bool
}

// IsEmpty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.ProfileChanged && !d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Default profile, compared after defaults are applied so that an
	// explicit default and an omitted field are equal.
	p := ProfileDiff{
		PromptChanged: old.Session.EffectivePrompt() != new.Session.EffectivePrompt(),
		VoiceChanged:  old.Session.EffectiveVoice() != new.Session.EffectiveVoice(),
		ToolsChanged:  old.Session.Tools() != new.Session.Tools(),
	}
	if p.PromptChanged || p.VoiceChanged || p.ToolsChanged {
		d.ProfileChanged = true
		d.Profile = p
	}

	return d
}
