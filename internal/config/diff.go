package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (API endpoint, session defaults, storage) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float64

	// DevicesChanged is informational: new device names apply to the next
	// session, not the running one.
	DevicesChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VolumeChanged || d.DevicesChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.Volume != new.Audio.Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Audio.Volume
	}

	if old.Audio.InputDevice != new.Audio.InputDevice ||
		old.Audio.OutputDevice != new.Audio.OutputDevice {
		d.DevicesChanged = true
	}

	return d
}
