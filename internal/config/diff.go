package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything that
// would require tearing down a live session (the live provider, storage,
// capture geometry) is deliberately excluded.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ScreenChanged is true if the screen capture interval or quality
	// changed. Applies to captures started after the reload.
	ScreenChanged bool

	// ArchiveChanged is true if the transcript archive settings changed.
	ArchiveChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ScreenChanged || d.ArchiveChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Screen != new.Screen {
		d.ScreenChanged = true
	}
	if old.Archive != new.Archive {
		d.ArchiveChanged = true
	}

	return d
}
