package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked; everything else requires a
// restart and is deliberately ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AlertsChanged covers any threshold or interval under the alerts
	// block; the alert manager swaps thresholds atomically.
	AlertsChanged bool
	NewAlerts     AlertsConfig

	// BackendChanged covers the webhook endpoint, token, and timeout.
	// Applying it requires rebuilding the notifier, which main does on the
	// next reload callback.
	BackendChanged bool
	NewBackend     BackendConfig
}

// Empty reports whether the diff carries no applicable changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AlertsChanged && !d.BackendChanged
}

// Diff compares old and new configs and returns the hot-reloadable changes.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Alerts != new.Alerts {
		d.AlertsChanged = true
		d.NewAlerts = new.Alerts
	}
	if old.Backend != new.Backend {
		d.BackendChanged = true
		d.NewBackend = new.Backend
	}
	return d
}
