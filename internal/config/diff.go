package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RouterChanged is true when any router tuning value changed. Router
	// tuning is applied without a restart.
	RouterChanged bool

	// OriginsChanged is true when server.allowed_origins changed. Applied
	// without a restart.
	OriginsChanged bool

	// RestartRequired lists the changed fields that only take effect after
	// a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RouterChanged && !d.OriginsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.Router, new.Router) {
		d.RouterChanged = true
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.OriginsChanged = true
	}

	restart := []struct {
		field   string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.read_timeout", old.Server.ReadTimeout != new.Server.ReadTimeout},
		{"server.write_timeout", old.Server.WriteTimeout != new.Server.WriteTimeout},
		{"server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS)},
		{"providers", !reflect.DeepEqual(old.Providers, new.Providers)},
		{"settings", !reflect.DeepEqual(old.Settings, new.Settings)},
		{"audit", old.Audit != new.Audit},
		{"telemetry", old.Telemetry != new.Telemetry},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.field)
		}
	}
	return d
}
