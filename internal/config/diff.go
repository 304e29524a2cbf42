package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Fields that can be
// applied to a running call are reported individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged means detector tuning changed. The new tuning can be applied
	// with vad.Detector.SetConfig.
	VADChanged bool

	// FiltersChanged means the greeting or hallucination list changed.
	FiltersChanged bool

	// RestartRequired names the top-level sections whose changes only take
	// effect on the next call (e.g. "transport", "speech").
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && !d.FiltersChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.VAD, new.VAD) {
		d.VADChanged = true
	}
	if old.Call.Greeting != new.Call.Greeting || !slices.Equal(old.Call.Hallucinations, new.Call.Hallucinations) {
		d.FiltersChanged = true
	}

	// Remaining call fields are fixed for the lifetime of a session.
	oc, nc := old.Call, new.Call
	oc.Greeting, nc.Greeting = "", ""
	oc.Hallucinations, nc.Hallucinations = nil, nil
	if !reflect.DeepEqual(oc, nc) {
		d.RestartRequired = append(d.RestartRequired, "call")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"capture", old.Capture, new.Capture},
		{"transport", old.Transport, new.Transport},
		{"speech", old.Speech, new.Speech},
		{"audio", old.Audio, new.Audio},
		{"auth", old.Auth, new.Auth},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
