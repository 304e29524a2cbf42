package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/sumnex/voicecall/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Call: config.CallConfig{
			Greeting:       "Hello!",
			Hallucinations: []string{"platform"},
		},
		VAD:       config.VADConfig{VoiceThresholdDB: dbfs(-50)},
		Transport: config.TransportConfig{URL: "wss://voice.example.com/ws"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v, want log level change to debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_VADChanged(t *testing.T) {
	newCfg := baseConfig()
	newCfg.VAD.SilenceThreshold = 3 * time.Second

	d := config.Diff(baseConfig(), newCfg)
	if !d.VADChanged {
		t.Error("expected VADChanged")
	}
	if d.LogLevelChanged || d.FiltersChanged {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_FiltersChanged(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"greeting", func(c *config.Config) { c.Call.Greeting = "Hi." }},
		{"hallucinations", func(c *config.Config) { c.Call.Hallucinations = append(c.Call.Hallucinations, "sumnex") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newCfg := baseConfig()
			tt.mutate(newCfg)
			d := config.Diff(baseConfig(), newCfg)
			if !d.FiltersChanged {
				t.Error("expected FiltersChanged")
			}
			if slices.Contains(d.RestartRequired, "call") {
				t.Error("filter changes should not require a restart")
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Transport.URL = "wss://other.example.com/ws"
	newCfg.Speech.Provider = "coqui"
	newCfg.Call.UserID = "someone-else"
	newCfg.Server.ListenAddr = ":9000"

	d := config.Diff(baseConfig(), newCfg)
	for _, want := range []string{"transport", "speech", "call", "server"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if slices.Contains(d.RestartRequired, "audio") {
		t.Errorf("audio did not change, got %v", d.RestartRequired)
	}
}
