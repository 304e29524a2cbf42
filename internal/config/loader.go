package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sumnex/voicecall/pkg/audio/codec"
)

// ValidSpeechProviders lists the TTS provider names [Validate] accepts.
var ValidSpeechProviders = []string{"elevenlabs", "coqui"}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero config, which is valid apart from the
// missing transport URL.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Call
	c := cfg.Call
	if c.CallType != "" && !c.CallType.IsValid() {
		errs = append(errs, fmt.Errorf("call.call_type %q is invalid; valid values: voice, video", c.CallType))
	}
	if s := c.VoiceSettings.Speed; s != 0 && (s < 0.5 || s > 4.0) {
		errs = append(errs, fmt.Errorf("call.voice_settings.speed %.2f is out of range [0.5, 4.0]", s))
	}
	if c.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("call.inactivity_timeout %s must not be negative", c.InactivityTimeout))
	}
	if c.ErrorThreshold < 0 {
		errs = append(errs, fmt.Errorf("call.error_threshold %d must not be negative", c.ErrorThreshold))
	}
	if c.ErrorResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("call.error_reset_timeout %s must not be negative", c.ErrorResetTimeout))
	}

	// VAD
	v := cfg.VAD
	// A clamped level never exceeds 0 dBFS, so a 0 threshold could never trigger.
	if db := v.VoiceThresholdDB; db != nil && (*db < -100 || *db >= 0) {
		errs = append(errs, fmt.Errorf("vad.voice_threshold_db %.1f is out of range [-100, 0)", *db))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"silence_threshold", v.SilenceThreshold},
		{"min_voice_duration", v.MinVoiceDuration},
		{"process_cooldown", v.ProcessCooldown},
		{"tick_interval", v.TickInterval},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("vad.%s %s must not be negative", d.name, d.val))
		}
	}
	if v.TickInterval > 0 && v.SilenceThreshold > 0 && v.TickInterval >= v.SilenceThreshold {
		errs = append(errs, fmt.Errorf("vad.tick_interval %s must be shorter than vad.silence_threshold %s", v.TickInterval, v.SilenceThreshold))
	}
	if v.Smoothing != nil && (*v.Smoothing < 0 || *v.Smoothing >= 1) {
		errs = append(errs, fmt.Errorf("vad.smoothing %.2f is out of range [0, 1)", *v.Smoothing))
	}

	// Capture
	if _, err := codec.New(cfg.Capture.Codec); err != nil {
		errs = append(errs, fmt.Errorf("capture.codec: %w", err))
	}
	if cfg.Capture.SampleRate < 0 || cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture: sample_rate %d / channels %d are invalid", cfg.Capture.SampleRate, cfg.Capture.Channels))
	}
	if cfg.Capture.MinPayloadBytes < 0 {
		errs = append(errs, fmt.Errorf("capture.min_payload_bytes %d must not be negative", cfg.Capture.MinPayloadBytes))
	}

	// Transport
	t := cfg.Transport
	if t.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if u, err := url.Parse(t.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("transport.url %q must be a ws, wss, http or https URL", t.URL))
	} else if u.Scheme == "ws" || u.Scheme == "http" {
		slog.Warn("transport.url is not encrypted; the session token will be sent in clear text", "url", t.URL)
	}
	if t.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_attempts %d must not be negative", t.MaxAttempts))
	}
	if t.Backoff > 0 && t.MaxBackoff > 0 && t.MaxBackoff < t.Backoff {
		errs = append(errs, fmt.Errorf("transport.max_backoff %s is shorter than transport.backoff %s", t.MaxBackoff, t.Backoff))
	}

	// Speech
	s := cfg.Speech
	for _, p := range []struct{ field, name string }{{"provider", s.Provider}, {"fallback", s.Fallback}} {
		if p.name != "" && !slices.Contains(ValidSpeechProviders, p.name) {
			errs = append(errs, fmt.Errorf("speech.%s %q is invalid; valid values: elevenlabs, coqui", p.field, p.name))
		}
	}
	if s.Provider == "" && s.Fallback != "" {
		errs = append(errs, errors.New("speech.fallback requires speech.provider"))
	}
	if s.Fallback != "" && s.Fallback == s.Provider {
		slog.Warn("speech.fallback is the same provider as speech.provider", "provider", s.Provider)
	}
	uses := func(name string) bool { return s.Provider == name || s.Fallback == name }
	if uses("elevenlabs") && s.ElevenLabs.APIKey == "" && s.ElevenLabs.APIKeyEnv == "" {
		errs = append(errs, errors.New("speech.elevenlabs: api_key or api_key_env is required"))
	}
	if uses("coqui") && s.Coqui.URL == "" {
		errs = append(errs, errors.New("speech.coqui.url is required"))
	}
	if s.Provider == "" {
		slog.Warn("speech.provider is empty; AI responses will not be voiced locally")
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: miniaudio, portaudio", cfg.Audio.Backend))
	}
	if cfg.Audio.InputDevice != "" && cfg.Audio.Backend != BackendPortAudio {
		slog.Warn("audio.input_device is only honoured by the portaudio backend", "backend", cfg.Audio.Backend)
	}

	// Auth
	if cfg.Auth.Leeway < 0 {
		errs = append(errs, fmt.Errorf("auth.leeway %s must not be negative", cfg.Auth.Leeway))
	}

	return errors.Join(errs...)
}
