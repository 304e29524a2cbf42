// Package config provides the configuration schema, loader and hot-reload
// watcher for the voicecall client.
package config

import (
	"time"

	"github.com/sumnex/voicecall/internal/vad"
	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/types"
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

// AudioBackend selects the native audio library.
type AudioBackend string

const (
	// BackendMiniaudio captures through miniaudio and plays through oto.
	BackendMiniaudio AudioBackend = "miniaudio"

	// BackendPortAudio captures through PortAudio. Playback still goes
	// through oto.
	BackendPortAudio AudioBackend = "portaudio"
)

// IsValid reports whether b is a recognised backend.
func (b AudioBackend) IsValid() bool {
	return b == BackendMiniaudio || b == BackendPortAudio
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Call      CallConfig      `yaml:"call"`
	VAD       VADConfig       `yaml:"vad"`
	Capture   CaptureConfig   `yaml:"capture"`
	Transport TransportConfig `yaml:"transport"`
	Speech    SpeechConfig    `yaml:"speech"`
	Audio     AudioConfig     `yaml:"audio"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig holds the local status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the status server serving /metrics,
	// /healthz, /readyz and /statusz (e.g. "127.0.0.1:9464"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log level. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// CallConfig holds per-call settings.
type CallConfig struct {
	UserID        string              `yaml:"user_id"`
	CallType      types.CallType      `yaml:"call_type"`
	AIModel       string              `yaml:"ai_model"`
	Language      string              `yaml:"language"`
	VoiceSettings types.VoiceSettings `yaml:"voice_settings"`

	// Greeting is spoken once after the first connect. Empty uses the
	// built-in greeting.
	Greeting string `yaml:"greeting"`

	// Hallucinations lists transcripts that are dropped as speech-to-text
	// artefacts. Empty uses the built-in list.
	Hallucinations []string `yaml:"hallucinations"`

	// InactivityTimeout ends the call after this long without a message.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// TurnTimeout clears a thinking state that outlives it. Negative disables.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ErrorThreshold is the consecutive-error count at which errors are shown
	// to the user and auto-capture pauses.
	ErrorThreshold int `yaml:"error_threshold"`

	// ErrorResetTimeout is how long auto-capture stays paused after the
	// threshold is reached.
	ErrorResetTimeout time.Duration `yaml:"error_reset_timeout"`
}

// VADConfig tunes the voice activity detector. Hot-reloadable.
type VADConfig struct {
	// VoiceThresholdDB is the voice level in dBFS, in [-100, 0). Unset takes
	// the detector default.
	VoiceThresholdDB *float64      `yaml:"voice_threshold_db"`
	SilenceThreshold time.Duration `yaml:"silence_threshold"`
	MinVoiceDuration time.Duration `yaml:"min_voice_duration"`
	ProcessCooldown  time.Duration `yaml:"process_cooldown"`
	TickInterval     time.Duration `yaml:"tick_interval"`

	// Smoothing is the level monitor's smoothing factor in [0, 1).
	Smoothing *float64 `yaml:"smoothing"`
}

// Detector converts the section into detector tuning. Zero fields take the
// detector defaults.
func (c VADConfig) Detector() vad.Config {
	cfg := vad.Config{
		SilenceThreshold: c.SilenceThreshold,
		MinVoiceDuration: c.MinVoiceDuration,
		ProcessCooldown:  c.ProcessCooldown,
		TickInterval:     c.TickInterval,
	}
	if c.VoiceThresholdDB != nil {
		cfg.VoiceThreshold = *c.VoiceThresholdDB
	}
	return cfg
}

// CaptureConfig controls how utterances are recorded and encoded.
type CaptureConfig struct {
	// Codec is "wav" (default) or "opus".
	Codec string `yaml:"codec"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// MinPayloadBytes discards captures whose PCM is smaller than this.
	MinPayloadBytes int `yaml:"min_payload_bytes"`

	// MaxDuration caps a single utterance.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// Format returns the configured capture format, defaulting to 16 kHz mono.
func (c CaptureConfig) Format() audio.Format {
	f := audio.DefaultFormat
	if c.SampleRate > 0 {
		f.SampleRate = c.SampleRate
	}
	if c.Channels > 0 {
		f.Channels = c.Channels
	}
	return f
}

// TransportConfig configures the backend connection.
type TransportConfig struct {
	// URL is the WebSocket endpoint of the voice backend.
	URL string `yaml:"url"`

	MaxAttempts      int           `yaml:"max_attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// SpeechConfig selects the on-device TTS used to voice AI responses.
type SpeechConfig struct {
	// Provider is "elevenlabs", "coqui" or empty for no local speech.
	Provider string `yaml:"provider"`

	// Fallback optionally names a second provider tried when the first fails.
	Fallback string `yaml:"fallback"`

	// Voice is the provider voice ID.
	Voice string `yaml:"voice"`

	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Coqui      CoquiConfig      `yaml:"coqui"`
}

// ElevenLabsConfig configures the ElevenLabs provider.
type ElevenLabsConfig struct {
	// APIKey is the ElevenLabs key. Prefer APIKeyEnv.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`

	Model        string `yaml:"model"`
	OutputFormat string `yaml:"output_format"`
}

// CoquiConfig configures a local Coqui TTS server.
type CoquiConfig struct {
	URL      string        `yaml:"url"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AudioConfig selects the native audio backend.
type AudioConfig struct {
	// Backend is "miniaudio" (default) or "portaudio".
	Backend AudioBackend `yaml:"backend"`

	// InputDevice selects a PortAudio input device by name. Empty uses the
	// system default.
	InputDevice string `yaml:"input_device"`

	// OutputBuffer sizes the playback buffer.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// AuthConfig says where the session token comes from.
type AuthConfig struct {
	// TokenEnv names the environment variable holding the token.
	TokenEnv string `yaml:"token_env"`

	// TokenFile is a file holding the token. Re-read on every connect.
	TokenFile string `yaml:"token_file"`

	// Leeway rejects tokens expiring within this window.
	Leeway time.Duration `yaml:"leeway"`
}
