package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/sumnex/voicecall/internal/config"
	"github.com/sumnex/voicecall/internal/vad"
	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9464"
  log_level: info

call:
  user_id: user-42
  call_type: voice
  language: en-US
  voice_settings:
    voice: shimmer
    speed: 1.5
  greeting: "Hi, how can I help?"
  hallucinations: ["thanks for watching"]
  inactivity_timeout: 5m
  turn_timeout: 30s
  error_threshold: 3
  error_reset_timeout: 20s

vad:
  voice_threshold_db: -45
  silence_threshold: 1500ms
  min_voice_duration: 600ms
  process_cooldown: 1s
  tick_interval: 50ms
  smoothing: 0.5

capture:
  codec: opus
  sample_rate: 24000
  channels: 1
  min_payload_bytes: 2000
  max_duration: 30s

transport:
  url: wss://voice.example.com/ws
  max_attempts: 4
  backoff: 500ms
  max_backoff: 5s

speech:
  provider: elevenlabs
  fallback: coqui
  voice: rachel
  elevenlabs:
    api_key_env: ELEVENLABS_API_KEY
    model: eleven_flash_v2_5
    output_format: pcm_24000
  coqui:
    url: http://localhost:5002
    language: en

audio:
  backend: portaudio
  input_device: "USB Headset"

auth:
  token_env: SUMNEX_TOKEN
  leeway: 30s
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9464" {
		t.Errorf("server.listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Call.CallType != types.CallVoice {
		t.Errorf("call.call_type: got %q", cfg.Call.CallType)
	}
	if cfg.Call.VoiceSettings.VoiceID() != "shimmer" || cfg.Call.VoiceSettings.Speed != 1.5 {
		t.Errorf("call.voice_settings: got %+v", cfg.Call.VoiceSettings)
	}
	if cfg.Call.InactivityTimeout != 5*time.Minute {
		t.Errorf("call.inactivity_timeout: got %s, want 5m", cfg.Call.InactivityTimeout)
	}
	if cfg.VAD.VoiceThresholdDB == nil || *cfg.VAD.VoiceThresholdDB != -45 {
		t.Errorf("vad.voice_threshold_db: got %v, want -45", cfg.VAD.VoiceThresholdDB)
	}
	if cfg.VAD.SilenceThreshold != 1500*time.Millisecond {
		t.Errorf("vad.silence_threshold: got %s, want 1.5s", cfg.VAD.SilenceThreshold)
	}
	if cfg.VAD.Smoothing == nil || *cfg.VAD.Smoothing != 0.5 {
		t.Errorf("vad.smoothing: got %v, want 0.5", cfg.VAD.Smoothing)
	}
	if cfg.Capture.Codec != "opus" {
		t.Errorf("capture.codec: got %q", cfg.Capture.Codec)
	}
	if cfg.Transport.MaxAttempts != 4 {
		t.Errorf("transport.max_attempts: got %d, want 4", cfg.Transport.MaxAttempts)
	}
	if cfg.Speech.Fallback != "coqui" || cfg.Speech.Coqui.URL != "http://localhost:5002" {
		t.Errorf("speech: got %+v", cfg.Speech)
	}
	if cfg.Audio.Backend != config.BackendPortAudio {
		t.Errorf("audio.backend: got %q", cfg.Audio.Backend)
	}
	if cfg.Auth.Leeway != 30*time.Second {
		t.Errorf("auth.leeway: got %s", cfg.Auth.Leeway)
	}
}

func TestLoadFromReader_MinimalIsValid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("transport:\n  url: wss://voice.example.com/ws\n"))
	if err != nil {
		t.Fatalf("unexpected error for minimal config: %v", err)
	}
	if got := cfg.VAD.Detector(); got != (vad.Config{}) {
		t.Errorf("zero vad section should map to zero detector config, got %+v", got)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
transport:
  url: wss://voice.example.com/ws
  retries: 3
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestVADConfig_Detector(t *testing.T) {
	c := config.VADConfig{
		VoiceThresholdDB: dbfs(-40),
		SilenceThreshold: time.Second,
		MinVoiceDuration: 500 * time.Millisecond,
		ProcessCooldown:  2 * time.Second,
		TickInterval:     50 * time.Millisecond,
	}
	want := vad.Config{
		VoiceThreshold:   -40,
		SilenceThreshold: time.Second,
		MinVoiceDuration: 500 * time.Millisecond,
		ProcessCooldown:  2 * time.Second,
		TickInterval:     50 * time.Millisecond,
	}
	if got := c.Detector(); got != want {
		t.Errorf("Detector() = %+v, want %+v", got, want)
	}
}

func TestCaptureConfig_Format(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.CaptureConfig
		want audio.Format
	}{
		{"default", config.CaptureConfig{}, audio.DefaultFormat},
		{"rate only", config.CaptureConfig{SampleRate: 48000}, audio.Format{SampleRate: 48000, Channels: 1}},
		{"stereo", config.CaptureConfig{SampleRate: 24000, Channels: 2}, audio.Format{SampleRate: 24000, Channels: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Format(); got != tt.want {
				t.Errorf("Format() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func dbfs(v float64) *float64 { return &v }
