package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sumnex/voicecall/internal/config"
	"github.com/sumnex/voicecall/pkg/audio/codec"
)

const baseTransport = "transport:\n  url: wss://voice.example.com/ws\n"

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{"missing transport url", "server:\n  log_level: info\n", "transport.url is required"},
		{"bad transport scheme", "transport:\n  url: ftp://voice.example.com\n", "must be a ws, wss, http or https URL"},
		{"invalid log level", baseTransport + "server:\n  log_level: verbose\n", "server.log_level"},
		{"invalid call type", baseTransport + "call:\n  call_type: fax\n", "call.call_type"},
		{"speed out of range", baseTransport + "call:\n  voice_settings:\n    speed: 9\n", "call.voice_settings.speed"},
		{"negative inactivity", baseTransport + "call:\n  inactivity_timeout: -1s\n", "call.inactivity_timeout"},
		{"threshold above zero", baseTransport + "vad:\n  voice_threshold_db: 3\n", "vad.voice_threshold_db"},
		{"threshold at full scale", baseTransport + "vad:\n  voice_threshold_db: 0\n", "out of range [-100, 0)"},
		{"negative silence", baseTransport + "vad:\n  silence_threshold: -2s\n", "vad.silence_threshold"},
		{"tick not shorter than silence", baseTransport + "vad:\n  silence_threshold: 100ms\n  tick_interval: 100ms\n", "vad.tick_interval"},
		{"smoothing out of range", baseTransport + "vad:\n  smoothing: 1\n", "vad.smoothing"},
		{"unknown codec", baseTransport + "capture:\n  codec: mp3\n", "capture.codec"},
		{"three channels", baseTransport + "capture:\n  channels: 3\n", "capture:"},
		{"max backoff below backoff", "transport:\n  url: wss://x\n  backoff: 2s\n  max_backoff: 1s\n", "transport.max_backoff"},
		{"unknown speech provider", baseTransport + "speech:\n  provider: polly\n", "speech.provider"},
		{"fallback without provider", baseTransport + "speech:\n  fallback: coqui\n  coqui:\n    url: http://localhost:5002\n", "speech.fallback requires"},
		{"elevenlabs without key", baseTransport + "speech:\n  provider: elevenlabs\n", "api_key or api_key_env"},
		{"coqui without url", baseTransport + "speech:\n  provider: coqui\n", "speech.coqui.url"},
		{"invalid backend", baseTransport + "audio:\n  backend: pulse\n", "audio.backend"},
		{"negative leeway", baseTransport + "auth:\n  leeway: -1m\n", "auth.leeway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_UnknownCodecWrapsSentinel(t *testing.T) {
	cfg := &config.Config{
		Transport: config.TransportConfig{URL: "wss://voice.example.com/ws"},
		Capture:   config.CaptureConfig{Codec: "flac"},
	}
	if err := config.Validate(cfg); !errors.Is(err, codec.ErrUnknownCodec) {
		t.Errorf("err = %v, want ErrUnknownCodec", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	yaml := `
server:
  log_level: loud
vad:
  voice_threshold_db: 10
audio:
  backend: pulse
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "vad.voice_threshold_db", "audio.backend", "transport.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_PlainTransportIsAllowed(t *testing.T) {
	if _, err := config.LoadFromReader(strings.NewReader("transport:\n  url: ws://localhost:3000/voice\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicecall.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.URL != "wss://voice.example.com/ws" {
		t.Errorf("transport.url: got %q", cfg.Transport.URL)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Call.TurnTimeout.Seconds() != 45 {
		t.Errorf("turn_timeout = %s, want 45s", cfg.Call.TurnTimeout)
	}
	if cfg.Speech.Fallback != "coqui" {
		t.Errorf("speech.fallback = %q, want coqui", cfg.Speech.Fallback)
	}
}
