package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func TestValidate_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"relative base url", "backend:\n  base_url: voice.local:8080\n", "backend.base_url"},
		{"websocket base url", "backend:\n  base_url: ws://voice.local\n", "backend.base_url"},
		{"path without slash", "backend:\n  tts_path: tts/stream\n", "backend.tts_path"},
		{"negative timeout", "backend:\n  request_timeout: -1s\n", "backend.request_timeout"},
		{"rate too low", "audio:\n  target_rate: 4000\n", "audio.target_rate"},
		{"zero frame", "audio:\n  frame_duration: 0s\n", "audio.frame_duration"},
		{"frame below one sample", "audio:\n  frame_duration: 1us\n", "shorter than one sample"},
		{"gain above one", "audio:\n  headroom_gain: 1.5\n", "audio.headroom_gain"},
		{"negative prebuffer", "audio:\n  prebuffer: -10ms\n", "audio.prebuffer"},
		{"no jitter slots", "audio:\n  jitter_capacity: 0\n", "audio.jitter_capacity"},
		{"slots below prebuffer", "audio:\n  jitter_capacity: 1\n  prebuffer: 150ms\n", "need at least 2 slots"},
		{"unknown backend", "audio:\n  output_backend: pulse\n", "audio.output_backend"},
		{"negative channels", "audio:\n  capture_channels: -2\n", "audio.capture_channels"},
		{"journal capacity", "journal:\n  capacity: 0\n", "journal.capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ReportsAllFailures(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
backend:
  base_url: nowhere
audio:
  output_backend: alsa
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "backend.base_url", "audio.output_backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_EmptyVoiceAllowed(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("voice:\n  id: \"\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Voice.ID != "" {
		t.Errorf("voice.id: got %q", cfg.Voice.ID)
	}
}

func TestValidate_NormalisesInPlace(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	cfg.Backend.BaseURL = " http://voice.local:8080/ "
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Backend.BaseURL != "http://voice.local:8080" {
		t.Errorf("got %q", cfg.Backend.BaseURL)
	}
}

func TestValidate_JitterCapacityCoversPrebuffer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"exactly enough", "audio:\n  jitter_capacity: 2\n  prebuffer: 200ms\n"},
		{"no prebuffer", "audio:\n  jitter_capacity: 1\n  prebuffer: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := config.LoadFromReader(strings.NewReader(tt.yaml)); err != nil {
				t.Errorf("LoadFromReader: %v", err)
			}
		})
	}
}
