package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/pkg/audio"
)

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

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
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

// Validate checks that cfg contains a coherent set of values and normalises
// the base URL in place. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if base, err := NormalizeBaseURL(cfg.Backend.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
	} else {
		cfg.Backend.BaseURL = base
	}
	for _, p := range []struct{ name, value string }{
		{"asr_path", cfg.Backend.ASRPath},
		{"tts_path", cfg.Backend.TTSPath},
		{"agent_tts_path", cfg.Backend.AgentTTSPath},
		{"agent_wav_path", cfg.Backend.AgentWAVPath},
		{"agent_reply_path", cfg.Backend.AgentReplyPath},
		{"health_path", cfg.Backend.HealthPath},
	} {
		if !strings.HasPrefix(p.value, "/") {
			errs = append(errs, fmt.Errorf("backend.%s %q must start with /", p.name, p.value))
		}
	}
	if cfg.Backend.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.request_timeout %s must not be negative", cfg.Backend.RequestTimeout))
	}

	// Voice
	if strings.TrimSpace(cfg.Voice.ID) == "" {
		slog.Warn("voice.id is empty; the server default voice will be used")
	}

	// Audio
	a := cfg.Audio
	if a.TargetRate < 8000 || a.TargetRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.target_rate %d is out of range [8000, 48000]", a.TargetRate))
	}
	if a.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s must be positive", a.FrameDuration))
	} else if a.TargetRate > 0 && a.FrameSize() == 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s is shorter than one sample", a.FrameDuration))
	}
	if a.HeadroomGain <= 0 || a.HeadroomGain > 1 {
		errs = append(errs, fmt.Errorf("audio.headroom_gain %.2f is out of range (0, 1]", a.HeadroomGain))
	}
	if a.Prebuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.prebuffer %s must not be negative", a.Prebuffer))
	}
	if a.JitterCapacity < 1 {
		errs = append(errs, fmt.Errorf("audio.jitter_capacity %d must be at least 1", a.JitterCapacity))
	} else if need := a.PrebufferSamples(); a.Prebuffer > 0 && a.JitterCapacity*audio.StreamReadSamples < need {
		errs = append(errs, fmt.Errorf("audio.jitter_capacity %d cannot hold the %s pre-buffer (%d samples); need at least %d slots",
			a.JitterCapacity, a.Prebuffer, need, (need+audio.StreamReadSamples-1)/audio.StreamReadSamples))
	}
	if !a.OutputBackend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.output_backend %q is invalid; valid values: malgo, oto", a.OutputBackend))
	}
	if a.CaptureChannels < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_channels %d must not be negative", a.CaptureChannels))
	}

	// Journal
	if cfg.Journal.Capacity < 1 {
		errs = append(errs, fmt.Errorf("journal.capacity %d must be at least 1", cfg.Journal.Capacity))
	}
	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; transcripts are kept in memory only")
	}

	return errors.Join(errs...)
}
