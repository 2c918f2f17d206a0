// Package config provides the configuration schema, loader, watcher and
// output backend registry for the parley voice client.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
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

// OutputBackend selects the playback device implementation.
type OutputBackend string

const (
	// OutputMalgo renders from a callback-driven miniaudio device.
	OutputMalgo OutputBackend = "malgo"

	// OutputOto renders from a reader-driven oto player.
	OutputOto OutputBackend = "oto"
)

// IsValid reports whether b is a recognised output backend.
func (b OutputBackend) IsValid() bool {
	return b == OutputMalgo || b == OutputOto
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]; fields absent from the file keep
// the values of [Defaults].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Voice   VoiceConfig   `yaml:"voice"`
	Audio   AudioConfig   `yaml:"audio"`
	Reply   ReplyConfig   `yaml:"reply"`
	Journal JournalConfig `yaml:"journal"`
}

// ServerConfig holds logging and the local status endpoint.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// StatusAddr is the TCP address of the status server serving /healthz,
	// /readyz and /metrics. Empty disables it.
	StatusAddr string `yaml:"status_addr"`
}

// BackendConfig locates the voice server.
type BackendConfig struct {
	// BaseURL is the absolute http(s) URL of the voice server. The
	// recognition WebSocket URL is derived from it.
	BaseURL string `yaml:"base_url"`

	ASRPath        string `yaml:"asr_path"`
	TTSPath        string `yaml:"tts_path"`
	AgentTTSPath   string `yaml:"agent_tts_path"`
	AgentWAVPath   string `yaml:"agent_wav_path"`
	AgentReplyPath string `yaml:"agent_reply_path"`
	HealthPath     string `yaml:"health_path"`

	// RequestTimeout bounds connection setup and response headers. Streaming
	// bodies are not subject to it.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// VoiceConfig selects the synthesis voice and agent persona. Hot-reloadable.
type VoiceConfig struct {
	// ID is the voice model requested from the server. Empty selects the
	// server's default voice.
	ID string `yaml:"id"`

	// SystemPrompt is sent with agent requests when non-empty.
	SystemPrompt string `yaml:"system_prompt"`
}

// AudioConfig tunes the capture pipeline and playback buffer.
type AudioConfig struct {
	TargetRate      int           `yaml:"target_rate"`
	FrameDuration   time.Duration `yaml:"frame_duration"`
	HeadroomGain    float32       `yaml:"headroom_gain"`
	Prebuffer       time.Duration `yaml:"prebuffer"`
	JitterCapacity  int           `yaml:"jitter_capacity"`
	OutputBackend   OutputBackend `yaml:"output_backend"`
	CaptureChannels int           `yaml:"capture_channels"`
}

// FrameSize returns the number of samples per transport frame.
func (a AudioConfig) FrameSize() int {
	return int(int64(a.TargetRate) * int64(a.FrameDuration) / int64(time.Second))
}

// PrebufferSamples returns the pre-buffer gate in samples at TargetRate.
func (a AudioConfig) PrebufferSamples() int {
	return int(int64(a.TargetRate) * int64(a.Prebuffer) / int64(time.Second))
}

// ReplyConfig controls automatic agent replies. Hot-reloadable.
type ReplyConfig struct {
	// Auto makes every non-empty final trigger a spoken agent reply.
	Auto bool `yaml:"auto"`

	// SpeakChatReplies makes text queries speak their reply as well.
	SpeakChatReplies bool `yaml:"speak_chat_replies"`
}

// JournalConfig selects where transcripts are recorded.
type JournalConfig struct {
	// PostgresDSN enables the PostgreSQL journal. Empty keeps an in-memory
	// journal.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Capacity is the number of entries the in-memory journal retains.
	Capacity int `yaml:"capacity"`
}

// Defaults returns the configuration used for every field a file leaves out.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:8080",
			ASRPath:        "/ws/asr",
			TTSPath:        "/tts/stream",
			AgentTTSPath:   "/agent/tts/stream",
			AgentWAVPath:   "/agent/tts",
			AgentReplyPath: "/agent/reply",
			HealthPath:     "/health",
			RequestTimeout: 30 * time.Second,
		},
		Voice: VoiceConfig{ID: "en_US-amy-medium.onnx"},
		Audio: AudioConfig{
			TargetRate:      16000,
			FrameDuration:   20 * time.Millisecond,
			HeadroomGain:    0.95,
			Prebuffer:       150 * time.Millisecond,
			JitterCapacity:  512,
			OutputBackend:   OutputMalgo,
			CaptureChannels: 1,
		},
		Reply:   ReplyConfig{Auto: true},
		Journal: JournalConfig{Capacity: 256},
	}
}

// NormalizeBaseURL validates raw as an absolute http or https URL and strips
// trailing slashes.
func NormalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("base url %q must start with http:// or https://", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ASRURL derives the recognition WebSocket URL from the base URL: http
// becomes ws and https becomes wss.
func (b BackendConfig) ASRURL() (string, error) {
	base, err := NormalizeBaseURL(b.BaseURL)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(base)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(b.ASRPath, "/")
	return u.String(), nil
}
