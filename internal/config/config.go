// Package config provides the configuration schema and loader for the
// agentline client.
package config

import "time"

// LogLevel controls log verbosity for the agentline CLI.
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

// Config is the root configuration structure for agentline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Client      ClientProfile     `yaml:"client"`
	Audio       AudioConfig       `yaml:"audio"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// GatewayConfig describes the voice-agent gateway the client dials.
type GatewayConfig struct {
	// URL is the WebSocket endpoint of the media-stream gateway
	// (e.g. "wss://gateway.example.com/stream").
	URL string `yaml:"url"`

	// AccountSid identifies the calling account in the start handshake.
	AccountSid string `yaml:"account_sid"`

	// ConnectTimeout bounds channel establishment. Zero uses the session
	// default (10s).
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxReconnects is the number of automatic reconnect attempts before the
	// session goes terminal. Zero uses the session default (5).
	MaxReconnects int `yaml:"max_reconnects"`

	// InitialBackoff is the first automatic reconnect delay. Zero uses the
	// session default (1s).
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the reconnect delay. Zero uses the session default (30s).
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DirectoryConfig describes the agent directory service used to resolve
// agent records before a call.
type DirectoryConfig struct {
	// BaseURL is the HTTP base of the directory service
	// (e.g. "https://api.example.com"). Empty disables directory lookups;
	// the CLI then requires agent details on the command line.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// Timeout bounds each directory request. Default 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// ClientProfile is the locally persisted identity of the calling user. It
// populates the handshake "from" field and display labels only.
type ClientProfile struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// AudioConfig describes the capture input and playback output of the CLI.
type AudioConfig struct {
	// InputPCM is the path of a raw 16-bit little-endian mono PCM file used
	// as the microphone, or "-" for stdin.
	InputPCM string `yaml:"input_pcm"`

	// InputSampleRate is the native rate of InputPCM in Hz. Default 48000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputPCM is the path the agent's audio is recorded to as raw PCM at
	// 8 kHz. Empty discards playback.
	OutputPCM string `yaml:"output_pcm"`
}

// DiagnosticsConfig configures the optional diagnostics HTTP listener
// serving /metrics, /healthz and /readyz.
type DiagnosticsConfig struct {
	// ListenAddr is the TCP address to serve diagnostics on
	// (e.g. "127.0.0.1:9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`
}
