package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/voicehalo/agentline/pkg/audio"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values that have sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = 48000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	} else if u, err := url.Parse(cfg.Gateway.URL); err != nil {
		errs = append(errs, fmt.Errorf("gateway.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("gateway.url scheme %q is invalid; must be ws or wss", u.Scheme))
	}

	if cfg.Gateway.MaxReconnects < 0 {
		errs = append(errs, errors.New("gateway.max_reconnects must not be negative"))
	}

	if cfg.Directory.BaseURL != "" {
		if u, err := url.Parse(cfg.Directory.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("directory.base_url: %w", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("directory.base_url scheme %q is invalid; must be http or https", u.Scheme))
		}
	}

	if cfg.Audio.InputSampleRate < audio.WireSampleRate {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is below the wire rate %d",
			cfg.Audio.InputSampleRate, audio.WireSampleRate))
	}

	return errors.Join(errs...)
}
