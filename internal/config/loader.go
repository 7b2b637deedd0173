package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Default returns a config with the built-in defaults applied. A missing
// config file is not an error; Aria runs with these values plus the
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		API: APIConfig{
			Provider: "gemini",
		},
		Session: SessionConfig{
			Voice:         "Aoede",
			Modality:      "audio",
			Transcription: true,
		},
		Audio: AudioConfig{
			Volume: 1,
		},
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. An empty path returns the
// defaults with overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

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

// LoadFromReader decodes a YAML config from r on top of the defaults,
// applies environment overrides, and validates the result. Unknown YAML
// fields are rejected. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Credentials take this
// path so they never have to live in a config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARIA_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("ARIA_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.API.Provider == "" {
		errs = append(errs, errors.New("api.provider is required"))
	}

	if cfg.Session.Modality != "" && !cfg.Session.Modality.IsValid() {
		errs = append(errs, fmt.Errorf("session.modality %q is invalid; valid values: audio, text", cfg.Session.Modality))
	}
	if s := cfg.Session.VAD.StartSensitivity; s != "" && !s.IsValid() {
		errs = append(errs, fmt.Errorf("session.vad.start_sensitivity %q is invalid; valid values: high, low", s))
	}
	if s := cfg.Session.VAD.EndSensitivity; s != "" && !s.IsValid() {
		errs = append(errs, fmt.Errorf("session.vad.end_sensitivity %q is invalid; valid values: high, low", s))
	}
	if cfg.Session.VAD.SilenceMs < 0 {
		errs = append(errs, fmt.Errorf("session.vad.silence_ms %d must not be negative", cfg.Session.VAD.SilenceMs))
	}

	if v := cfg.Audio.Volume; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("audio.volume %.2f is out of range [0, 1]", v))
	}

	return errors.Join(errs...)
}
