package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
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

	// Live provider
	if cfg.Live.APIKey == "" {
		slog.Warn("live.api_key is empty; interview sessions will fail to connect")
	}

	// Capture
	if cfg.Capture.BlockSamples < 0 {
		errs = append(errs, fmt.Errorf("capture.block_samples %d must not be negative", cfg.Capture.BlockSamples))
	}

	// Playback
	if cfg.Playback.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("playback.frame_duration %s must not be negative", cfg.Playback.FrameDuration))
	}
	if cfg.Playback.LookAhead < 0 {
		errs = append(errs, fmt.Errorf("playback.look_ahead %s must not be negative", cfg.Playback.LookAhead))
	}
	if cfg.Playback.StartLatency < 0 {
		errs = append(errs, fmt.Errorf("playback.start_latency %s must not be negative", cfg.Playback.StartLatency))
	}
	// Screen capture
	if cfg.Screen.Interval < 0 {
		errs = append(errs, fmt.Errorf("screen.interval %s must not be negative", cfg.Screen.Interval))
	}
	if cfg.Screen.JPEGQuality != 0 && (cfg.Screen.JPEGQuality < 1 || cfg.Screen.JPEGQuality > 100) {
		errs = append(errs, fmt.Errorf("screen.jpeg_quality %d is out of range [1, 100]", cfg.Screen.JPEGQuality))
	}

	// Archive ↔ storage cross-validation
	if cfg.Archive.Enabled {
		if cfg.Archive.APIKey == "" {
			errs = append(errs, errors.New("archive.api_key is required when archive.enabled is true"))
		}
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("archive.enabled requires storage.postgres_dsn for the transcript index"))
		}
		if cfg.Archive.EmbeddingDimensions <= 0 {
			slog.Warn("archive.embedding_dimensions is not set; defaulting to 1536")
		}
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; finished sessions will not be persisted")
	}

	return errors.Join(errs...)
}
