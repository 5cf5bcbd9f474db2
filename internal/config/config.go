// Package config provides the configuration schema, loader, and file watcher
// for the Viva interview engine.
package config

import "time"

// LogLevel controls log verbosity for the Viva server.
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

// Config is the root configuration structure for Viva.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Live     LiveConfig     `yaml:"live"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Screen   ScreenConfig   `yaml:"screen"`
	Storage  StorageConfig  `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds network and logging settings for the Viva server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server (health + metrics)
	// listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig configures the realtime speech-to-speech provider connection.
type LiveConfig struct {
	// APIKey authenticates against the Gemini Live API. Required for any
	// session to start.
	APIKey string `yaml:"api_key"`

	// Model names the live model (e.g., "gemini-2.0-flash-live-001").
	// Leave empty to use the client default.
	Model string `yaml:"model"`

	// Voice selects the prebuilt voice for synthesised speech.
	Voice string `yaml:"voice"`

	// BaseURL overrides the websocket endpoint. Leave empty for the
	// provider default.
	BaseURL string `yaml:"base_url"`

	// TranscribeInput requests transcription of candidate speech.
	TranscribeInput bool `yaml:"transcribe_input"`

	// TranscribeOutput requests transcription of interviewer speech.
	TranscribeOutput bool `yaml:"transcribe_output"`
}

// CaptureConfig tunes the microphone capture engine.
type CaptureConfig struct {
	// BlockSamples is the number of PCM samples emitted per microphone
	// chunk. Zero selects the engine default.
	BlockSamples int `yaml:"block_samples"`
}

// PlaybackConfig tunes the gapless playback scheduler. Zero values select
// the scheduler defaults.
type PlaybackConfig struct {
	FrameDuration time.Duration `yaml:"frame_duration"`
	LookAhead     time.Duration `yaml:"look_ahead"`
	StartLatency  time.Duration `yaml:"start_latency"`
}

// ScreenConfig tunes the periodic screen capture engine.
type ScreenConfig struct {
	// Enabled turns screen sharing support on for sessions.
	Enabled bool `yaml:"enabled"`

	// Interval is the time between captured frames. Zero selects the
	// engine default.
	Interval time.Duration `yaml:"interval"`

	// JPEGQuality is the JPEG encoder quality in [1, 100]. Zero selects
	// the engine default.
	JPEGQuality int `yaml:"jpeg_quality"`
}

// StorageConfig configures persistence of finished interview sessions.
type StorageConfig struct {
	// PostgresDSN is the connection string for the session store. When
	// empty, sessions are kept in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ArchiveConfig configures the semantic transcript archive.
type ArchiveConfig struct {
	// Enabled turns transcript embedding and indexing on.
	Enabled bool `yaml:"enabled"`

	// APIKey authenticates against the embeddings provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the embeddings API endpoint.
	BaseURL string `yaml:"base_url"`

	// EmbeddingModel names the embedding model (e.g., "text-embedding-3-small").
	EmbeddingModel string `yaml:"embedding_model"`

	// EmbeddingDimensions is the vector width stored in pgvector. Must
	// match the column definition of the transcript index.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}
