// Package config handles configuration loading, validation, and environment
// overrides for chatpipe.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"chatpipe/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATPIPE_"

// Transport values for Backend.Transport.
const (
	TransportListen    = "listen"
	TransportWebsocket = "websocket"
)

// Config holds the complete chatpipe configuration.
type Config struct {
	Identity  IdentityConfig  `toml:"identity" yaml:"identity" envPrefix:"IDENTITY_"`
	Backend   BackendConfig   `toml:"backend" yaml:"backend" envPrefix:"BACKEND_"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Reconcile ReconcileConfig `toml:"reconcile" yaml:"reconcile" envPrefix:"RECONCILE_"`
	Recorder  RecorderConfig  `toml:"recorder" yaml:"recorder" envPrefix:"RECORDER_"`
	Push      PushConfig      `toml:"push" yaml:"push" envPrefix:"PUSH_"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging" envPrefix:"LOG_"`
}

// IdentityConfig names the local user.
type IdentityConfig struct {
	UserID string `toml:"user_id" yaml:"user_id" env:"USER_ID"`
}

// BackendConfig locates the message store and its push channel.
type BackendConfig struct {
	DatabaseURL string `toml:"database_url" yaml:"database_url" env:"DATABASE_URL"`
	MaxConns    int32  `toml:"max_conns" yaml:"max_conns" env:"MAX_CONNS"`

	// Transport selects how inserted rows are pushed: LISTEN/NOTIFY on the
	// database or a websocket endpoint.
	Transport    string        `toml:"transport" yaml:"transport" env:"TRANSPORT"`
	WebsocketURL string        `toml:"websocket_url" yaml:"websocket_url" env:"WEBSOCKET_URL"`
	Timeout      time.Duration `toml:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// StorageConfig holds local paths.
type StorageConfig struct {
	BlobRoot      string `toml:"blob_root" yaml:"blob_root" env:"BLOB_ROOT"`
	RecordingsDir string `toml:"recordings_dir" yaml:"recordings_dir" env:"RECORDINGS_DIR"`
	OutboxPath    string `toml:"outbox_path" yaml:"outbox_path" env:"OUTBOX_PATH"`
	LockPath      string `toml:"lock_path" yaml:"lock_path" env:"LOCK_PATH"`
}

// ReconcileConfig tunes the conversation engine.
type ReconcileConfig struct {
	MatchTolerance    time.Duration `toml:"match_tolerance" yaml:"match_tolerance" env:"MATCH_TOLERANCE"`
	PushLimit         int           `toml:"push_limit" yaml:"push_limit" env:"PUSH_LIMIT"`
	BackgroundTimeout time.Duration `toml:"background_timeout" yaml:"background_timeout" env:"BACKGROUND_TIMEOUT"`
}

// RecorderConfig tunes voice capture.
type RecorderConfig struct {
	Tick                 time.Duration `toml:"tick" yaml:"tick" env:"TICK"`
	FinalizePollInterval time.Duration `toml:"finalize_poll_interval" yaml:"finalize_poll_interval" env:"FINALIZE_POLL_INTERVAL"`
	FinalizeAttempts     int           `toml:"finalize_attempts" yaml:"finalize_attempts" env:"FINALIZE_ATTEMPTS"`
	MinFileBytes         int64         `toml:"min_file_bytes" yaml:"min_file_bytes" env:"MIN_FILE_BYTES"`
	FileExtension        string        `toml:"file_extension" yaml:"file_extension" env:"FILE_EXTENSION"`
}

// PushConfig controls push-delivery dispatch.
type PushConfig struct {
	Enabled     bool          `toml:"enabled" yaml:"enabled" env:"ENABLED"`
	RedisURL    string        `toml:"redis_url" yaml:"redis_url" env:"REDIS_URL"`
	Queue       string        `toml:"queue" yaml:"queue" env:"QUEUE"`
	Coalesce    time.Duration `toml:"coalesce" yaml:"coalesce" env:"COALESCE"`
	Concurrency int           `toml:"concurrency" yaml:"concurrency" env:"CONCURRENCY"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled" env:"ENABLED"`
	Namespace  string `toml:"namespace" yaml:"namespace" env:"NAMESPACE"`
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// LoggingConfig mirrors logging.Config in file form.
type LoggingConfig struct {
	Level     string `toml:"level" yaml:"level" env:"LEVEL"`
	Format    string `toml:"format" yaml:"format" env:"FORMAT"`
	Output    string `toml:"output" yaml:"output" env:"OUTPUT"`
	FilePath  string `toml:"file_path" yaml:"file_path" env:"FILE_PATH"`
	AddSource bool   `toml:"add_source" yaml:"add_source" env:"ADD_SOURCE"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Backend: BackendConfig{
			MaxConns:  10,
			Transport: TransportListen,
			Timeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			BlobRoot:      filepath.Join(dataDir, "blobs"),
			RecordingsDir: filepath.Join(dataDir, "recordings"),
			OutboxPath:    filepath.Join(dataDir, "outbox.db"),
			LockPath:      filepath.Join(dataDir, "chatpipe.lock"),
		},
		Reconcile: ReconcileConfig{
			MatchTolerance:    5 * time.Second,
			PushLimit:         10,
			BackgroundTimeout: 10 * time.Second,
		},
		Recorder: RecorderConfig{
			Tick:                 time.Second,
			FinalizePollInterval: 100 * time.Millisecond,
			FinalizeAttempts:     30,
			MinFileBytes:         1,
			FileExtension:        ".m4a",
		},
		Push: PushConfig{
			Queue:       "push",
			Coalesce:    2 * time.Second,
			Concurrency: 2,
		},
		Metrics: MetricsConfig{
			Namespace:  "chatpipe",
			ListenAddr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file yields the defaults. Load does not validate.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies CHATPIPE_* variables, e.g.
// CHATPIPE_BACKEND_DATABASE_URL or CHATPIPE_LOG_LEVEL.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the local directories chatpipe writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.BlobRoot,
		c.Storage.RecordingsDir,
		filepath.Dir(c.Storage.OutboxPath),
		filepath.Dir(c.Storage.LockPath),
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ToLogging converts the file form into a logging.Config.
func (l LoggingConfig) ToLogging() (*logging.Config, error) {
	cfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	cfg.Level = level
	cfg.Format = format
	if l.Output != "" {
		cfg.Output = l.Output
	}
	cfg.FilePath = l.FilePath
	cfg.AddSource = l.AddSource
	return cfg, nil
}
