// Package config loads uniformcore settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all uniformcore configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Blob    BlobConfig    `yaml:"blob"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// StorageConfig selects the catalog persistence backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory, sqlite, postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BlobConfig selects where backups are written.
type BlobConfig struct {
	Driver string   `yaml:"driver"` // fs, s3, memory
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config configures the S3 blob driver.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Development bool   `yaml:"development"`
}

// TracingConfig enables the JSON span log written by serve.
type TracingConfig struct {
	// Path receives one JSON line per service operation; empty disables tracing.
	Path string `yaml:"path"`
}

// Supported driver names.
var (
	ValidStorageDrivers = []string{"memory", "sqlite", "postgres"}
	ValidBlobDrivers    = []string{"fs", "s3", "memory"}
	ValidLogFormats     = []string{"json", "console"}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "uniformcore.db",
		},
		Blob: BlobConfig{
			Driver: "fs",
			FSRoot: "blobdata",
			S3:     S3Config{Region: "us-east-1"},
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies UNIFORMCORE_* environment variables.
func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("UNIFORMCORE_STORAGE_DRIVER", &c.Storage.Driver)
	setString("UNIFORMCORE_SQLITE_PATH", &c.Storage.SQLitePath)
	setString("UNIFORMCORE_POSTGRES_DSN", &c.Storage.PostgresDSN)

	setString("UNIFORMCORE_BLOB_DRIVER", &c.Blob.Driver)
	setString("UNIFORMCORE_BLOB_FS_ROOT", &c.Blob.FSRoot)
	setString("UNIFORMCORE_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	setString("UNIFORMCORE_BLOB_S3_REGION", &c.Blob.S3.Region)
	setString("UNIFORMCORE_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	setString("UNIFORMCORE_BLOB_S3_ACCESS_KEY", &c.Blob.S3.AccessKey)
	setString("UNIFORMCORE_BLOB_S3_SECRET_KEY", &c.Blob.S3.SecretKey)
	if v := os.Getenv("UNIFORMCORE_BLOB_S3_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Blob.S3.UsePathStyle = b
		}
	}

	setString("UNIFORMCORE_HTTP_ADDR", &c.HTTP.Addr)
	setString("UNIFORMCORE_LOG_LEVEL", &c.Logging.Level)
	setString("UNIFORMCORE_LOG_FORMAT", &c.Logging.Format)
	setString("UNIFORMCORE_TRACE_PATH", &c.Tracing.Path)
}

// GetShutdownTimeout returns the HTTP shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTP.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidStorageDrivers, c.Storage.Driver) {
		return fmt.Errorf("invalid storage driver: %s (valid: %v)", c.Storage.Driver, ValidStorageDrivers)
	}
	if !contains(ValidBlobDrivers, c.Blob.Driver) {
		return fmt.Errorf("invalid blob driver: %s (valid: %v)", c.Blob.Driver, ValidBlobDrivers)
	}
	if c.Blob.Driver == "s3" && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob driver s3 requires a bucket (set UNIFORMCORE_BLOB_S3_BUCKET)")
	}
	if c.Logging.Format != "" && !contains(ValidLogFormats, c.Logging.Format) {
		return fmt.Errorf("invalid log format: %s (valid: %v)", c.Logging.Format, ValidLogFormats)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
