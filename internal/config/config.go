// Package config loads process configuration from NIMBUS_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete runtime configuration of the control plane.
type Config struct {
	Storage StorageConfig
	Blob    BlobConfig
	Policy  PolicyConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string `env:"NIMBUS_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"NIMBUS_SQLITE_PATH"    envDefault:"nimbus.db"`
	PostgresDSN string `env:"NIMBUS_POSTGRES_DSN"`
}

// BlobConfig selects where published recipes are written.
type BlobConfig struct {
	Driver            string `env:"NIMBUS_BLOB_DRIVER"               envDefault:"fs"`
	FSRoot            string `env:"NIMBUS_BLOB_FS_ROOT"              envDefault:"./blobdata"`
	S3Bucket          string `env:"NIMBUS_BLOB_S3_BUCKET"`
	S3Region          string `env:"NIMBUS_BLOB_S3_REGION"            envDefault:"us-east-1"`
	S3Prefix          string `env:"NIMBUS_BLOB_S3_PREFIX"`
	S3Endpoint        string `env:"NIMBUS_BLOB_S3_ENDPOINT"`
	S3PathStyle       bool   `env:"NIMBUS_BLOB_S3_PATH_STYLE"`
	S3AccessKeyID     string `env:"NIMBUS_BLOB_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"NIMBUS_BLOB_S3_SECRET_ACCESS_KEY"`
}

// PolicyConfig tunes the lifecycle and allocation policy.
type PolicyConfig struct {
	ReviewTimeout        time.Duration `env:"NIMBUS_REVIEW_TIMEOUT"          envDefault:"1h"`
	BucketTotal          int           `env:"NIMBUS_BUCKET_TOTAL"            envDefault:"10000"`
	MinPopulationPercent float64       `env:"NIMBUS_MIN_POPULATION_PERCENT"`
}

// LogConfig controls the slog handler built by the CLI.
type LogConfig struct {
	Level  string `env:"NIMBUS_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"NIMBUS_LOG_FORMAT" envDefault:"text"`
}

// MetricsConfig controls Prometheus collector naming. When Textfile is set
// the CLI writes the gathered metrics there for a node exporter to pick up.
type MetricsConfig struct {
	Namespace string `env:"NIMBUS_METRICS_NAMESPACE" envDefault:"nimbus"`
	Textfile  string `env:"NIMBUS_METRICS_TEXTFILE"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the tags cannot express.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("NIMBUS_POSTGRES_DSN required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("NIMBUS_BLOB_S3_BUCKET required for s3 blob driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	if c.Policy.ReviewTimeout <= 0 {
		return fmt.Errorf("review timeout must be positive, got %s", c.Policy.ReviewTimeout)
	}
	if c.Policy.BucketTotal <= 0 {
		return fmt.Errorf("bucket total must be positive, got %d", c.Policy.BucketTotal)
	}
	if c.Policy.MinPopulationPercent < 0 || c.Policy.MinPopulationPercent > 100 {
		return fmt.Errorf("min population percent %v out of range", c.Policy.MinPopulationPercent)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
