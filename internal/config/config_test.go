package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "nimbus.db" {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Blob.Driver != "fs" || cfg.Blob.FSRoot != "./blobdata" || cfg.Blob.S3Region != "us-east-1" {
		t.Fatalf("unexpected blob defaults %+v", cfg.Blob)
	}
	if cfg.Policy.ReviewTimeout != time.Hour || cfg.Policy.BucketTotal != 10000 || cfg.Policy.MinPopulationPercent != 0 {
		t.Fatalf("unexpected policy defaults %+v", cfg.Policy)
	}
	if cfg.Metrics.Namespace != "nimbus" {
		t.Fatalf("unexpected metrics namespace %s", cfg.Metrics.Namespace)
	}
	if level, _ := cfg.Log.SlogLevel(); level != slog.LevelInfo {
		t.Fatalf("unexpected default level %v", level)
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"NIMBUS_STORAGE_DRIVER":         "postgres",
		"NIMBUS_POSTGRES_DSN":           "postgres://nimbus@localhost/nimbus",
		"NIMBUS_BLOB_DRIVER":            "s3",
		"NIMBUS_BLOB_S3_BUCKET":         "recipes",
		"NIMBUS_BLOB_S3_PATH_STYLE":     "true",
		"NIMBUS_REVIEW_TIMEOUT":         "90m",
		"NIMBUS_BUCKET_TOTAL":           "1000",
		"NIMBUS_MIN_POPULATION_PERCENT": "0.5",
		"NIMBUS_LOG_LEVEL":              "debug",
		"NIMBUS_LOG_FORMAT":             "json",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Blob.S3Bucket != "recipes" || !cfg.Blob.S3PathStyle {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Policy.ReviewTimeout != 90*time.Minute || cfg.Policy.BucketTotal != 1000 || cfg.Policy.MinPopulationPercent != 0.5 {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if level, _ := cfg.Log.SlogLevel(); level != slog.LevelDebug {
		t.Fatalf("unexpected level %v", level)
	}
}

func TestLoadFromRejectsInvalidSettings(t *testing.T) {
	cases := map[string]struct {
		vars map[string]string
		want string
	}{
		"postgres without dsn": {map[string]string{"NIMBUS_STORAGE_DRIVER": "postgres"}, "NIMBUS_POSTGRES_DSN"},
		"unknown storage":      {map[string]string{"NIMBUS_STORAGE_DRIVER": "mysql"}, "storage driver"},
		"s3 without bucket":    {map[string]string{"NIMBUS_BLOB_DRIVER": "s3"}, "NIMBUS_BLOB_S3_BUCKET"},
		"negative timeout":     {map[string]string{"NIMBUS_REVIEW_TIMEOUT": "-1m"}, "review timeout"},
		"zero buckets":         {map[string]string{"NIMBUS_BUCKET_TOTAL": "0"}, "bucket total"},
		"bad level":            {map[string]string{"NIMBUS_LOG_LEVEL": "loud"}, "log level"},
		"bad format":           {map[string]string{"NIMBUS_LOG_FORMAT": "xml"}, "log format"},
		"unparsable duration":  {map[string]string{"NIMBUS_REVIEW_TIMEOUT": "soon"}, "parse env"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(tc.vars)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
