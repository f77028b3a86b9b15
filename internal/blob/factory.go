// Package blob opens the blob store that holds the published recipe collections.
package blob

import (
	"context"
	"fmt"

	"nimbus/internal/blob/core"
	"nimbus/internal/config"
	"nimbus/internal/infra/blob/fs"
	"nimbus/internal/infra/blob/memory"
	"nimbus/internal/infra/blob/s3"
)

// Open selects a core.Store implementation from cfg.Driver: fs (default), s3 or memory.
func Open(ctx context.Context, cfg config.BlobConfig) (core.Store, error) {
	driver := core.Driver(cfg.Driver)
	if driver == "" {
		driver = core.DriverFilesystem
	}
	switch driver {
	case core.DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, fmt.Errorf("open fs blob store: %w", err)
		}
		return store, nil
	case core.DriverS3:
		store, err := s3.New(ctx, s3.Config{
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		return store, nil
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
