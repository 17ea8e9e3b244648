// Package storage persists backup artifacts on local disk or object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MohamedRoshdi/devflow-sub019/pkg/config"
)

// ErrNotFound indicates the object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Store is a flat key/value object store.
type Store interface {
	// Put writes r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Driver() string
}

// Open builds the store selected by cfg.StorageDriver.
func Open(ctx context.Context, cfg config.OrchestratorConfig, logger *slog.Logger) (Store, error) {
	switch cfg.StorageDriver {
	case "", "local":
		return NewLocal(cfg.StorageLocalRoot)
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
	case "gcs":
		return NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
