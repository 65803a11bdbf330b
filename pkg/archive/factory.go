package archive

import (
	"context"
	"fmt"
)

// Backend selects the archive storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and parameterizes a Blob backend. Dir applies to fs;
// Bucket, Region, Endpoint and Prefix apply to the object stores.
type Config struct {
	Backend  Backend
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewStore builds the Blob for cfg. An empty backend defaults to fs.
func NewStore(ctx context.Context, cfg Config) (Blob, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", backend)
	}
}
