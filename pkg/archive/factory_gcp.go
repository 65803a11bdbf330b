//go:build gcp

package archive

import "context"

func newGCSStore(ctx context.Context, cfg Config) (Blob, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
