//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg Config) (Blob, error) {
	return nil, fmt.Errorf("archive: gcs support is not compiled in (build with -tags gcp)")
}
