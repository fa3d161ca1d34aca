//go:build !gcp

package blobstore

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("blobstore: gcs backend not enabled in this build (use -tags gcp)")
}
