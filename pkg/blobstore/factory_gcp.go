//go:build gcp

package blobstore

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("BLOB_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: BLOB_GCS_BUCKET is required for gcs backend")
	}
	return NewGCSStore(ctx, GCSConfig{Bucket: bucket, Prefix: os.Getenv("BLOB_GCS_PREFIX")})
}
