package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects which Store backend NewFromEnv builds.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// NewFromEnv builds a Store from environment variables, the same
// env-driven selection the teacher's artifacts.NewStoreFromEnv uses:
//
//   - BLOB_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem backend (default "data")
//   - for s3: BLOB_S3_BUCKET (required), BLOB_S3_REGION or AWS_REGION,
//     BLOB_S3_ENDPOINT (optional), BLOB_S3_PREFIX (optional)
//   - for gcs: BLOB_GCS_BUCKET (required), BLOB_GCS_PREFIX (optional) — only
//     available in binaries built with -tags gcp
func NewFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("BLOB_STORAGE_TYPE"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("blobstore: unsupported backend %q", backend)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "blobs"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: BLOB_S3_BUCKET is required for s3 backend")
	}
	region := os.Getenv("BLOB_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("BLOB_S3_ENDPOINT"),
		Prefix:   os.Getenv("BLOB_S3_PREFIX"),
	})
}
