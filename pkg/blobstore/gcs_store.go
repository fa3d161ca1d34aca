//go:build gcp

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/holochain-go/corechain/pkg/holo"
)

// GCSStore is a CAS overflow Store backed by Google Cloud Storage, built
// only with -tags gcp — adapted from the teacher's artifacts.GCSStore.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(hash holo.EntryHash) string {
	return s.prefix + hash.String() + ".blob"
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (holo.EntryHash, error) {
	hash := holo.NewHash(holo.HashTypeEntry, data)
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(hash))

	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return holo.Hash{}, fmt.Errorf("blobstore: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return holo.Hash{}, fmt.Errorf("blobstore: gcs close: %w", err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash holo.EntryHash) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(hash))
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs get %s: %w", hash, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *GCSStore) Exists(ctx context.Context, hash holo.EntryHash) (bool, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(hash))
	_, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: gcs attrs: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash holo.EntryHash) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(hash))
	err := obj.Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blobstore: gcs delete %s: %w", hash, err)
	}
	return nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

var _ Store = (*GCSStore)(nil)
