// Package blobstore implements content-addressed overflow storage for large
// App entries (§1, §6: App bytes too large to keep inline in the authored
// store get offloaded here, addressed by an entry-typed hash of the bytes
// themselves, not by the entry's own hash). Adapted
// from the teacher's pkg/artifacts CAS (store.go, s3_store.go, gcs_store.go,
// factory*.go): same Store contract and pluggable backend selection, keyed
// by holo.EntryHash instead of a raw sha256 hex string.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/holochain-go/corechain/pkg/holo"
)

// Store is the CAS overflow contract: put bytes, get them back by the hash
// they produce, check existence, evict.
type Store interface {
	Put(ctx context.Context, data []byte) (holo.EntryHash, error)
	Get(ctx context.Context, hash holo.EntryHash) ([]byte, error)
	Exists(ctx context.Context, hash holo.EntryHash) (bool, error)
	Delete(ctx context.Context, hash holo.EntryHash) error
}

// FileStore is a filesystem-backed Store, the default for single-process
// deployments and tests.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hash holo.EntryHash) string {
	return filepath.Join(s.baseDir, hash.String()+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (holo.EntryHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := holo.NewHash(holo.HashTypeEntry, data)
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return holo.Hash{}, fmt.Errorf("blobstore: write: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return holo.Hash{}, fmt.Errorf("blobstore: commit: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash holo.EntryHash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blobstore: not found: %s", hash)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, hash holo.EntryHash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, hash holo.EntryHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
