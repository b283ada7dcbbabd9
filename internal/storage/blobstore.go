// Package storage provides S3-compatible object storage and a BlobStore
// abstraction for durable per-account state (session blobs, device settings).
package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BlobStore reads and writes blobs by key. Keys use forward slashes and are
// relative to the data directory (e.g. "accounts/0192f.../session.json").
// Write must be atomic: a concurrent Read never observes a partial blob.
type BlobStore interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FSBlobStore stores blobs on the local filesystem.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates a filesystem-backed blob store.
func NewFSBlobStore(root string) *FSBlobStore {
	return &FSBlobStore{root: filepath.Clean(root)}
}

// Write writes data to key (path relative to root). The blob is written to a
// temp file in the same directory and renamed into place, so readers see
// either the old content or the new content, never a truncated file.
func (f *FSBlobStore) Write(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Read reads a blob by key.
func (f *FSBlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a blob by key. Deleting a missing key is not an error.
func (f *FSBlobStore) Delete(ctx context.Context, key string) error {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// S3BlobStore stores blobs in S3. Keys are used as S3 object keys.
type S3BlobStore struct {
	client *S3Client
	prefix string
}

// NewS3BlobStore creates an S3-backed blob store with optional key prefix.
func NewS3BlobStore(client *S3Client, prefix string) *S3BlobStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3BlobStore{client: client, prefix: prefix}
}

// Write writes data to key. S3 object puts are atomic by contract.
func (s *S3BlobStore) Write(ctx context.Context, key string, data []byte) error {
	return s.client.PutBytes(ctx, s.prefix+key, data)
}

// Read reads a blob by key.
func (s *S3BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	return s.client.Get(ctx, s.prefix+key)
}

// Delete removes a blob by key.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, s.prefix+key)
}

// NewBlobStore returns a BlobStore from env. If S3 env vars are set, returns
// S3BlobStore; otherwise returns FSBlobStore rooted at dataDir.
func NewBlobStore(dataDir string) (BlobStore, error) {
	cfg := ConfigFromEnv()
	if cfg != nil && cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		client, err := NewS3Client(cfg)
		if err != nil {
			return nil, err
		}
		ctx := context.Background()
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return NewS3BlobStore(client, "accounts"), nil
	}
	return NewFSBlobStore(dataDir), nil
}
