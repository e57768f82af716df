// Package origin is a content-addressed filesystem store used as the
// durable fallback behind the cache. Content is stored under its BLAKE3
// key, so reads verify integrity for free and writes are idempotent.
package origin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	reachcache "github.com/ethosengine/reach-cache"
)

// Store keeps content under root, sharded by key prefix. Writes are atomic
// using a temp file and rename pattern.
type Store struct {
	root   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store rooted at path. The directory is created if it
// does not exist.
func NewStore(root string, opts ...Option) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	s := &Store{
		root:   absRoot,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the root directory path.
func (s *Store) Root() string {
	return s.root
}

// Put stores data under its content key and returns the key. Storing the
// same bytes twice is a no-op.
func (s *Store) Put(ctx context.Context, data []byte) (reachcache.ContentKey, error) {
	key := reachcache.KeyBytes(data)
	path := s.keyPath(key)

	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return reachcache.ContentKey{}, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return reachcache.ContentKey{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return reachcache.ContentKey{}, fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return reachcache.ContentKey{}, fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return reachcache.ContentKey{}, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return reachcache.ContentKey{}, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	s.logger.Debug("stored origin content", "key", key.ShortString(), "bytes", len(data))
	return key, nil
}

// FetchOrigin retrieves the content named by key, a hex-encoded content
// key. Bytes that no longer hash to the key are rejected rather than
// served. Implements the cache's origin fetcher contract.
func (s *Store) FetchOrigin(ctx context.Context, key string) ([]byte, error) {
	ck, err := reachcache.ParseKey(key)
	if err != nil {
		return nil, reachcache.ErrNotFound
	}

	data, err := os.ReadFile(s.keyPath(ck))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, reachcache.ErrNotFound
		}
		return nil, fmt.Errorf("reading origin content: %w", err)
	}

	if reachcache.KeyBytes(data) != ck {
		s.logger.Warn("origin content failed verification", "key", ck.ShortString())
		return nil, reachcache.ErrNotFound
	}
	return data, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key reachcache.ContentKey) (bool, error) {
	_, err := os.Stat(s.keyPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking origin content: %w", err)
}

// Delete removes key. Deleting absent content is a no-op.
func (s *Store) Delete(ctx context.Context, key reachcache.ContentKey) error {
	err := os.Remove(s.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing origin content: %w", err)
	}
	return nil
}

// Size returns the stored size of key.
func (s *Store) Size(ctx context.Context, key reachcache.ContentKey) (int64, error) {
	info, err := os.Stat(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, reachcache.ErrNotFound
		}
		return 0, fmt.Errorf("stat origin content: %w", err)
	}
	return info.Size(), nil
}

// keyPath shards content two directory levels deep to keep directories
// small: root/ab/cd/abcdef...
func (s *Store) keyPath(key reachcache.ContentKey) string {
	hex := key.String()
	return filepath.Join(s.root, hex[:2], hex[2:4], hex)
}
