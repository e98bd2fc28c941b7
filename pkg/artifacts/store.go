// Package artifacts is a content-addressed store for evidence artifacts.
// Keys are 64 character lowercase hex SHA-256 digests of the stored bytes.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-evidence/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-evidence/pkg/hashing"
)

var (
	// ErrNotFound is returned when no artifact exists for a hash.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidHash is returned for keys that are not 64 hex characters.
	ErrInvalidHash = errors.New("invalid hash format")
	// ErrCorrupt is returned when stored bytes no longer match their key.
	ErrCorrupt = errors.New("artifact content does not match its hash")
	// ErrBackendDisabled is returned for backends compiled out of this build.
	ErrBackendDisabled = errors.New("artifact storage backend not enabled in this build")
)

// Store defines the contract for content-addressed storage of artifacts.
type Store interface {
	// Put persists data and returns its SHA-256 hex digest. Storing the
	// same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its digest.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether an artifact is stored under hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes an artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, hash string) error
}

// normalizeHash lowercases hash and checks that it is a SHA-256 hex digest.
func normalizeHash(hash string) (string, error) {
	h := strings.ToLower(hash)
	if !hashing.IsHexHash(h) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return h, nil
}

func blobName(hash string) string { return hash + ".blob" }

// verifyContent checks that data hashes to hash.
func verifyContent(hash string, data []byte) error {
	if got := canonicalize.HashBytes(data); got != hash {
		return fmt.Errorf("%w: want %s, got %s", ErrCorrupt, hash, got)
	}
	return nil
}

// FileStore is a filesystem-backed implementation of Store. Blobs are
// sharded into subdirectories by the first two hex characters.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory.
func (s *FileStore) BaseDir() string { return s.baseDir }

func (s *FileStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[:2], blobName(hash))
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := canonicalize.HashBytes(data)
	path := s.path(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	//nolint:gosec // G301: shard directories share the root's mode
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create shard dir: %w", err)
	}

	// Write to a temp file in the same directory, then rename.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	h, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(h)) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, fmt.Errorf("open artifact %s: %w", h, err)
	}
	defer f.Close() //nolint:errcheck // best-effort close

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", h, err)
	}
	if err := verifyContent(h, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	h, err := normalizeHash(hash)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(h))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat artifact %s: %w", h, err)
	}
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	h, err := normalizeHash(hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
