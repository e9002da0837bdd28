// Package blob stores large clipboard payloads on disk, one file per item,
// named by content hash. Writing the same content twice is a no-op, which
// mirrors how the ledger deduplicates.
package blob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/clipberry/clipberry/internal/common"
	"github.com/clipberry/clipberry/internal/hashx"
)

// Store keeps blobs under a single directory.
type Store struct {
	dir string
}

// NewStore creates the blob directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes data and returns the path it landed at. The file name is the
// content hash, so an existing file already holds identical bytes and is
// left alone.
func (s *Store) Save(data []byte) (string, error) {
	path := filepath.Join(s.dir, hashx.ContentHash(data))

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return path, nil
}

// Load reads the blob for hash.
func (s *Store) Load(hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", common.ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// LoadPath reads a blob by the path recorded on a ledger item.
func (s *Store) LoadPath(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob at %s", common.ErrNotFound, path)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Remove deletes the blob for hash. Removing a missing blob is not an error.
func (s *Store) Remove(hash string) error {
	err := os.Remove(filepath.Join(s.dir, hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// Clear deletes every stored blob.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read blob dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("remove blob %s: %w", e.Name(), err)
		}
	}
	return nil
}
