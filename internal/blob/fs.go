package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

var _ Store = (*FSStore)(nil)

// FSStore keeps encrypted blobs as flat files under a storage directory.
type FSStore struct {
	dir     string
	maxSize int64
}

func NewFSStore(dir string, maxSize int64) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	return &FSStore{dir: dir, maxSize: maxSize}, nil
}

func (s *FSStore) Put(ctx context.Context, id, name string, data []byte) (string, error) {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return "", ErrTooLarge
	}

	ref := refFor(id, name)
	path := filepath.Join(s.dir, ref)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		// Do not leave a partial blob behind.
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, ref string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.Base(ref)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dir, filepath.Base(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FSStore) Close() error {
	return nil
}
