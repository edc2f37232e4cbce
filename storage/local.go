package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Upload stores the content locally. Content is written to a temp file and
// renamed so readers never observe a partial object.
func (s *LocalStorage) Upload(ctx context.Context, identityHash string, data io.Reader) (string, error) {
	rel, err := storagePath(identityHash)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, rel)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("failed to store file: %w", err)
	}

	return rel, nil
}

// Download retrieves archived content from local storage
func (s *LocalStorage) Download(ctx context.Context, identityHash string) (io.ReadCloser, error) {
	rel, err := storagePath(identityHash)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(s.basePath, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identityHash)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete removes archived content from local storage
func (s *LocalStorage) Delete(ctx context.Context, identityHash string) error {
	rel, err := storagePath(identityHash)
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(s.basePath, rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}
