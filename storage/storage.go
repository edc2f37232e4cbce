package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// Storage archives document bytes keyed by their identity hash
type Storage interface {
	// Upload stores the content and returns its storage path
	Upload(ctx context.Context, identityHash string, data io.Reader) (string, error)

	// Download retrieves the content for an identity hash
	Download(ctx context.Context, identityHash string) (io.ReadCloser, error)

	// Delete removes the content for an identity hash. Deleting missing content is not an error.
	Delete(ctx context.Context, identityHash string) error
}

// StorageType represents the storage backend type
type StorageType string

const (
	StorageTypeNone  StorageType = "none"
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// StorageConfig holds configuration for storage
type StorageConfig struct {
	Type         StorageType
	LocalPath    string // For local storage
	S3Bucket     string // For S3 storage
	S3Region     string // For S3 storage
	AWSAccessKey string
	AWSSecretKey string
}

// ErrNotFound is returned by Download when nothing is archived for the hash
var ErrNotFound = errors.New("archived document not found")

// NewStorage creates a storage instance based on configuration.
// StorageTypeNone returns a nil Storage, meaning archiving is disabled.
func NewStorage(cfg StorageConfig) (Storage, error) {
	switch cfg.Type {
	case StorageTypeNone, "":
		return nil, nil
	case StorageTypeLocal:
		return NewLocalStorage(cfg.LocalPath)
	case StorageTypeS3:
		if cfg.S3Bucket == "" {
			return nil, errors.New("S3 bucket is required for S3 storage")
		}
		return NewS3Storage(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// storagePath fans objects out by the first two hex characters of the hash
func storagePath(identityHash string) (string, error) {
	if !hexHash.MatchString(identityHash) {
		return "", fmt.Errorf("invalid identity hash: %q", identityHash)
	}
	return fmt.Sprintf("%s/%s.pdf", identityHash[:2], identityHash), nil
}
