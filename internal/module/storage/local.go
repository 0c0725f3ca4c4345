package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultLocalPath is where local storage keeps objects when no path is
// configured.
const DefaultLocalPath = "lfs-storage"

// LocalConfig holds local filesystem storage configuration.
type LocalConfig struct {
	// Path is the storage root directory.
	Path string `mapstructure:"path"`
}

// LocalStorage stores objects on the local filesystem at
// <root>/<prefix>/<oid>. Suited for development and small deployments; it
// only pairs with the streaming transfer adapter since it cannot issue
// signed URLs.
type LocalStorage struct {
	root string
}

var _ StreamingStorage = (*LocalStorage)(nil)

// NewLocalStorage creates a local storage backend rooted at cfg.Path,
// creating the directory when missing.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	root := cfg.Path
	if root == "" {
		root = DefaultLocalPath
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

func (s *LocalStorage) objectPath(prefix, oid string) string {
	return filepath.Join(s.root, filepath.FromSlash(prefix), oid)
}

// Get implements the StreamingStorage interface.
func (s *LocalStorage) Get(ctx context.Context, prefix, oid string) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(prefix, oid))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Put implements the StreamingStorage interface. The object is written to a
// temporary file and renamed into place, so readers never observe partial
// content.
func (s *LocalStorage) Put(ctx context.Context, prefix, oid string, r io.Reader) (int64, error) {
	target := s.objectPath(prefix, oid)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+oid+".*")
	if err != nil {
		return 0, fmt.Errorf("create temporary object: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return 0, fmt.Errorf("move object into place: %w", err)
	}
	return written, nil
}

// Exists implements the StreamingStorage interface.
func (s *LocalStorage) Exists(ctx context.Context, prefix, oid string) (bool, error) {
	info, err := os.Stat(s.objectPath(prefix, oid))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// GetSize implements the StreamingStorage interface.
func (s *LocalStorage) GetSize(ctx context.Context, prefix, oid string) (int64, error) {
	info, err := os.Stat(s.objectPath(prefix, oid))
	if os.IsNotExist(err) {
		return 0, ErrObjectNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat object: %w", err)
	}
	return info.Size(), nil
}

// GetMimeType implements the StreamingStorage interface.
func (s *LocalStorage) GetMimeType(ctx context.Context, prefix, oid string) (string, error) {
	if ok, err := s.Exists(ctx, prefix, oid); err != nil {
		return "", err
	} else if !ok {
		return "", ErrObjectNotFound
	}
	return "application/octet-stream", nil
}

// VerifyObject implements the VerifiableStorage interface.
func (s *LocalStorage) VerifyObject(ctx context.Context, prefix, oid string, size int64) (bool, error) {
	return verifyBySize(ctx, s, prefix, oid, size)
}
