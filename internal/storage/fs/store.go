package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/queryloom/queryloom/internal/storage"
)

// Store serves objects from a local directory. It backs dev and test
// profiles where no object storage endpoint is available.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	localPath, err := s.localPath(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create object directory: %w", err)
	}
	file, err := os.Create(localPath)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create object file: %w", err)
	}
	written, err := io.Copy(file, body)
	if err != nil {
		_ = file.Close()
		return storage.ObjectInfo{}, fmt.Errorf("write object %q: %w", key, err)
	}
	if err := file.Close(); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("close object %q: %w", key, err)
	}
	return storage.ObjectInfo{Key: key, Size: written}, nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	localPath, err := s.localPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return file, nil
}

func (s *Store) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	localPath, err := s.localPath(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ObjectInfo{}, storage.ErrObjectNotFound
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat object %q: %w", key, err)
	}
	return storage.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	localPath, err := s.localPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(localPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

func (s *Store) localPath(key string) (string, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
