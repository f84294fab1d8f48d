package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage keeps objects as files below a base directory.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		basePath = "./storage"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// UploadFile implements Storage. The object appears atomically.
func (s *LocalStorage) UploadFile(ctx context.Context, key string, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(localPath, s.path(key))
}

// DownloadFile implements Storage.
func (s *LocalStorage) DownloadFile(ctx context.Context, key string, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path(key)); os.IsNotExist(err) {
		return fmt.Errorf("object not found: %s", key)
	}
	return copyFile(s.path(key), localPath)
}

// Delete implements Storage.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Exists implements Storage.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
}

// GetURL returns the file path of the object.
func (s *LocalStorage) GetURL(key string) string {
	return s.path(key)
}

func (s *LocalStorage) path(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	return os.Rename(tmp, dst)
}
