package storage

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	apperrors "github.com/citymodel-pipeline/pkg/errors"
)

// Scheme prefixes import inputs that live in object storage.
const Scheme = "storage://"

// ObjectKey joins prefix and the file name of localPath.
func ObjectKey(prefix, localPath string) string {
	name := filepath.Base(localPath)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Publish uploads a closed output file and returns its URL.
func Publish(ctx context.Context, s Storage, prefix, localPath string) (string, error) {
	key := ObjectKey(prefix, localPath)
	if err := s.UploadFile(ctx, key, localPath); err != nil {
		return "", apperrors.Wrap(apperrors.CodeUploadError, "failed to upload "+localPath, err)
	}
	return s.GetURL(key), nil
}

// IsRemote reports whether input names an object in storage.
func IsRemote(input string) bool {
	return strings.HasPrefix(input, Scheme)
}

// Stage downloads every remote input into dir and returns the local
// paths in input order. Local inputs are returned unchanged.
func Stage(ctx context.Context, s Storage, inputs []string, dir string) ([]string, error) {
	staged := make([]string, len(inputs))
	for i, in := range inputs {
		if !IsRemote(in) {
			staged[i] = in
			continue
		}
		if s == nil {
			return nil, apperrors.New(apperrors.CodeDownloadError, "no storage configured for "+in)
		}
		key := strings.TrimPrefix(in, Scheme)
		if key == "" || strings.Contains(key, "..") {
			return nil, apperrors.New(apperrors.CodeDownloadError, "invalid storage key in "+in)
		}
		local := filepath.Join(dir, filepath.FromSlash(key))
		if err := s.DownloadFile(ctx, key, local); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDownloadError, "failed to download "+in, err)
		}
		staged[i] = local
	}
	return staged, nil
}
