package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citymodel-pipeline/internal/mock"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "city_0_1.city.json", ObjectKey("", "/tmp/out/city_0_1.city.json"))
	assert.Equal(t, "runs/7/city.json", ObjectKey("runs/7", "city.json"))
}

func TestPublish(t *testing.T) {
	m := &mock.MockStorage{}
	m.ExpectUploadFile("exports/a.city.json", "/out/a.city.json", nil)
	m.On("GetURL", "exports/a.city.json").Return("https://bucket/exports/a.city.json")

	url, err := Publish(context.Background(), m, "exports", "/out/a.city.json")
	require.NoError(t, err)
	assert.Equal(t, "https://bucket/exports/a.city.json", url)
	m.AssertExpectations(t)
}

func TestPublish_Failure(t *testing.T) {
	m := &mock.MockStorage{}
	m.ExpectAnyUploadFile(errors.New("403"))

	_, err := Publish(context.Background(), m, "", "/out/a.city.json")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUploadError, apperrors.GetErrorCode(err))
}

func TestStage(t *testing.T) {
	ctx := context.Background()
	bucket, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	src := writeFile(t, filepath.Join(t.TempDir(), "in.city.json"), "{}")
	require.NoError(t, bucket.UploadFile(ctx, "imports/in.city.json", src))

	dir := t.TempDir()
	staged, err := Stage(ctx, bucket, []string{"/local/a.json", Scheme + "imports/in.city.json"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/local/a.json", filepath.Join(dir, "imports", "in.city.json")}, staged)
	assert.FileExists(t, staged[1])
}

func TestStage_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := Stage(ctx, nil, []string{Scheme + "x.json"}, t.TempDir())
	assert.Equal(t, apperrors.CodeDownloadError, apperrors.GetErrorCode(err))

	bucket, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	_, err = Stage(ctx, bucket, []string{Scheme + "../escape.json"}, t.TempDir())
	assert.Equal(t, apperrors.CodeDownloadError, apperrors.GetErrorCode(err))

	_, err = Stage(ctx, bucket, []string{Scheme + "missing.json"}, t.TempDir())
	assert.Equal(t, apperrors.CodeDownloadError, apperrors.GetErrorCode(err))
}
