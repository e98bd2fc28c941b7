package artifacts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreFromEnv_Default(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", tmpDir)

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(tmpDir, "artifacts"), fs.BaseDir())
}

func TestNewStoreFromEnv_ExplicitFS(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "fs")
	t.Setenv("DATA_DIR", t.TempDir())

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)
}

func TestNewStoreFromEnv_S3MissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARTIFACT_S3_BUCKET is required")
}

func TestNewStoreFromEnv_GCSMissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "gcs")
	t.Setenv("ARTIFACT_GCS_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	// Without the gcp tag the backend is compiled out, which is also valid.
	if !errors.Is(err, ErrBackendDisabled) {
		assert.Contains(t, err.Error(), "ARTIFACT_GCS_BUCKET is required")
	}
}

func TestNewStoreFromEnv_UnsupportedType(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "azure")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported artifact storage type")
}
