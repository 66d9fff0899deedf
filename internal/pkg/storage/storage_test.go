package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 最小的 PNG 文件头
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeUploader struct {
	key         string
	data        []byte
	contentType string
	err         error
}

func (f *fakeUploader) UploadFile(objectKey string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.key, f.data, f.contentType = objectKey, data, contentType
	return "https://cdn.example.com/" + objectKey, nil
}

func newProviderServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.URL
}

func servePNG(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Write(pngBytes)
}

func TestArtifactStorage_PersistToUploader(t *testing.T) {
	url := newProviderServer(t, servePNG)
	uploader := &fakeUploader{}
	s := NewArtifactStorage(uploader, "", 1024)

	result, err := s.Persist(context.Background(), "task_1", url+"/out.png")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/enhanced/task_1.png", result)
	assert.Equal(t, "enhanced/task_1.png", uploader.key)
	assert.Equal(t, "image/png", uploader.contentType)
	assert.Equal(t, pngBytes, uploader.data)
}

func TestArtifactStorage_PersistLocal(t *testing.T) {
	url := newProviderServer(t, func(w http.ResponseWriter, _ *http.Request) {
		// 缺少 Content-Type 时按内容识别
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(pngBytes)
	})
	dir := t.TempDir()
	s := NewArtifactStorage(nil, dir, 1024)

	result, err := s.Persist(context.Background(), "task_2", url)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "task_2.png"), result)

	data, err := os.ReadFile(result)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestArtifactStorage_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("provider error status", func(t *testing.T) {
		url := newProviderServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		_, err := NewArtifactStorage(&fakeUploader{}, "", 1024).Persist(ctx, "t", url)
		assert.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		url := newProviderServer(t, servePNG)
		_, err := NewArtifactStorage(&fakeUploader{}, "", 4).Persist(ctx, "t", url)
		assert.ErrorIs(t, err, ErrArtifactTooLarge)
	})

	t.Run("empty body", func(t *testing.T) {
		url := newProviderServer(t, func(w http.ResponseWriter, _ *http.Request) {})
		_, err := NewArtifactStorage(&fakeUploader{}, "", 1024).Persist(ctx, "t", url)
		assert.Error(t, err)
	})

	t.Run("upload error", func(t *testing.T) {
		url := newProviderServer(t, servePNG)
		uploader := &fakeUploader{err: errors.New("bucket unavailable")}
		_, err := NewArtifactStorage(uploader, "", 1024).Persist(ctx, "t", url)
		assert.EqualError(t, err, "bucket unavailable")
	})

	t.Run("timeout", func(t *testing.T) {
		url := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		})
		timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := NewArtifactStorage(&fakeUploader{}, "", 1024).Persist(timeoutCtx, "t", url)
		assert.Error(t, err)
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := NewArtifactStorage(&fakeUploader{}, "", 1024).Persist(ctx, "t", "://bad")
		assert.Error(t, err)
	})
}
