package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receivedUpload is what the test backend saw.
type receivedUpload struct {
	method        string
	auth          string
	userAgent     string
	contentLength int64
	bodyLength    int64
	field         string
	fileName      string
	partType      string
	content       []byte
}

type uploadBackend struct {
	*httptest.Server

	mu       sync.Mutex
	received *receivedUpload
}

func newUploadBackend(t *testing.T, status int, reply string) *uploadBackend {
	t.Helper()
	b := &uploadBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		rec := &receivedUpload{
			method:        r.Method,
			auth:          r.Header.Get("Authorization"),
			userAgent:     r.UserAgent(),
			contentLength: r.ContentLength,
			bodyLength:    int64(len(body)),
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		mr, err := r.MultipartReader()
		if err == nil {
			if part, err := mr.NextPart(); err == nil {
				rec.field = part.FormName()
				rec.fileName = part.FileName()
				rec.partType = part.Header.Get("Content-Type")
				rec.content, _ = io.ReadAll(part)
			}
		}

		b.mu.Lock()
		b.received = rec
		b.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *uploadBackend) last() *receivedUpload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received
}

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestUploadFile(t *testing.T) {
	backend := newUploadBackend(t, http.StatusOK, `{"ok":true}`)
	content := bytes.Repeat([]byte("build-bytes "), 5000)
	path := writeFile(t, "build.tar.gz", content)

	sink := &collectSink{}
	u := NewUploader(nil, UploadConfig{})
	err := u.UploadFile(context.Background(), backend.URL+"/builds/42", path, sink, UploadOptions{Token: "secret"})
	require.NoError(t, err)

	got := backend.last()
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "Bearer secret", got.auth)
	assert.Equal(t, DefaultUserAgent, got.userAgent)
	assert.Equal(t, got.bodyLength, got.contentLength, "body is sent with its exact length")
	assert.Equal(t, DefaultFieldName, got.field)
	assert.Equal(t, "build.tar.gz", got.fileName)
	assert.Equal(t, DefaultContentType, got.partType)
	assert.Equal(t, content, got.content)

	size := uint64(len(content))
	assertWellFormed(t, sink.samples)
	assert.Equal(t, ProgressSample{CurrentBytes: size, TotalBytes: size}, sink.last())
	for _, s := range sink.samples {
		assert.Equal(t, size, s.TotalBytes)
	}
}

func TestUploadEmptyFile(t *testing.T) {
	backend := newUploadBackend(t, http.StatusNoContent, "")
	path := writeFile(t, "empty.bin", nil)

	sink := &collectSink{}
	err := NewUploader(nil, UploadConfig{}).UploadFile(context.Background(), backend.URL, path, sink, UploadOptions{})
	require.NoError(t, err)

	assert.Equal(t, []ProgressSample{{}}, sink.samples)

	got := backend.last()
	require.NotNil(t, got)
	assert.Equal(t, "empty.bin", got.fileName)
	assert.Empty(t, got.content)
	assert.Empty(t, got.auth, "no token, no authorization header")
}

func TestUploadStatusError(t *testing.T) {
	backend := newUploadBackend(t, http.StatusForbidden, "build is locked")
	path := writeFile(t, "build.tar.gz", []byte("payload"))

	sink := &collectSink{}
	err := NewUploader(nil, UploadConfig{}).UploadFile(context.Background(), backend.URL, path, sink, UploadOptions{Token: "t"})

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, http.StatusForbidden, uploadErr.StatusCode)
	assert.Equal(t, "build is locked", uploadErr.Body)
	assert.Contains(t, err.Error(), "403")

	assert.Equal(t, ProgressSample{CurrentBytes: 7, TotalBytes: 7}, sink.last(), "final sample is sent regardless of status")
}

func TestUploadValidation(t *testing.T) {
	u := NewUploader(nil, UploadConfig{})

	err := u.UploadFile(context.Background(), "http://127.0.0.1:1", filepath.Join(t.TempDir(), "missing"), Discard, UploadOptions{})
	assert.ErrorIs(t, err, ErrNotExist)

	err = u.UploadFile(context.Background(), "http://127.0.0.1:1", t.TempDir(), Discard, UploadOptions{})
	assert.ErrorContains(t, err, "directory")
}

func TestUploadConnectionFailure(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	path := writeFile(t, "build.tar.gz", []byte("payload"))
	sink := &collectSink{}
	err := NewUploader(nil, UploadConfig{}).UploadFile(context.Background(), url, path, sink, UploadOptions{})

	require.Error(t, err)
	var uploadErr *UploadError
	assert.False(t, errors.As(err, &uploadErr))
}

func TestUploadCancelled(t *testing.T) {
	backend := newUploadBackend(t, http.StatusOK, "")
	path := writeFile(t, "build.tar.gz", []byte("payload"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewUploader(nil, UploadConfig{}).UploadFile(ctx, backend.URL, path, Discard, UploadOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUploadConfigAndOptions(t *testing.T) {
	backend := newUploadBackend(t, http.StatusCreated, "")
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	path := writeFile(t, "icon.png", png)

	u := NewUploader(nil, UploadConfig{
		Method:    http.MethodPost,
		FieldName: "artifact",
		UserAgent: "test-agent",
	})

	tests := []struct {
		name     string
		opts     UploadOptions
		wantType string
	}{
		{"detected", UploadOptions{DetectContentType: true}, "image/png"},
		{"explicit", UploadOptions{ContentType: "application/octet-stream", DetectContentType: true}, "application/octet-stream"},
		{"throttled", UploadOptions{MaxBytesPerSecond: 1 << 20}, DefaultContentType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, u.UploadFile(context.Background(), backend.URL, path, Discard, tt.opts))

			got := backend.last()
			assert.Equal(t, http.MethodPost, got.method)
			assert.Equal(t, "test-agent", got.userAgent)
			assert.Equal(t, "artifact", got.field)
			assert.Equal(t, tt.wantType, got.partType)
			assert.Equal(t, png, got.content)
		})
	}
}

func TestMultipartBodyLength(t *testing.T) {
	content := []byte("exact length")
	body, err := newMultipartBody("files", `we"ird.tar.gz`, DefaultContentType, bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	data, err := io.ReadAll(body.reader)
	require.NoError(t, err)
	assert.Equal(t, body.length, int64(len(data)))
	assert.Contains(t, string(data), `filename="we\"ird.tar.gz"`)
	assert.Contains(t, body.contentType, "multipart/form-data; boundary=")
}
