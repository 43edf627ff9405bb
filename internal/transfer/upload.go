package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultFieldName   = "files"
	DefaultContentType = "application/gzip"
	DefaultUserAgent   = "Zapuskalka-Companion/1.0"
)

// UploadError reports a non-success HTTP response.
type UploadError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed with status %s: %s", e.Status, e.Body)
}

// UploadConfig configures the HTTP side of an Uploader.
type UploadConfig struct {
	// Timeout bounds the whole request, body included. Zero disables it.
	Timeout   time.Duration
	Method    string
	FieldName string
	UserAgent string
}

// DefaultUploadConfig returns the configuration the launcher backend expects.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		Method:    http.MethodPatch,
		FieldName: DefaultFieldName,
		UserAgent: DefaultUserAgent,
	}
}

// UploadOptions tunes a single upload.
type UploadOptions struct {
	// Token is sent as a bearer token when non-empty.
	Token string
	// ContentType of the file part. Empty means DefaultContentType unless
	// DetectContentType is set.
	ContentType       string
	DetectContentType bool
	// MaxBytesPerSecond throttles the body. Zero means unlimited.
	MaxBytesPerSecond int
	// SpeedUpdateInterval overrides the uploader default when non-zero.
	SpeedUpdateInterval time.Duration
}

// Uploader streams files as multipart request bodies.
type Uploader struct {
	base
	client *resty.Client
	cfg    UploadConfig
}

type contentLengthKey struct{}

// NewUploader creates an Uploader. Requests are never retried: the body is a
// one-shot stream.
func NewUploader(logger *zap.Logger, cfg UploadConfig, opts ...Option) *Uploader {
	defaults := DefaultUploadConfig()
	if cfg.Method == "" {
		cfg.Method = defaults.Method
	}
	if cfg.FieldName == "" {
		cfg.FieldName = defaults.FieldName
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	// Pooled transport only, retries stay off.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	restyClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent).
		SetTransport(retryClient.HTTPClient.Transport).
		SetPreRequestHook(applyContentLength)

	// Upload speed is recomputed on every chunk.
	settings := DefaultSettings()
	settings.SpeedUpdateInterval = 0

	return &Uploader{
		base:   newBase(logger, settings, opts),
		client: restyClient,
		cfg:    cfg,
	}
}

// applyContentLength sets the declared body length so the stream is sent
// with Content-Length instead of chunked encoding.
func applyContentLength(_ *resty.Client, req *http.Request) error {
	if n, ok := req.Context().Value(contentLengthKey{}).(int64); ok {
		req.ContentLength = n
	}
	return nil
}

// UploadFile sends filePath to url as a single multipart request and reports
// progress while the body is read.
func (u *Uploader) UploadFile(ctx context.Context, url, filePath string, sink ProgressSink, opts UploadOptions) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file does not exist: %s: %w", filePath, ErrNotExist)
		}
		return fmt.Errorf("failed to get file metadata: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory: %s", filePath)
	}

	contentType, err := u.contentType(filePath, opts)
	if err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	size := uint64(info.Size())
	reporter := u.reporter("upload", size, sink, opts.SpeedUpdateInterval)

	var source io.Reader = f
	if opts.MaxBytesPerSecond > 0 {
		source = newThrottledReader(ctx, f, opts.MaxBytesPerSecond)
	}
	stream := NewChunkStream(source, reporter)

	body, err := newMultipartBody(u.cfg.FieldName, filepath.Base(filePath), contentType, stream, info.Size())
	if err != nil {
		return err
	}

	finish := u.track("upload")

	req := u.client.R().
		SetContext(context.WithValue(ctx, contentLengthKey{}, body.length)).
		SetHeader("Content-Type", body.contentType).
		SetBody(body.reader)
	if opts.Token != "" {
		req.SetAuthToken(opts.Token)
	}

	resp, err := req.Execute(u.cfg.Method, url)
	if err != nil {
		finish(reporter.transferred(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}

	reporter.complete()

	if !resp.IsSuccess() {
		uerr := &UploadError{
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       resp.String(),
		}
		finish(size, uerr)
		return uerr
	}
	finish(size, nil)

	u.logger.Info("File uploaded",
		zap.String("file", filePath),
		zap.String("url", url),
		zap.Uint64("bytes", size),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}

func (u *Uploader) contentType(filePath string, opts UploadOptions) (string, error) {
	switch {
	case opts.ContentType != "":
		return opts.ContentType, nil
	case opts.DetectContentType:
		mtype, err := mimetype.DetectFile(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to detect content type: %w", err)
		}
		return mtype.String(), nil
	default:
		return DefaultContentType, nil
	}
}

type multipartBody struct {
	reader      io.Reader
	length      int64
	contentType string
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// newMultipartBody frames content as the only part of a multipart form
// without buffering it.
func newMultipartBody(field, fileName, contentType string, content io.Reader, size int64) (*multipartBody, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(fileName)))
	h.Set("Content-Type", contentType)
	if _, err := mw.CreatePart(h); err != nil {
		return nil, fmt.Errorf("failed to create multipart part: %w", err)
	}
	prefixLen := buf.Len()

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to create multipart part: %w", err)
	}
	framing := buf.Bytes()
	prefix, suffix := framing[:prefixLen], framing[prefixLen:]

	return &multipartBody{
		reader:      io.MultiReader(bytes.NewReader(prefix), content, bytes.NewReader(suffix)),
		length:      int64(len(prefix)) + size + int64(len(suffix)),
		contentType: mw.FormDataContentType(),
	}, nil
}

// throttledReader limits read throughput with a token bucket.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func newThrottledReader(ctx context.Context, r io.Reader, bytesPerSecond int) *throttledReader {
	burst := bytesPerSecond
	if burst < ChunkSize {
		burst = ChunkSize
	}
	return &throttledReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
