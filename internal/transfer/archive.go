package transfer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

var (
	ErrNotExist     = errors.New("path does not exist")
	ErrNotDirectory = errors.New("path is not a directory")
	ErrUnsafePath   = errors.New("archive entry escapes destination")
	ErrBadPattern   = errors.New("invalid exclude pattern")
)

// Format is the compression envelope around the tar stream.
type Format int

const (
	FormatGzip Format = iota
	FormatZstd
	FormatTar
)

// ParseFormat maps "gzip", "zstd" or "none" to a Format. Empty means gzip.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "gzip", "gz":
		return FormatGzip, nil
	case "zstd", "zst":
		return FormatZstd, nil
	case "none", "tar":
		return FormatTar, nil
	default:
		return FormatGzip, fmt.Errorf("unsupported archive format: %s", s)
	}
}

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatZstd:
		return "zstd"
	case FormatTar:
		return "none"
	default:
		return "gzip"
	}
}

// Extension returns the composite archive extension.
func (f Format) Extension() string {
	switch f {
	case FormatZstd:
		return ".tar.zst"
	case FormatTar:
		return ".tar"
	default:
		return ".tar.gz"
	}
}

// DetectFormat picks the decoder from the archive name.
func DetectFormat(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatGzip
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatZstd
	default:
		return FormatTar
	}
}

// CompressOptions tunes CompressDirectory.
type CompressOptions struct {
	Format Format
	// Exclude holds doublestar patterns matched against slash separated paths
	// relative to the source directory.
	Exclude []string
	// SpeedUpdateInterval overrides the archiver default when non-zero.
	SpeedUpdateInterval time.Duration
}

// CompressResult describes a finished archive.
type CompressResult struct {
	ArchivePath  string `json:"archive_path"`
	Files        int    `json:"files"`
	Directories  int    `json:"directories"`
	ContentBytes uint64 `json:"content_bytes"`
	ArchiveBytes uint64 `json:"archive_bytes"`
}

// ExtractOptions tunes ExtractArchive.
type ExtractOptions struct {
	// Format overrides detection by file name when set.
	Format *Format
	// SpeedUpdateInterval overrides the archiver default when non-zero.
	SpeedUpdateInterval time.Duration
}

// Archiver runs compress and extract pipelines.
type Archiver struct {
	base
}

// NewArchiver creates an Archiver.
func NewArchiver(logger *zap.Logger, opts ...Option) *Archiver {
	return &Archiver{base: newBase(logger, DefaultSettings(), opts)}
}

type archiveEntry struct {
	rel  string
	path string
	info fs.FileInfo
}

// CompressDirectory archives sourcePath into <parent>/<name>.tar.gz and
// returns the archive path.
func (a *Archiver) CompressDirectory(ctx context.Context, sourcePath string, sink ProgressSink, opts CompressOptions) (string, error) {
	res, err := a.Compress(ctx, sourcePath, sink, opts)
	if err != nil {
		return "", err
	}
	return res.ArchivePath, nil
}

// Compress is CompressDirectory with the full result.
func (a *Archiver) Compress(ctx context.Context, sourcePath string, sink ProgressSink, opts CompressOptions) (*CompressResult, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("folder does not exist: %s: %w", sourcePath, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s: %w", sourcePath, ErrNotDirectory)
	}
	for _, pattern := range opts.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
		}
	}

	root, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve folder path: %w", err)
	}
	name := filepath.Base(root)
	parent := filepath.Dir(root)
	if name == string(filepath.Separator) || name == "." || parent == root {
		return nil, fmt.Errorf("cannot archive filesystem root: %s", sourcePath)
	}

	entries, total, err := collectEntries(ctx, root, opts.Exclude)
	if err != nil {
		return nil, err
	}

	finish := a.track("compress")
	res, err := a.writeArchive(ctx, filepath.Join(parent, name+opts.Format.Extension()), entries, total, sink, opts)
	if err != nil {
		finish(0, err)
		return nil, err
	}
	finish(res.ContentBytes, nil)

	a.logger.Info("Archive created",
		zap.String("source", root),
		zap.String("archive", res.ArchivePath),
		zap.Int("files", res.Files),
		zap.Uint64("content_bytes", res.ContentBytes),
		zap.Uint64("archive_bytes", res.ArchiveBytes),
	)
	return res, nil
}

// collectEntries walks root concurrently and returns entries sorted so that
// directories precede their contents, plus the total size of regular files.
func collectEntries(ctx context.Context, root string, exclude []string) ([]archiveEntry, uint64, error) {
	var (
		mu      sync.Mutex
		entries []archiveEntry
		total   uint64
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to read directory contents: %w", err)
		}
		if path == root {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to calculate relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Only directories and regular files are archived.
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file metadata: %w", err)
		}

		mu.Lock()
		entries = append(entries, archiveEntry{rel: rel, path: path, info: info})
		if info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, total, nil
}

func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (a *Archiver) writeArchive(ctx context.Context, archivePath string, entries []archiveEntry, total uint64, sink ProgressSink, opts CompressOptions) (res *CompressResult, err error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
	}()

	written := &byteCounter{}
	enc, err := newEncoder(opts.Format, NewTrackingWriter(out, written))
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(enc)

	reporter := a.reporter("compress", total, sink, opts.SpeedUpdateInterval)
	reporter.start()

	res = &CompressResult{ArchivePath: archivePath}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tar.FileInfoHeader(entry.info, "")
		if err != nil {
			return nil, fmt.Errorf("failed to build header for %s: %w", entry.rel, err)
		}
		hdr.Name = entry.rel

		if entry.info.IsDir() {
			hdr.Name += "/"
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("failed to add directory to archive: %w", err)
			}
			res.Directories++
			continue
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to add file to archive: %w", err)
		}
		if err := copyFile(tw, entry.path, hdr.Size, reporter); err != nil {
			return nil, fmt.Errorf("failed to add file to archive: %s: %w", entry.rel, err)
		}
		res.Files++
	}

	// Order matters: the tar trailer must go through the encoder before the
	// encoder writes its own footer.
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compression: %w", err)
	}

	res.ContentBytes = reporter.transferred()
	res.ArchiveBytes = written.n
	reporter.complete()
	return res, nil
}

func copyFile(dst io.Writer, path string, size int64, observer ChunkObserver) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.CopyN(dst, NewTrackingReader(f, observer), size)
	return err
}

func newEncoder(format Format, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case FormatZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case FormatTar:
		return nopWriteCloser{w}, nil
	default:
		enc, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip encoder: %w", err)
		}
		return enc, nil
	}
}

func newDecoder(format Format, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case FormatGzip:
		dec, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return dec, nil
	case FormatZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ExtractArchive unpacks archivePath into destPath, creating it if needed.
// Partial output is left in place on failure.
func (a *Archiver) ExtractArchive(ctx context.Context, archivePath, destPath string, sink ProgressSink, opts ExtractOptions) error {
	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("archive does not exist: %s: %w", archivePath, ErrNotExist)
		}
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file metadata: %w", err)
	}

	format := DetectFormat(archivePath)
	if opts.Format != nil {
		format = *opts.Format
	}

	finish := a.track("extract")
	reporter := a.reporter("extract", uint64(info.Size()), sink, opts.SpeedUpdateInterval)
	reporter.start()

	files, err := a.unpack(ctx, NewTrackingReader(f, reporter), format, destPath)
	if err != nil {
		finish(reporter.transferred(), err)
		return fmt.Errorf("failed to extract archive: %w", err)
	}
	reporter.complete()
	finish(uint64(info.Size()), nil)

	a.logger.Info("Archive extracted",
		zap.String("archive", archivePath),
		zap.String("destination", destPath),
		zap.Int("files", files),
	)
	return nil
}

func (a *Archiver) unpack(ctx context.Context, src io.Reader, format Format, destPath string) (int, error) {
	dec, err := newDecoder(format, src)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	dest, err := filepath.Abs(destPath)
	if err != nil {
		return 0, err
	}

	tr := tar.NewReader(dec)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return files, err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, hdr, tr); err != nil {
				return files, err
			}
			files++
		default:
			a.logger.Debug("Skipping unsupported archive entry",
				zap.String("name", hdr.Name),
				zap.String("type", string(hdr.Typeflag)),
			)
		}
	}

	// Read the codec to its end so trailers and checksums are verified.
	if _, err := io.Copy(io.Discard, dec); err != nil {
		return files, err
	}
	return files, nil
}

// safeJoin resolves name under dest and rejects entries escaping it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target == dest {
		return target, nil
	}
	if !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func dirMode(hdr *tar.Header) fs.FileMode {
	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		return 0o755
	}
	return mode | 0o700
}

func writeEntry(target string, hdr *tar.Header, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if !hdr.ModTime.IsZero() {
		// Best effort, content is already in place.
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}
