package cli

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zapuskalka/companion/internal/transfer"
)

type compressFlags struct {
	Format  string
	Exclude []string
	Quiet   bool
}

type extractFlags struct {
	Format string
	Quiet  bool
}

type uploadFlags struct {
	Token       string
	Method      string
	Field       string
	ContentType string
	Detect      bool
	MaxBPS      int
	Timeout     time.Duration
	Quiet       bool
}

// sink picks the progress renderer for a command.
func sink(cmd *cobra.Command, quiet bool, operation, name string) (transfer.ProgressSink, func(time.Duration)) {
	if quiet {
		return transfer.Discard, func(time.Duration) {}
	}
	ui := newProgressUI(cmd.ErrOrStderr(), operation, name)
	return ui, ui.Finish
}

func (a *app) settings() transfer.Settings {
	return transfer.Settings{
		SpeedUpdateInterval: a.cfg.Transfer.SpeedUpdateInterval,
		Smoothing:           a.cfg.Transfer.Smoothing,
	}
}

func newCompressCommand(a *app) *cobra.Command {
	var flags compressFlags

	cmd := &cobra.Command{
		Use:   "compress <dir>",
		Short: "Pack a directory into <dir>.tar.gz next to it",
		Long: `Pack a directory into a tar archive next to it, printing the archive path.

The default envelope is gzip; --format zstd or --format none pick the others.
--exclude takes doublestar patterns relative to the directory and may repeat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := transfer.ParseFormat(flags.Format)
			if err != nil {
				return err
			}

			ctx, cancel := createContext(cmd.ErrOrStderr())
			defer cancel()

			source := args[0]
			progress, finish := sink(cmd, flags.Quiet, "Compressing", filepath.Base(filepath.Clean(source)))
			archiver := transfer.NewArchiver(a.logger.Component("archive"), transfer.WithSettings(a.settings()))

			start := time.Now()
			archivePath, err := archiver.CompressDirectory(ctx, source, progress, transfer.CompressOptions{
				Format:  format,
				Exclude: flags.Exclude,
			})
			if err != nil {
				return err
			}
			finish(time.Since(start))

			fmt.Fprintln(cmd.OutOrStdout(), archivePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Format, "format", "gzip", "archive envelope: gzip, zstd or none")
	cmd.Flags().StringSliceVarP(&flags.Exclude, "exclude", "x", nil, "doublestar pattern to leave out (repeatable)")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "do not render progress")
	return cmd
}

func newExtractCommand(a *app) *cobra.Command {
	var flags extractFlags

	cmd := &cobra.Command{
		Use:   "extract <archive> <dest>",
		Short: "Unpack an archive into a directory",
		Long: `Unpack an archive into a directory, creating it when missing.

The envelope is detected from the file name unless --format is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts transfer.ExtractOptions
			if flags.Format != "" {
				format, err := transfer.ParseFormat(flags.Format)
				if err != nil {
					return err
				}
				opts.Format = &format
			}

			ctx, cancel := createContext(cmd.ErrOrStderr())
			defer cancel()

			archivePath, dest := args[0], args[1]
			progress, finish := sink(cmd, flags.Quiet, "Extracting", filepath.Base(archivePath))
			archiver := transfer.NewArchiver(a.logger.Component("archive"), transfer.WithSettings(a.settings()))

			start := time.Now()
			if err := archiver.ExtractArchive(ctx, archivePath, dest, progress, opts); err != nil {
				return err
			}
			finish(time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Format, "format", "", "archive envelope: gzip, zstd or none (default: from file name)")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "do not render progress")
	return cmd
}

func newUploadCommand(a *app) *cobra.Command {
	var flags uploadFlags

	cmd := &cobra.Command{
		Use:   "upload <url> <file>",
		Short: "Send a file as a single multipart request",
		Long: `Send a file as the only part of a multipart request.

The request is never retried. A non-success status fails the command and prints
the response body. The token falls back to the ZAPUSKALKA_TOKEN environment variable.`,
		Args: cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validateUploadFlags(&flags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			url, filePath := args[0], args[1]

			cfg := transfer.UploadConfig{
				Timeout:   a.cfg.Transfer.UploadTimeout,
				Method:    a.cfg.Transfer.UploadMethod,
				FieldName: a.cfg.Transfer.UploadFieldName,
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = flags.Timeout
			}
			if flags.Method != "" {
				cfg.Method = strings.ToUpper(flags.Method)
			}
			if flags.Field != "" {
				cfg.FieldName = flags.Field
			}

			maxBPS := a.cfg.Transfer.UploadMaxBytesPerSecond
			if cmd.Flags().Changed("max-bps") {
				maxBPS = flags.MaxBPS
			}

			token := flags.Token
			if token == "" {
				token = os.Getenv("ZAPUSKALKA_TOKEN")
			}

			ctx, cancel := createContext(cmd.ErrOrStderr())
			defer cancel()

			progress, finish := sink(cmd, flags.Quiet, "Uploading", filepath.Base(filePath))
			uploader := transfer.NewUploader(a.logger.Component("upload"), cfg)

			start := time.Now()
			err := uploader.UploadFile(ctx, url, filePath, progress, transfer.UploadOptions{
				Token:             token,
				ContentType:       flags.ContentType,
				DetectContentType: flags.Detect,
				MaxBytesPerSecond: maxBPS,
			})
			if err != nil {
				return err
			}
			finish(time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.Token, "token", "t", "", "bearer token")
	cmd.Flags().StringVar(&flags.Method, "method", "", "HTTP method (env UPLOAD_METHOD, default PATCH)")
	cmd.Flags().StringVar(&flags.Field, "field", "", "multipart field name (env UPLOAD_FIELD_NAME, default files)")
	cmd.Flags().StringVar(&flags.ContentType, "content-type", "", "content type of the file part")
	cmd.Flags().BoolVar(&flags.Detect, "detect-type", false, "sniff the content type from the file")
	cmd.Flags().IntVar(&flags.MaxBPS, "max-bps", 0, "throttle the body to this many bytes per second (env UPLOAD_MAX_BPS)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "bound the whole request (env UPLOAD_TIMEOUT)")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "do not render progress")
	return cmd
}

// validateUploadFlags validates the upload command flags
func validateUploadFlags(flags *uploadFlags) error {
	if flags.MaxBPS < 0 {
		return fmt.Errorf("--max-bps must not be negative")
	}
	if flags.Timeout < 0 {
		return fmt.Errorf("--timeout must not be negative")
	}
	switch strings.ToUpper(flags.Method) {
	case "", http.MethodPatch, http.MethodPost, http.MethodPut:
		return nil
	default:
		return fmt.Errorf("unsupported upload method: %s", flags.Method)
	}
}
