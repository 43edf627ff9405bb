package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zapuskalka/companion/internal/infrastructure/config"
	"github.com/zapuskalka/companion/internal/infrastructure/logging"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	logLevel string
	dev      bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "companion",
		Short: "Zapuskalka companion - transfers and app supervision",
		Long: `The Zapuskalka companion runs next to the launcher. It compresses, extracts
and uploads builds with live progress, and supervises launched games.

Usage:
  Serve the local API:  companion serve
  Pack a build:         companion compress ./build
  Unpack a build:       companion extract build.tar.gz ./games/demo
  Upload a build:       companion upload https://api.example/builds/42 build.tar.gz --token $TOKEN
  Supervise a command:  companion run -- ./game --windowed

Configuration comes from the environment (PORT, LOG_LEVEL, APP_DATA_DIR, ...);
flags take precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&a.dev, "dev", false, "human readable development logs (env LOG_DEV)")

	rootCmd.AddCommand(
		newServeCommand(a),
		newCompressCommand(a),
		newExtractCommand(a),
		newUploadCommand(a),
		newRunCommand(a),
	)
	return rootCmd
}

// init loads configuration and builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("dev") {
		cfg.Logging.Development = a.dev
	}

	logger, err := logging.New(logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development))
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// Execute runs the CLI and exits with a non-zero status on failure. A
// supervised child's exit code is passed through.
func Execute() {
	err := NewRootCommand().Execute()
	if err == nil {
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		os.Exit(exitErr.ExitCode())
	}
	os.Exit(1)
}

// createContext creates a context that cancels on interrupt signals
func createContext(stderr io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			fmt.Fprintln(stderr, "\nReceived interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
