package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/zapuskalka/companion/internal/api/http"
	"github.com/zapuskalka/companion/internal/api/middleware"
	"github.com/zapuskalka/companion/internal/api/ws"
	"github.com/zapuskalka/companion/internal/infrastructure/config"
	"github.com/zapuskalka/companion/internal/infrastructure/logging"
	"github.com/zapuskalka/companion/internal/infrastructure/monitoring"
	"github.com/zapuskalka/companion/internal/launcher"
	"github.com/zapuskalka/companion/internal/supervisor"
	"github.com/zapuskalka/companion/internal/transfer"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	router    *gin.Engine
	monitor   *supervisor.Monitor
	launcher  *launcher.Launcher
	transfers *ws.Handler
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	dataDir, err := resolveDataDir(cfg.Apps.DataDir)
	if err != nil {
		return nil, err
	}

	logger.Info("Initializing companion server",
		zap.String("addr", cfg.Server.Address()),
		zap.String("data_dir", dataDir),
	)

	// Initialize metrics first (needed by other components)
	metrics := monitoring.NewMetrics()

	monitor := supervisor.NewMonitor(logger.Component("supervisor"), supervisor.WithMetrics(metrics))
	apps := launcher.New(logger.Component("launcher"), monitor, launcher.Options{
		DataDir:          dataDir,
		UsePTY:           cfg.Apps.UsePTY,
		OutputBufferSize: cfg.Apps.OutputBufferSize,
	})

	settings := transfer.Settings{
		SpeedUpdateInterval: cfg.Transfer.SpeedUpdateInterval,
		Smoothing:           cfg.Transfer.Smoothing,
	}
	archiver := transfer.NewArchiver(logger.Component("archive"),
		transfer.WithSettings(settings),
		transfer.WithMetrics(metrics),
	)
	uploader := transfer.NewUploader(logger.Component("upload"), transfer.UploadConfig{
		Timeout:   cfg.Transfer.UploadTimeout,
		Method:    cfg.Transfer.UploadMethod,
		FieldName: cfg.Transfer.UploadFieldName,
	}, transfer.WithMetrics(metrics))

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(limits))
	}

	// Register routes
	apihttp.NewHandlers(monitor, apps, metrics, logger.Component("api")).Register(router)

	transfers := ws.NewHandler(archiver, uploader, metrics, logger.Component("ws"))
	transfers.MaxUploadBytesPerSecond = cfg.Transfer.UploadMaxBytesPerSecond
	router.GET("/ws/transfers", transfers.HandleConnection)

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router:    router,
		monitor:   monitor,
		launcher:  apps,
		transfers: transfers,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Server.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Close cancels transfers and terminates supervised children.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.transfers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop transfers: %w", err))
	}
	if err := s.launcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close launcher: %w", err))
	}
	if err := s.monitor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close process monitor: %w", err))
	}
	for _, err := range errs {
		s.logger.Error("Shutdown error", zap.Error(err))
	}

	_ = s.logger.Close()
	return errors.Join(errs...)
}

// resolveDataDir defaults to <user config dir>/zapuskalka.
func resolveDataDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve app data directory: %w", err)
	}
	return filepath.Join(base, "zapuskalka"), nil
}
