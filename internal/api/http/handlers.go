package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zapuskalka/companion/internal/infrastructure/monitoring"
	"github.com/zapuskalka/companion/internal/launcher"
	"github.com/zapuskalka/companion/internal/supervisor"
)

// Version is reported by the root endpoint.
const Version = "0.1.0"

// Handlers contains all HTTP handlers
type Handlers struct {
	monitor  *supervisor.Monitor
	launcher *launcher.Launcher
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(monitor *supervisor.Monitor, launcher *launcher.Launcher, metrics *monitoring.Metrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		monitor:  monitor,
		launcher: launcher,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register mounts the REST routes on router.
func (h *Handlers) Register(router gin.IRouter) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	// Supervised processes
	router.GET("/processes", h.ListProcesses)
	router.POST("/processes/:pid/terminate", h.TerminateProcess)

	// Installed apps
	router.GET("/apps", h.ListApps)
	router.POST("/apps/:id/launch", h.LaunchApp)
	router.POST("/apps/:id/stop", h.StopApp)
	router.GET("/apps/:id/wait", h.WaitApp)
	router.GET("/apps/:id/output", h.AppOutput)
}

// Root handles the liveness probe
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "zapuskalka-companion",
		"version": Version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"processes": h.monitor.Len(),
		"apps":      len(h.launcher.Running()),
		"metrics":   h.metrics.Snapshot(),
	})
}

// ListProcesses lists supervised children
func (h *Handlers) ListProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"processes": h.monitor.List(),
	})
}

// TerminateProcess kills a supervised child
func (h *Handlers) TerminateProcess(c *gin.Context) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pid must be a positive integer"})
		return
	}

	if err := h.monitor.Terminate(pid); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"pid":     pid,
	})
}

// ListApps lists running apps
func (h *Handlers) ListApps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"apps": h.launcher.Running(),
	})
}

// LaunchApp starts an installed app
func (h *Handlers) LaunchApp(c *gin.Context) {
	appID := c.Param("id")

	pid, err := h.launcher.Launch(c.Request.Context(), appID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"app_id": appID,
		"pid":    pid,
	})
}

// StopApp terminates a running app
func (h *Handlers) StopApp(c *gin.Context) {
	appID := c.Param("id")

	if err := h.launcher.Stop(appID); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"app_id":  appID,
	})
}

// WaitApp blocks until the app exits or the client goes away. An optional
// timeout query parameter bounds the wait.
func (h *Handlers) WaitApp(c *gin.Context) {
	appID := c.Param("id")
	ctx := c.Request.Context()

	if raw := c.Query("timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a positive duration"})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := h.launcher.WaitForClose(ctx, appID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "app is still running", "app_id": appID})
			return
		}
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"closed": true,
		"app_id": appID,
	})
}

// AppOutput drains captured app output
func (h *Handlers) AppOutput(c *gin.Context) {
	output, err := h.launcher.Output(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", output)
}

// fail maps domain errors to status codes.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrProcessNotFound),
		errors.Is(err, launcher.ErrAppNotFound),
		errors.Is(err, launcher.ErrNotRunning):
		status = http.StatusNotFound
	case errors.Is(err, launcher.ErrInvalidAppID):
		status = http.StatusBadRequest
	case errors.Is(err, launcher.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, launcher.ErrEntrypointMissing):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		// Client went away.
		status = 499
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
