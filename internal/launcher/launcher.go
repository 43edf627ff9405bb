package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/zapuskalka/companion/internal/supervisor"
)

var (
	ErrAlreadyRunning = errors.New("app is already running")
	ErrNotRunning     = errors.New("app is not running")
)

// DefaultOutputBufferSize bounds the captured output per app.
const DefaultOutputBufferSize = 1024 * 1024

// Options configures a Launcher.
type Options struct {
	// DataDir holds apps/<id>.{json,yaml,yml,toml} manifests.
	DataDir string
	// UsePTY starts apps on a pseudo terminal instead of pipes.
	UsePTY           bool
	OutputBufferSize int
}

// AppStatus describes a running app.
type AppStatus struct {
	AppID     string    `json:"app_id"`
	BuildID   string    `json:"build_id"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type runningApp struct {
	status AppStatus
	// supervised is set once the monitor owns the process.
	supervised bool
}

// Launcher starts installed apps and hands them to a supervisor.Monitor.
type Launcher struct {
	logger  *zap.Logger
	monitor *supervisor.Monitor
	opts    Options

	mu      sync.Mutex
	apps    map[string]*runningApp // app id -> running app
	pids    map[int]string         // pid -> app id
	outputs map[string]*OutputBuffer

	unsubscribe func()
	done        chan struct{}
}

// New creates a Launcher. It follows monitor events until Close.
func New(logger *zap.Logger, monitor *supervisor.Monitor, opts Options) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OutputBufferSize <= 0 {
		opts.OutputBufferSize = DefaultOutputBufferSize
	}

	l := &Launcher{
		logger:  logger,
		monitor: monitor,
		opts:    opts,
		apps:    make(map[string]*runningApp),
		pids:    make(map[int]string),
		outputs: make(map[string]*OutputBuffer),
		done:    make(chan struct{}),
	}

	events, unsubscribe := monitor.Subscribe()
	l.unsubscribe = unsubscribe
	go l.watch(events)

	return l
}

// Launch starts appID and returns its pid.
func (l *Launcher) Launch(ctx context.Context, appID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, ok := l.lookup(appID); ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, appID)
	}

	info, err := LoadManifest(l.opts.DataDir, appID)
	if err != nil {
		return 0, err
	}

	entrypoint := info.EntrypointPath()
	if _, err := os.Stat(entrypoint); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrEntrypointMissing, entrypoint)
		}
		return 0, fmt.Errorf("failed to stat entrypoint: %w", err)
	}

	cmd := exec.Command(entrypoint)
	cmd.Dir = info.InstallDir
	cmd.Env = append(os.Environ(),
		"ZAPUSKALKA_APP_ID="+info.ID,
		"ZAPUSKALKA_BUILD_ID="+info.BuildID,
		"ZAPUSKALKA_STORAGE_DIR="+info.StorageDir,
	)

	output := NewOutputBuffer(l.opts.OutputBufferSize)
	if err := l.start(cmd, output); err != nil {
		return 0, fmt.Errorf("failed to spawn app process: %w", err)
	}
	pid := cmd.Process.Pid

	app := &runningApp{
		status: AppStatus{AppID: appID, BuildID: info.BuildID, Pid: pid, StartedAt: time.Now()},
	}

	// Record before supervising so an immediate exit event finds the mapping.
	l.mu.Lock()
	if _, ok := l.apps[appID]; ok {
		l.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, appID)
	}
	l.apps[appID] = app
	l.pids[pid] = appID
	l.outputs[appID] = output
	l.mu.Unlock()

	proc, err := supervisor.FromCmd(cmd)
	if err == nil {
		err = l.monitor.Add(proc)
	}
	if err != nil {
		l.release(pid)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, fmt.Errorf("failed to supervise app process: %w", err)
	}

	l.mu.Lock()
	app.supervised = true
	l.mu.Unlock()

	l.logger.Info("App launched",
		zap.String("app_id", appID),
		zap.String("build_id", info.BuildID),
		zap.Int("pid", pid),
		zap.Bool("pty", l.opts.UsePTY),
	)
	return pid, nil
}

// start spawns cmd with its output going to buf.
func (l *Launcher) start(cmd *exec.Cmd, buf *OutputBuffer) error {
	if !l.opts.UsePTY {
		cmd.Stdout = buf
		cmd.Stderr = buf
		return cmd.Start()
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	go l.readOutput(ptmx, buf)
	return nil
}

// readOutput copies PTY output until the child side closes.
func (l *Launcher) readOutput(ptmx *os.File, buf *OutputBuffer) {
	defer ptmx.Close()

	if _, err := io.Copy(buf, ptmx); err != nil && !errors.Is(err, fs.ErrClosed) {
		// Linux reports EIO once the child exits.
		l.logger.Debug("PTY output closed", zap.Error(err))
	}
}

// Stop terminates a running app.
func (l *Launcher) Stop(appID string) error {
	app, ok := l.lookup(appID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, appID)
	}

	if err := l.monitor.Terminate(app.status.Pid); err != nil {
		if errors.Is(err, supervisor.ErrProcessNotFound) {
			l.release(app.status.Pid)
			return fmt.Errorf("%w: %s", ErrNotRunning, appID)
		}
		return err
	}
	l.release(app.status.Pid)
	return nil
}

// WaitForClose blocks until appID exits. It returns nil right away when the
// app is not running; the app's exit status is not an error.
func (l *Launcher) WaitForClose(ctx context.Context, appID string) error {
	app, ok := l.lookup(appID)
	if !ok {
		return nil
	}

	err := l.monitor.Wait(ctx, app.status.Pid)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, supervisor.ErrProcessNotFound), errors.As(err, &exitErr):
		return nil
	default:
		return fmt.Errorf("failed to wait for app process: %w", err)
	}
}

// Running lists running apps ordered by app id.
func (l *Launcher) Running() []AppStatus {
	l.prune()

	l.mu.Lock()
	statuses := make([]AppStatus, 0, len(l.apps))
	for _, app := range l.apps {
		statuses = append(statuses, app.status)
	}
	l.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AppID < statuses[j].AppID })
	return statuses
}

// Status returns the status of a running app.
func (l *Launcher) Status(appID string) (AppStatus, bool) {
	app, ok := l.lookup(appID)
	if !ok {
		return AppStatus{}, false
	}
	return app.status, true
}

// Output drains the output captured from the app's most recent run.
func (l *Launcher) Output(appID string) ([]byte, error) {
	l.mu.Lock()
	buf, ok := l.outputs[appID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, appID)
	}
	return buf.ReadAll(), nil
}

// Close stops following monitor events. Running apps are left to the monitor.
func (l *Launcher) Close() error {
	l.unsubscribe()
	<-l.done
	return nil
}

// lookup returns the running app, dropping it when the monitor no longer
// supervises its pid.
func (l *Launcher) lookup(appID string) (*runningApp, bool) {
	l.mu.Lock()
	app, ok := l.apps[appID]
	supervised := ok && app.supervised
	l.mu.Unlock()
	if !ok {
		return nil, false
	}
	if supervised && !l.monitor.Has(app.status.Pid) {
		l.release(app.status.Pid)
		return nil, false
	}
	return app, true
}

// prune drops apps the monitor stopped supervising. Events can be missed, so
// the registry is the source of truth.
func (l *Launcher) prune() {
	l.mu.Lock()
	pids := make([]int, 0, len(l.apps))
	for _, app := range l.apps {
		if app.supervised {
			pids = append(pids, app.status.Pid)
		}
	}
	l.mu.Unlock()

	for _, pid := range pids {
		if !l.monitor.Has(pid) {
			l.release(pid)
		}
	}
}

func (l *Launcher) release(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	appID, ok := l.pids[pid]
	if !ok {
		return
	}
	delete(l.pids, pid)
	if app, ok := l.apps[appID]; ok && app.status.Pid == pid {
		delete(l.apps, appID)
		l.logger.Info("App closed", zap.String("app_id", appID), zap.Int("pid", pid))
	}
}

func (l *Launcher) watch(events <-chan supervisor.Event) {
	defer close(l.done)
	for ev := range events {
		l.release(ev.Pid)
	}
}
