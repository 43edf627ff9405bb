package launcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapuskalka/companion/internal/supervisor"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// installApp writes an executable entrypoint and its manifest.
func installApp(t *testing.T, dataDir, appID, script string) {
	t.Helper()
	installDir := filepath.Join(dataDir, "install", appID)
	require.NoError(t, os.MkdirAll(installDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "run.sh"), []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	writeManifest(t, dataDir, appID+".json",
		manifestContent(".json", appID, installDir, filepath.Join(dataDir, "storage", appID)))
}

func newTestLauncher(t *testing.T, opts Options) *Launcher {
	t.Helper()
	monitor := supervisor.NewMonitor(nil)
	l := New(nil, monitor, opts)
	t.Cleanup(func() {
		l.Close()
		monitor.Close()
	})
	return l
}

func TestLaunchAndStop(t *testing.T) {
	requireShell(t)
	dataDir := t.TempDir()
	installApp(t, dataDir, "game", "exec sleep 30")
	l := newTestLauncher(t, Options{DataDir: dataDir})

	pid, err := l.Launch(context.Background(), "game")
	require.NoError(t, err)
	assert.Positive(t, pid)

	running := l.Running()
	require.Len(t, running, 1)
	assert.Equal(t, "game", running[0].AppID)
	assert.Equal(t, "build-1", running[0].BuildID)
	assert.Equal(t, pid, running[0].Pid)

	_, err = l.Launch(context.Background(), "game")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, l.Stop("game"))
	assert.Empty(t, l.Running())
	assert.ErrorIs(t, l.Stop("game"), ErrNotRunning)
	assert.NoError(t, l.WaitForClose(context.Background(), "game"))
}

func TestWaitForClose(t *testing.T) {
	requireShell(t)
	dataDir := t.TempDir()
	installApp(t, dataDir, "tool", `echo "hello from $ZAPUSKALKA_APP_ID"; exit 3`)
	l := newTestLauncher(t, Options{DataDir: dataDir})

	_, err := l.Launch(context.Background(), "tool")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.WaitForClose(ctx, "tool"))

	output, err := l.Output("tool")
	require.NoError(t, err)
	assert.Contains(t, string(output), "hello from tool")

	require.Eventually(t, func() bool { return len(l.Running()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestWaitForCloseNotRunning(t *testing.T) {
	l := newTestLauncher(t, Options{DataDir: t.TempDir()})

	assert.NoError(t, l.WaitForClose(context.Background(), "nothing"))
}

func TestWaitForCloseContext(t *testing.T) {
	requireShell(t)
	dataDir := t.TempDir()
	installApp(t, dataDir, "game", "exec sleep 30")
	l := newTestLauncher(t, Options{DataDir: dataDir})

	_, err := l.Launch(context.Background(), "game")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.WaitForClose(ctx, "game"), context.DeadlineExceeded)
	_, ok := l.Status("game")
	assert.True(t, ok)
}

func TestLaunchErrors(t *testing.T) {
	dataDir := t.TempDir()
	writeManifest(t, dataDir, "ghost.json",
		manifestContent(".json", "ghost", filepath.Join(dataDir, "missing"), dataDir))
	l := newTestLauncher(t, Options{DataDir: dataDir})

	_, err := l.Launch(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrEntrypointMissing)

	_, err = l.Launch(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrAppNotFound)

	_, err = l.Output("unknown")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestLaunchWithPTY(t *testing.T) {
	requireShell(t)
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	ptmx.Close()
	tty.Close()

	dataDir := t.TempDir()
	installApp(t, dataDir, "term", `if [ -t 1 ]; then echo "on a tty"; fi`)
	l := newTestLauncher(t, Options{DataDir: dataDir, UsePTY: true})

	_, err = l.Launch(context.Background(), "term")
	require.NoError(t, err)
	require.NoError(t, l.WaitForClose(context.Background(), "term"))

	var output strings.Builder
	require.Eventually(t, func() bool {
		chunk, err := l.Output("term")
		if err != nil {
			return false
		}
		output.Write(chunk)
		return strings.Contains(output.String(), "on a tty")
	}, 2*time.Second, 20*time.Millisecond)
}
