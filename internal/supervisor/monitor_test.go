package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapuskalka/companion/internal/infrastructure/monitoring"
)

var errKilled = errors.New("signal: killed")

type fakeProcess struct {
	pid     int
	exitCh  chan struct{}
	once    sync.Once
	exitErr error
	killErr error
	kills   atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exitCh: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exitCh
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	if p.killErr != nil {
		p.exit(nil)
		return p.killErr
	}
	p.exit(errKilled)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.exitCh)
	})
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func newTestMonitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()
	m := NewMonitor(nil, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAddDuplicatePid(t *testing.T) {
	m := newTestMonitor(t)

	require.NoError(t, m.Add(newFakeProcess(100)))
	assert.ErrorIs(t, m.Add(newFakeProcess(100)), ErrAlreadySupervised)
	assert.Equal(t, 1, m.Len())
}

func TestTerminateUnknownPid(t *testing.T) {
	m := newTestMonitor(t)
	require.NoError(t, m.Add(newFakeProcess(100)))

	err := m.Terminate(42)

	assert.ErrorIs(t, err, ErrProcessNotFound)
	assert.Equal(t, []int{100}, m.Pids())
}

func TestTerminateKnownPid(t *testing.T) {
	m := newTestMonitor(t)
	events, cancel := m.Subscribe()
	defer cancel()

	p := newFakeProcess(100)
	require.NoError(t, m.Add(newFakeProcess(99)))
	require.NoError(t, m.Add(p))

	require.NoError(t, m.Terminate(100))
	assert.False(t, m.Has(100))
	assert.Equal(t, []int{99}, m.Pids())

	ev := nextEvent(t, events)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, 100, ev.Pid)
	assert.Equal(t, int32(1), p.kills.Load())

	assert.ErrorIs(t, m.Terminate(100), ErrProcessNotFound)
}

func TestConcurrentTerminate(t *testing.T) {
	m := newTestMonitor(t)

	for pid := 1; pid <= 50; pid++ {
		p := newFakeProcess(pid)
		require.NoError(t, m.Add(p))

		var (
			wg      sync.WaitGroup
			success atomic.Int32
			missing atomic.Int32
		)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				switch err := m.Terminate(pid); {
				case err == nil:
					success.Add(1)
				case errors.Is(err, ErrProcessNotFound):
					missing.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), success.Load(), "pid %d", pid)
		assert.Equal(t, int32(1), missing.Load(), "pid %d", pid)
		require.Eventually(t, func() bool { return p.kills.Load() == 1 }, time.Second, 5*time.Millisecond)
	}
	assert.Zero(t, m.Len())
}

func TestNaturalExitRemovesEntry(t *testing.T) {
	m := newTestMonitor(t)
	events, cancel := m.Subscribe()
	defer cancel()

	p := newFakeProcess(100)
	require.NoError(t, m.Add(p))

	exitErr := errors.New("exit status 3")
	p.exit(exitErr)

	ev := nextEvent(t, events)
	assert.Equal(t, EventExited, ev.Type)
	assert.Equal(t, 100, ev.Pid)
	assert.Equal(t, exitErr, ev.Err)
	assert.False(t, m.Has(100))
	assert.Zero(t, p.kills.Load())

	assert.ErrorIs(t, m.Terminate(100), ErrProcessNotFound)
}

func TestKillAfterExitDoesNotBroadcast(t *testing.T) {
	m := newTestMonitor(t)
	events, cancel := m.Subscribe()
	defer cancel()

	p := newFakeProcess(100)
	p.killErr = os.ErrProcessDone
	require.NoError(t, m.Add(p))

	require.NoError(t, m.Terminate(100))

	assert.Never(t, func() bool {
		select {
		case <-events:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int32(1), p.kills.Load())
}

func TestWait(t *testing.T) {
	m := newTestMonitor(t)

	t.Run("unknown pid", func(t *testing.T) {
		assert.ErrorIs(t, m.Wait(context.Background(), 7), ErrProcessNotFound)
	})

	t.Run("returns exit error", func(t *testing.T) {
		p := newFakeProcess(100)
		require.NoError(t, m.Add(p))

		exitErr := errors.New("exit status 1")
		go func() {
			time.Sleep(20 * time.Millisecond)
			p.exit(exitErr)
		}()

		assert.Equal(t, exitErr, m.Wait(context.Background(), 100))
	})

	t.Run("context cancelled", func(t *testing.T) {
		require.NoError(t, m.Add(newFakeProcess(101)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, m.Wait(ctx, 101), context.DeadlineExceeded)
		assert.True(t, m.Has(101))
	})
}

func TestForget(t *testing.T) {
	m := newTestMonitor(t)

	p := newFakeProcess(100)
	require.NoError(t, m.Add(p))

	require.NoError(t, m.Forget(100))
	assert.False(t, m.Has(100))
	assert.Zero(t, p.kills.Load())

	assert.ErrorIs(t, m.Forget(100), ErrProcessNotFound)

	// The reaped child does not come back.
	p.exit(nil)
	assert.Never(t, func() bool { return m.Has(100) }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestForgetManyBackToBack(t *testing.T) {
	m := newTestMonitor(t)

	procs := make([]*fakeProcess, 200)
	for i := range procs {
		procs[i] = newFakeProcess(1000 + i)
		require.NoError(t, m.Add(procs[i]))
	}
	for i := range procs {
		require.NoError(t, m.Forget(1000+i))
	}

	assert.Zero(t, m.Len())
	assert.Empty(t, m.Pids())
	assert.ErrorIs(t, m.Terminate(1000), ErrProcessNotFound)

	require.NoError(t, m.Close())
	for _, p := range procs {
		assert.Zero(t, p.kills.Load())
		p.exit(nil)
	}
}

func TestSubscriberDropsOldestEvent(t *testing.T) {
	m := newTestMonitor(t)

	lagging, cancelLagging := m.Subscribe()
	defer cancelLagging()
	observer, cancelObserver := m.Subscribe()
	defer cancelObserver()

	first, second := newFakeProcess(1), newFakeProcess(2)
	require.NoError(t, m.Add(first))
	require.NoError(t, m.Add(second))

	first.exit(nil)
	assert.Equal(t, 1, nextEvent(t, observer).Pid)
	second.exit(nil)
	assert.Equal(t, 2, nextEvent(t, observer).Pid)

	require.Len(t, lagging, 1)
	assert.Equal(t, 2, (<-lagging).Pid)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := newTestMonitor(t)

	events, cancel := m.Subscribe()
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	m := NewMonitor(nil)

	a, b := newFakeProcess(1), newFakeProcess(2)
	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))

	require.NoError(t, m.Close())

	assert.Equal(t, int32(1), a.kills.Load())
	assert.Equal(t, int32(1), b.kills.Load())
	assert.Zero(t, m.Len())
	assert.ErrorIs(t, m.Add(newFakeProcess(3)), ErrMonitorClosed)
	assert.NoError(t, m.Close())
}

func TestMetrics(t *testing.T) {
	metrics := monitoring.NewMetrics()
	m := newTestMonitor(t, WithMetrics(metrics))

	p := newFakeProcess(100)
	require.NoError(t, m.Add(p))
	require.NoError(t, m.Add(newFakeProcess(101)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ProcessesSupervised))

	require.NoError(t, m.Terminate(100))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProcessesSupervised))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ProcessEvents.WithLabelValues(string(EventTerminated))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), metrics.Snapshot().SupervisedProcesses)
}

func TestFromCmd(t *testing.T) {
	_, err := FromCmd(exec.Command("true"))
	assert.Error(t, err)

	_, err = FromCmd(nil)
	assert.Error(t, err)
}

func TestRealProcess(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	m := newTestMonitor(t)
	events, cancel := m.Subscribe()
	defer cancel()

	t.Run("terminate", func(t *testing.T) {
		cmd := exec.Command(sleepPath, "30")
		require.NoError(t, cmd.Start())
		proc, err := FromCmd(cmd)
		require.NoError(t, err)
		require.NoError(t, m.Add(proc))

		require.NoError(t, m.Terminate(proc.Pid()))

		ev := nextEvent(t, events)
		assert.Equal(t, EventTerminated, ev.Type)
		assert.Equal(t, proc.Pid(), ev.Pid)
	})

	t.Run("natural exit", func(t *testing.T) {
		cmd := exec.Command(sleepPath, "0")
		require.NoError(t, cmd.Start())
		proc, err := FromCmd(cmd)
		require.NoError(t, err)
		require.NoError(t, m.Add(proc))

		ev := nextEvent(t, events)
		assert.Equal(t, EventExited, ev.Type)
		assert.Equal(t, proc.Pid(), ev.Pid)
		assert.NoError(t, ev.Err)
		assert.False(t, m.Has(proc.Pid()))
	})
}
