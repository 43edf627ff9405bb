package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zapuskalka/companion/internal/infrastructure/monitoring"
)

var (
	ErrProcessNotFound   = errors.New("process not found")
	ErrAlreadySupervised = errors.New("process already supervised")
	ErrMonitorClosed     = errors.New("monitor closed")
)

// EventType names a lifecycle fact.
type EventType string

const (
	// EventTerminated follows a successful kill requested through Terminate.
	EventTerminated EventType = "terminated"
	// EventExited is published when a child exits on its own.
	EventExited EventType = "exited"
	// EventForgotten is published by Forget. The child keeps running.
	EventForgotten EventType = "forgotten"
)

// Event is a broadcast fact about one child, never a command.
type Event struct {
	Type EventType `json:"type"`
	Pid  int       `json:"pid"`
	// Err is the exit error for EventExited, if any.
	Err error `json:"-"`

	entry *entry
}

// Info describes a supervised child.
type Info struct {
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type command int

const cmdTerminate command = iota

// entry is owned by the registry while the child is supervised.
type entry struct {
	pid     int
	proc    Process
	control chan command // one-shot
	since   time.Time

	done chan struct{} // closed once the child has been reaped
	err  error         // exit error, valid after done
}

func (e *entry) finish(err error) {
	e.err = err
	close(e.done)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics records supervised-process metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithEventBacklog sets the per-subscriber backlog. Values below 1 are ignored.
func WithEventBacklog(n int) Option {
	return func(mon *Monitor) {
		if n > 0 {
			mon.backlog = n
		}
	}
}

// Monitor supervises direct children.
type Monitor struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics
	backlog int

	mu      sync.Mutex
	entries map[int]*entry
	closed  bool

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	stopListener func()
	listenerDone chan struct{}
}

// NewMonitor creates a Monitor and starts its cleanup listener.
func NewMonitor(logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		logger:       logger,
		backlog:      1,
		entries:      make(map[int]*entry),
		subs:         make(map[int]chan Event),
		listenerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	events, cancel := m.Subscribe()
	m.stopListener = cancel
	go m.listen(events)

	return m
}

// Add registers a started child and begins waiting on it.
func (m *Monitor) Add(p Process) error {
	if p == nil {
		return errors.New("nil process")
	}
	e := &entry{
		pid:     p.Pid(),
		proc:    p,
		control: make(chan command, 1),
		since:   time.Now(),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorClosed
	}
	if _, ok := m.entries[e.pid]; ok {
		m.mu.Unlock()
		return ErrAlreadySupervised
	}
	m.entries[e.pid] = e
	count := len(m.entries)
	m.mu.Unlock()

	m.metrics.SetProcessesSupervised(count)
	m.logger.Info("Supervising process", zap.Int("pid", e.pid))

	go m.wait(e)
	return nil
}

// Terminate removes pid from the registry and asks its waiter to kill it.
// It returns ErrProcessNotFound when pid is unknown or already removed.
func (m *Monitor) Terminate(pid int) error {
	e := m.take(pid)
	if e == nil {
		return ErrProcessNotFound
	}
	e.control <- cmdTerminate
	m.logger.Info("Terminating process", zap.Int("pid", pid))
	return nil
}

// Forget stops supervising pid without killing it. The entry is removed
// before EventForgotten is published; the child keeps running and its waiter
// keeps reaping it.
func (m *Monitor) Forget(pid int) error {
	m.mu.Lock()
	e, ok := m.entries[pid]
	m.mu.Unlock()
	if !ok || !m.remove(pid, e) {
		return ErrProcessNotFound
	}

	m.logger.Info("Forgot process", zap.Int("pid", pid))
	m.publish(Event{Type: EventForgotten, Pid: pid, entry: e})
	return nil
}

// Wait blocks until the supervised child exits and returns its exit error.
func (m *Monitor) Wait(ctx context.Context, pid int) error {
	m.mu.Lock()
	e, ok := m.entries[pid]
	m.mu.Unlock()
	if !ok {
		return ErrProcessNotFound
	}

	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Has reports whether pid is supervised.
func (m *Monitor) Has(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[pid]
	return ok
}

// Len returns the number of supervised children.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Pids returns the supervised pids in ascending order.
func (m *Monitor) Pids() []int {
	m.mu.Lock()
	pids := make([]int, 0, len(m.entries))
	for pid := range m.entries {
		pids = append(pids, pid)
	}
	m.mu.Unlock()

	sort.Ints(pids)
	return pids
}

// List describes the supervised children ordered by pid.
func (m *Monitor) List() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		infos = append(infos, Info{Pid: e.pid, StartedAt: e.since})
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Pid < infos[j].Pid })
	return infos
}

// Subscribe returns a channel of lifecycle events and a function that
// unsubscribes and closes it. The channel holds at most the configured
// backlog; when it is full the oldest event is dropped.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, m.backlog)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

// Close terminates every supervised child, waits for them to be reaped and
// stops the cleanup listener.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := make([]*entry, 0, len(m.entries))
	for pid, e := range m.entries {
		delete(m.entries, pid)
		pending = append(pending, e)
	}
	m.mu.Unlock()

	m.metrics.SetProcessesSupervised(0)
	for _, e := range pending {
		e.control <- cmdTerminate
	}
	for _, e := range pending {
		<-e.done
	}

	m.stopListener()
	<-m.listenerDone
	return nil
}

// wait owns the process handle for the lifetime of the child.
func (m *Monitor) wait(e *entry) {
	exited := make(chan error, 1)
	go func() { exited <- e.proc.Wait() }()

	select {
	case err := <-exited:
		e.finish(err)
		// Loses to Terminate when the entry is already gone.
		if m.remove(e.pid, e) {
			m.logger.Info("Process exited", zap.Int("pid", e.pid), zap.Error(err))
			m.publish(Event{Type: EventExited, Pid: e.pid, Err: err})
		}

	case <-e.control:
		if err := e.proc.Kill(); err != nil {
			if alreadyDone(err) {
				m.logger.Debug("Process exited before kill", zap.Int("pid", e.pid))
			} else {
				m.logger.Warn("Failed to kill process", zap.Int("pid", e.pid), zap.Error(err))
			}
		} else {
			m.logger.Info("Process terminated", zap.Int("pid", e.pid))
			m.publish(Event{Type: EventTerminated, Pid: e.pid})
		}
		e.finish(<-exited)
	}
}

// take removes and returns the entry for pid, or nil.
func (m *Monitor) take(pid int) *entry {
	m.mu.Lock()
	e, ok := m.entries[pid]
	if ok {
		delete(m.entries, pid)
	}
	count := len(m.entries)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.metrics.SetProcessesSupervised(count)
	return e
}

// remove deletes pid only while it still maps to e, so a recycled pid is
// never removed on behalf of an earlier child.
func (m *Monitor) remove(pid int, e *entry) bool {
	m.mu.Lock()
	current, ok := m.entries[pid]
	if ok && current == e {
		delete(m.entries, pid)
	}
	count := len(m.entries)
	m.mu.Unlock()

	if !ok || current != e {
		return false
	}
	m.metrics.SetProcessesSupervised(count)
	return true
}

func (m *Monitor) publish(ev Event) {
	m.metrics.RecordProcessEvent(string(ev.Type))

	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Drop the oldest event to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// listen removes entries for termination sources that bypass Terminate.
func (m *Monitor) listen(events <-chan Event) {
	defer close(m.listenerDone)

	for ev := range events {
		if ev.entry == nil {
			continue
		}
		if m.remove(ev.Pid, ev.entry) {
			m.logger.Debug("Removed process from registry",
				zap.Int("pid", ev.Pid),
				zap.String("event", string(ev.Type)),
			)
		}
	}
}
