package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/mcpgate/internal/health"
	"github.com/loykin/mcpgate/internal/metrics"
	"github.com/loykin/mcpgate/internal/process"
	"github.com/loykin/mcpgate/internal/restart"
)

// DefaultGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// view is what readers see between lifecycle operations.
type view struct {
	status Status
	proc   *process.Process
}

// Monitor owns the lifecycle of one backend.
//
// Lifecycle operations (start, stop, tick results, crash handling) are
// serialized by opMu. Readers never take opMu: every operation publishes a
// snapshot on unlock, and events queued during the operation are delivered
// in order after opMu is released.
type Monitor struct {
	ident   process.Identity
	policy  restart.Policy
	checker *health.Checker
	grace   time.Duration
	env     func(process.Identity) []string
	emit    func(Event)

	opMu     sync.Mutex
	state    State
	proc     *process.Process
	gen      uint64
	failures int
	restarts int
	history  restart.History
	lastErr  string
	upSince  time.Time
	verdict  *health.Verdict
	timer    *time.Timer
	token    uint64
	queued   []Event

	emitMu  sync.Mutex
	snap    atomic.Pointer[view]
	ticking atomic.Bool
}

func newMonitor(ident process.Identity, policy restart.Policy, checker *health.Checker, grace time.Duration,
	env func(process.Identity) []string, emit func(Event)) *Monitor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	m := &Monitor{
		ident:   ident,
		policy:  policy,
		checker: checker,
		grace:   grace,
		env:     env,
		emit:    emit,
	}
	m.publishLocked()
	metrics.SetCurrentState(ident.ID, StateStopped.String(), true)
	return m
}

func (m *Monitor) ID() string { return m.ident.ID }

func (m *Monitor) Identity() process.Identity { return m.ident }

func (m *Monitor) Policy() restart.Policy { return m.policy }

func (m *Monitor) HealthConfig() health.Config { return m.checker.Config() }

// Status returns a consistent copy of the backend's state.
func (m *Monitor) Status() Status {
	v := m.snap.Load()
	st := v.status
	st.RestartTimestamps = restart.Within(st.RestartTimestamps, time.Now(), m.policy.Window)
	if v.proc != nil {
		st.StderrTail = v.proc.StderrTail()
	}
	return st
}

// State returns the current state.
func (m *Monitor) State() State { return m.snap.Load().status.State }

// current returns the live process and its generation, if any.
func (m *Monitor) current() (*process.Process, uint64, State) {
	v := m.snap.Load()
	return v.proc, v.status.Generation, v.status.State
}

func (m *Monitor) lock() { m.opMu.Lock() }

// unlock publishes the snapshot, releases opMu and then delivers the events
// queued while it was held. emitMu is taken before opMu is released so events
// of consecutive operations keep their order.
func (m *Monitor) unlock() {
	m.publishLocked()
	events := m.queued
	m.queued = nil
	m.emitMu.Lock()
	m.opMu.Unlock()
	defer m.emitMu.Unlock()
	if m.emit == nil {
		return
	}
	for _, e := range events {
		m.emit(e)
	}
}

func (m *Monitor) publishLocked() {
	if m.policy.Window > 0 {
		m.history.Evict(time.Now().Add(-m.policy.Window))
	}
	st := Status{
		ID:                  m.ident.ID,
		State:               m.state,
		Generation:          m.gen,
		ConsecutiveFailures: m.failures,
		Restarts:            m.restarts,
		RestartTimestamps:   m.history.Timestamps(),
		LastError:           m.lastErr,
		UpSince:             m.upSince,
		LastVerdict:         m.verdict,
	}
	if m.proc != nil && (m.state.Live() || m.state == StateStarting) {
		st.PID = m.proc.PID()
	}
	m.snap.Store(&view{status: st, proc: m.proc})
}

// setStateLocked records a transition. A transition to the current state is
// a no-op, so a backend sitting in a stable state emits nothing.
func (m *Monitor) setStateLocked(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	pid := 0
	if m.proc != nil {
		pid = m.proc.PID()
	}
	id := m.ident.ID

	attrs := []any{"server", id, "from", from.String(), "to", to.String(), "pid", pid}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	switch to {
	case StateCrashed, StateFailed:
		slog.Error("backend state changed", attrs...)
	case StateUnhealthy, StateRestarting:
		slog.Warn("backend state changed", attrs...)
	default:
		slog.Info("backend state changed", attrs...)
	}

	metrics.RecordStateTransition(id, from.String(), to.String())
	metrics.SetCurrentState(id, from.String(), false)
	metrics.SetCurrentState(id, to.String(), true)

	m.queued = append(m.queued, Event{
		Server:   id,
		From:     from,
		To:       to,
		Reason:   reason,
		PID:      pid,
		Restarts: m.restarts,
		At:       time.Now(),
	})
}

// Start spawns the backend. It is valid from STOPPED and FAILED only. A
// spawn error is returned and leaves the state untouched.
func (m *Monitor) Start() error {
	m.lock()
	defer m.unlock()
	switch m.state {
	case StateStopped:
	case StateFailed:
		// an operator start opens a fresh restart window
		m.history = restart.History{}
	default:
		return fmt.Errorf("%w: start %s while %s", ErrInvalidState, m.ident.ID, m.state)
	}
	return m.spawnLocked(false)
}

// spawnLocked launches a new generation. When restarting, the restart is
// counted once the spawn succeeded.
func (m *Monitor) spawnLocked(restarting bool) error {
	var envList []string
	if m.env != nil {
		envList = m.env(m.ident)
	}
	p := process.New(m.ident)
	if err := p.Start(envList); err != nil {
		m.lastErr = err.Error()
		slog.Error("backend spawn failed", "server", m.ident.ID, "error", err)
		return err
	}
	m.proc = p
	m.gen++
	if restarting {
		m.restarts++
		metrics.IncRestart(m.ident.ID)
	}
	m.upSince = p.StartedAt()
	m.verdict = nil
	m.setStateLocked(StateStarting, fmt.Sprintf("spawned pid %d", p.PID()))
	m.setStateLocked(StateRunning, "")
	metrics.IncStart(m.ident.ID)
	go m.watchExit(p, m.gen)
	return nil
}

// watchExit turns an unexpected exit of generation gen into a crash without
// waiting for the next tick.
func (m *Monitor) watchExit(p *process.Process, gen uint64) {
	<-p.Done()
	m.lock()
	defer m.unlock()
	if m.gen != gen || !(m.state.Live() || m.state == StateStarting) {
		return
	}
	if err := p.ExitErr(); err != nil {
		m.crashLocked(fmt.Sprintf("process exited: %v", err))
		return
	}
	m.crashLocked(fmt.Sprintf("process exited with code %d", p.ExitCode()))
}

// Tick runs one health check and applies its verdict. Ticks against
// STOPPED, CRASHED, RESTARTING and FAILED do nothing.
func (m *Monitor) Tick(ctx context.Context) {
	proc, gen, st := m.current()
	if !st.Live() || proc == nil {
		return
	}
	v := m.checker.Check(ctx, proc)
	metrics.IncHealthCheck(m.ident.ID, string(v.Result))
	if pid := proc.PID(); v.Result != health.Crashed && pid > 0 {
		if _, err := metrics.SampleProcess(m.ident.ID, pid); err != nil {
			slog.Debug("process sample failed", "server", m.ident.ID, "error", err)
		}
	}

	m.lock()
	defer m.unlock()
	if m.gen != gen || !m.state.Live() {
		return
	}
	m.verdict = &v
	switch v.Result {
	case health.Healthy:
		m.failures = 0
		m.setStateLocked(StateHealthy, "")
	case health.Unhealthy:
		m.failures++
		m.lastErr = v.Reason
		m.setStateLocked(StateUnhealthy, v.Reason)
	case health.Crashed:
		m.crashLocked(v.Reason)
	}
}

// ReportFailure handles a crash-equivalent failure of generation gen observed
// outside the monitor, such as a failed MCP handshake. Reports for an older
// generation are ignored.
func (m *Monitor) ReportFailure(gen uint64, err error) {
	m.lock()
	defer m.unlock()
	if m.gen != gen || !m.state.Live() {
		return
	}
	m.crashLocked(err.Error())
}

func (m *Monitor) crashLocked(reason string) {
	id := m.ident.ID
	m.lastErr = reason
	m.setStateLocked(StateCrashed, reason)
	metrics.IncCrash(id)
	if m.proc != nil {
		if err := m.proc.Kill(); err != nil {
			slog.Warn("kill after crash failed", "server", id, "error", err)
		}
	}
	metrics.ClearProcess(id)

	if !m.ident.SupportsLiveRestart {
		m.setStateLocked(StateFailed, "live restart not supported")
		return
	}
	d := restart.Decide(&m.history, m.policy, time.Now())
	if !d.Allowed {
		m.lastErr = fmt.Sprintf("%v: %s", restart.ErrRestartExhausted, d.Reason)
		m.setStateLocked(StateFailed, m.lastErr)
		return
	}
	m.setStateLocked(StateRestarting, fmt.Sprintf("attempt %d in %s", d.Attempts+1, d.Delay))
	m.token++
	tok := m.token
	m.timer = time.AfterFunc(d.Delay, func() { m.restartDue(tok) })
}

func (m *Monitor) restartDue(tok uint64) {
	m.lock()
	defer m.unlock()
	if m.state != StateRestarting || m.token != tok {
		return
	}
	m.timer = nil
	// the attempt counts against the window once the spawn is issued
	m.history.Record(time.Now())
	if err := m.spawnLocked(true); err != nil {
		m.crashLocked(err.Error())
	}
}

func (m *Monitor) cancelRestartLocked() {
	m.token++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Stop terminates the backend and always ends in STOPPED. A pending restart
// is cancelled without being counted. Stopping a stopped backend is a no-op.
func (m *Monitor) Stop() error {
	m.lock()
	defer m.unlock()
	m.cancelRestartLocked()
	if m.state == StateStopped {
		return nil
	}
	var err error
	if m.proc != nil {
		err = m.proc.Stop(m.grace)
	}
	m.setStateLocked(StateStopped, "stop requested")
	metrics.ClearProcess(m.ident.ID)
	return err
}

// Restart stops the backend and starts it again.
func (m *Monitor) Restart() error {
	if err := m.Stop(); err != nil {
		slog.Warn("stop before restart failed", "server", m.ident.ID, "error", err)
	}
	return m.Start()
}
