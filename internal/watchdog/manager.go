package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loykin/mcpgate/internal/env"
	"github.com/loykin/mcpgate/internal/health"
	"github.com/loykin/mcpgate/internal/history"
	"github.com/loykin/mcpgate/internal/metrics"
	"github.com/loykin/mcpgate/internal/process"
	"github.com/loykin/mcpgate/internal/restart"
)

// DefaultTickInterval is the period of the shared health ticker.
const DefaultTickInterval = 30 * time.Second

const historyQueue = 256

type Config struct {
	TickInterval time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period" json:"grace_period"`
}

// Registration is everything needed to supervise one backend.
type Registration struct {
	Identity process.Identity
	Policy   restart.Policy
	Health   health.Config
}

// Manager is the registry of monitors. It runs one shared ticker for all of
// them and fans lifecycle events out to subscribers and history sinks.
type Manager struct {
	cfg Config
	env *env.Env

	mu       sync.RWMutex
	monitors map[string]*Monitor
	pinger   health.Pinger

	lmu       sync.RWMutex
	listeners []func(Event)

	hmu     sync.Mutex
	sinks   []history.Sink
	hist    chan history.Event
	histWG  sync.WaitGroup
	histOff bool

	tmu     sync.Mutex
	tcancel context.CancelFunc
	tdone   chan struct{}
}

// NewManager creates a manager. e supplies the gateway-wide environment; nil
// starts backends with only their own variables.
func NewManager(cfg Config, e *env.Env) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if e == nil {
		e = env.New()
	}
	return &Manager{cfg: cfg, env: e, monitors: make(map[string]*Monitor)}
}

func (m *Manager) Config() Config { return m.cfg }

// SetPinger sets the transport used by ping-mode health checks.
func (m *Manager) SetPinger(p health.Pinger) {
	m.mu.Lock()
	m.pinger = p
	m.mu.Unlock()
}

func (m *Manager) ping(ctx context.Context, id string) error {
	m.mu.RLock()
	p := m.pinger
	m.mu.RUnlock()
	if p == nil {
		return errors.New("no ping transport")
	}
	return p.Ping(ctx, id)
}

// Subscribe registers fn for every lifecycle event. Events of one backend are
// delivered in order. fn runs synchronously and must not call lifecycle
// operations of the same backend.
func (m *Manager) Subscribe(fn func(Event)) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

// SetHistorySinks configures sinks that receive every lifecycle event.
// Delivery is asynchronous; a full queue drops events with a warning.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.sinks = append([]history.Sink(nil), sinks...)
	if m.hist == nil && len(m.sinks) > 0 && !m.histOff {
		m.hist = make(chan history.Event, historyQueue)
		m.histWG.Add(1)
		go m.runHistory(m.hist)
	}
}

func (m *Manager) runHistory(ch <-chan history.Event) {
	defer m.histWG.Done()
	for e := range ch {
		m.hmu.Lock()
		sinks := append([]history.Sink(nil), m.sinks...)
		m.hmu.Unlock()
		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("history sink send failed", "server", e.Server, "error", err)
			}
			cancel()
		}
	}
}

func (m *Manager) dispatch(e Event) {
	m.lmu.RLock()
	ls := slices.Clone(m.listeners)
	m.lmu.RUnlock()
	for _, fn := range ls {
		fn(e)
	}

	m.hmu.Lock()
	defer m.hmu.Unlock()
	if m.hist == nil {
		return
	}
	he := history.Event{
		Server:     e.Server,
		From:       e.From.String(),
		To:         e.To.String(),
		Reason:     e.Reason,
		PID:        e.PID,
		Restarts:   e.Restarts,
		OccurredAt: e.At.UTC(),
	}
	select {
	case m.hist <- he:
	default:
		slog.Warn("history queue full, dropping event", "server", e.Server, "to", he.To)
	}
}

// Register adds a backend in STOPPED state.
func (m *Manager) Register(r Registration) (*Monitor, error) {
	if err := r.Identity.Validate(); err != nil {
		return nil, err
	}
	if err := r.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("server %s: %w", r.Identity.ID, err)
	}
	if err := r.Health.Validate(); err != nil {
		return nil, fmt.Errorf("server %s: %w", r.Identity.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[r.Identity.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, r.Identity.ID)
	}
	checker := health.NewChecker(r.Identity.ID, r.Health, health.PingerFunc(m.ping))
	mon := newMonitor(r.Identity, r.Policy, checker, m.cfg.GracePeriod, m.envFor, m.dispatch)
	m.monitors[r.Identity.ID] = mon
	slog.Info("backend registered", "server", r.Identity.ID, "command", r.Identity.Command,
		"live_restart", r.Identity.SupportsLiveRestart, "health", string(checker.Config().Mode))
	return mon, nil
}

// Unregister stops the backend and removes it.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	mon, ok := m.monitors[id]
	delete(m.monitors, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	err := mon.Stop()
	metrics.Forget(id)
	metrics.ClearProcess(id)
	return err
}

func (m *Manager) envFor(id process.Identity) []string {
	return m.env.Merge(id.Env)
}

// Monitor returns the monitor of id.
func (m *Manager) Monitor(id string) (*Monitor, error) {
	m.mu.RLock()
	mon, ok := m.monitors[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return mon, nil
}

func (m *Manager) Start(id string) error {
	mon, err := m.Monitor(id)
	if err != nil {
		return err
	}
	return mon.Start()
}

func (m *Manager) Stop(id string) error {
	mon, err := m.Monitor(id)
	if err != nil {
		return err
	}
	return mon.Stop()
}

func (m *Manager) Restart(id string) error {
	mon, err := m.Monitor(id)
	if err != nil {
		return err
	}
	return mon.Restart()
}

func (m *Manager) Status(id string) (Status, error) {
	mon, err := m.Monitor(id)
	if err != nil {
		return Status{}, err
	}
	return mon.Status(), nil
}

// StatusAll returns the status of every backend sorted by id.
func (m *Manager) StatusAll() []Status {
	mons := m.snapshot()
	out := make([]Status, 0, len(mons))
	for _, mon := range mons {
		out = append(out, mon.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) snapshot() []*Monitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		out = append(out, mon)
	}
	return out
}

// Resolve returns the live process of id and its generation.
func (m *Manager) Resolve(id string) (*process.Process, uint64, error) {
	mon, err := m.Monitor(id)
	if err != nil {
		return nil, 0, err
	}
	p, gen, st := mon.current()
	if !st.Live() || p == nil {
		return nil, 0, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, st)
	}
	return p, gen, nil
}

// ReportFailure forwards a crash-equivalent failure of generation gen.
func (m *Manager) ReportFailure(id string, gen uint64, err error) {
	mon, merr := m.Monitor(id)
	if merr != nil {
		return
	}
	mon.ReportFailure(gen, err)
}

// TickAll runs one health check on every due backend and waits for them.
func (m *Manager) TickAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, mon := range m.snapshot() {
		if !mon.ticking.CompareAndSwap(false, true) {
			continue
		}
		wg.Add(1)
		go func(mon *Monitor) {
			defer wg.Done()
			defer mon.ticking.Store(false)
			mon.Tick(ctx)
		}(mon)
	}
	wg.Wait()
}

// StartMonitoring launches the shared ticker. A backend whose health interval
// is longer than the tick is checked on the first tick at or after it is due.
func (m *Manager) StartMonitoring(ctx context.Context) {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	if m.tcancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.tcancel = cancel
	m.tdone = make(chan struct{})
	go m.runTicker(ctx, m.tdone)
}

func (m *Manager) runTicker(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()
	due := make(map[*Monitor]time.Time)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			mons := m.snapshot()
			pruneDue(due, mons)
			for _, mon := range mons {
				if next, ok := due[mon]; ok && now.Before(next) {
					continue
				}
				if !mon.ticking.CompareAndSwap(false, true) {
					continue
				}
				due[mon] = now.Add(mon.HealthConfig().Interval)
				wg.Add(1)
				go func(mon *Monitor) {
					defer wg.Done()
					defer mon.ticking.Store(false)
					mon.Tick(ctx)
				}(mon)
			}
		}
	}
}

// pruneDue forgets monitors that were unregistered since the last tick.
func pruneDue(due map[*Monitor]time.Time, live []*Monitor) {
	for mon := range due {
		if !slices.Contains(live, mon) {
			delete(due, mon)
		}
	}
}

// StopMonitoring stops the ticker and waits for in-progress checks.
func (m *Manager) StopMonitoring() {
	m.tmu.Lock()
	cancel, done := m.tcancel, m.tdone
	m.tcancel, m.tdone = nil, nil
	m.tmu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Shutdown stops the ticker first so no restart decision races the teardown,
// then stops every backend and flushes the history sinks.
func (m *Manager) Shutdown() error {
	m.StopMonitoring()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, mon := range m.snapshot() {
		wg.Add(1)
		go func(mon *Monitor) {
			defer wg.Done()
			if err := mon.Stop(); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", mon.ID(), err))
				emu.Unlock()
			}
		}(mon)
	}
	wg.Wait()

	m.hmu.Lock()
	ch := m.hist
	m.hist = nil
	m.histOff = true
	sinks := m.sinks
	m.hmu.Unlock()
	if ch != nil {
		close(ch)
		m.histWG.Wait()
	}
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
