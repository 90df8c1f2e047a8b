// Package mcpgate runs stdio MCP servers as supervised child processes and
// exposes each of them through one HTTP/SSE gateway.
package mcpgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mcpgate/internal/bridge"
	cfg "github.com/loykin/mcpgate/internal/config"
	"github.com/loykin/mcpgate/internal/history"
	"github.com/loykin/mcpgate/internal/history/factory"
	"github.com/loykin/mcpgate/internal/metrics"
	"github.com/loykin/mcpgate/internal/server"
	itls "github.com/loykin/mcpgate/internal/tls"
	"github.com/loykin/mcpgate/internal/watchdog"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Registration = watchdog.Registration

type Status = watchdog.Status

type State = watchdog.State

type Event = watchdog.Event

type ServerInfo = server.ServerInfo

type HistorySink = history.Sink

// Lifecycle states.
const (
	StateStopped    = watchdog.StateStopped
	StateStarting   = watchdog.StateStarting
	StateRunning    = watchdog.StateRunning
	StateHealthy    = watchdog.StateHealthy
	StateUnhealthy  = watchdog.StateUnhealthy
	StateCrashed    = watchdog.StateCrashed
	StateRestarting = watchdog.StateRestarting
	StateFailed     = watchdog.StateFailed
)

// Errors callers may test with errors.Is.
var (
	ErrUnknownServer      = watchdog.ErrUnknownServer
	ErrInvalidState       = watchdog.ErrInvalidState
	ErrBackendUnavailable = bridge.ErrBackendUnavailable
	ErrCallTimeout        = bridge.ErrCallTimeout
	ErrHandshake          = bridge.ErrHandshake
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() *Config { return cfg.Default() }

// Gateway ties the watchdog and the bridge together and serves them over HTTP.
type Gateway struct {
	cfg    *Config
	mgr    *watchdog.Manager
	br     *bridge.Bridge
	router *server.Router

	srv *http.Server
}

// resolver hands the bridge the live process of a backend.
type resolver struct{ m *watchdog.Manager }

func (r resolver) Resolve(id string) (bridge.Pipe, uint64, error) {
	p, gen, err := r.m.Resolve(id)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", bridge.ErrBackendUnavailable, err)
	}
	return p, gen, nil
}

// New builds a gateway from c and registers every configured server. Nothing
// is started until Start, StartAutostart or Serve is called.
func New(c *Config) (*Gateway, error) {
	if c == nil {
		c = cfg.Default()
	}
	genv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	mgr := watchdog.NewManager(c.Watchdog, genv)
	br := bridge.New(c.Bridge, resolver{mgr}, mgr)
	mgr.SetPinger(br)

	g := &Gateway{cfg: c, mgr: mgr, br: br}
	g.router = server.NewRouter(g, c.Server.Base)
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		g.router.WithMetrics(metrics.Handler())
	}

	// handshake every new generation right away, and fail pending calls as
	// soon as the process behind them is gone
	mgr.Subscribe(func(e watchdog.Event) {
		switch e.To {
		case watchdog.StateRunning:
			if e.From != watchdog.StateStarting {
				return
			}
			go func(id string) {
				if err := br.Connect(context.Background(), id); err != nil {
					slog.Debug("initial handshake did not complete", "server", id, "error", err)
				}
			}(e.Server)
		case watchdog.StateStopped, watchdog.StateCrashed, watchdog.StateFailed:
			br.Invalidate(e.Server, e.To.String())
		}
	})

	if c.History.Enabled {
		sinks := make([]history.Sink, 0, len(c.History.DSNs))
		for _, dsn := range c.History.DSNs {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				closeSinks(sinks)
				return nil, fmt.Errorf("history sink: %w", err)
			}
			sinks = append(sinks, s)
		}
		mgr.SetHistorySinks(sinks...)
	}

	regs, err := c.Registrations()
	if err != nil {
		_ = mgr.Shutdown()
		return nil, err
	}
	for _, r := range regs {
		if _, err := mgr.Register(r); err != nil {
			_ = mgr.Shutdown()
			return nil, err
		}
	}
	return g, nil
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func (g *Gateway) Config() *Config { return g.cfg }

// Register adds a backend in STOPPED state.
func (g *Gateway) Register(r Registration) error {
	_, err := g.mgr.Register(r)
	return err
}

func (g *Gateway) Unregister(id string) error {
	err := g.mgr.Unregister(id)
	g.br.Invalidate(id, "unregistered")
	return err
}

// Subscribe registers fn for every lifecycle event. fn must not call
// lifecycle operations of the same backend.
func (g *Gateway) Subscribe(fn func(Event)) { g.mgr.Subscribe(fn) }

func (g *Gateway) Start(id string) error   { return g.mgr.Start(id) }
func (g *Gateway) Stop(id string) error    { return g.mgr.Stop(id) }
func (g *Gateway) Restart(id string) error { return g.mgr.Restart(id) }

func (g *Gateway) Status(id string) (Status, error) { return g.mgr.Status(id) }
func (g *Gateway) StatusAll() []Status              { return g.mgr.StatusAll() }

// Servers implements server.Backend.
func (g *Gateway) Servers() []ServerInfo {
	all := g.mgr.StatusAll()
	out := make([]ServerInfo, 0, len(all))
	for _, st := range all {
		out = append(out, g.info(st))
	}
	return out
}

// Server implements server.Backend.
func (g *Gateway) Server(id string) (ServerInfo, error) {
	st, err := g.mgr.Status(id)
	if err != nil {
		return ServerInfo{}, err
	}
	return g.info(st), nil
}

func (g *Gateway) info(st Status) ServerInfo {
	return ServerInfo{Status: st, Protocol: g.br.ProtocolVersion(st.ID), QueueDepth: g.br.QueueDepth(st.ID)}
}

// Call relays one JSON-RPC message to backend id. ctx bounds the whole call;
// without a deadline the configured call timeout applies.
func (g *Gateway) Call(ctx context.Context, id string, payload []byte) ([]byte, error) {
	return g.br.Call(ctx, id, payload)
}

// Stream relays one JSON-RPC request and every notification sent while it is
// outstanding.
func (g *Gateway) Stream(ctx context.Context, id string, payload []byte, emit func([]byte) error) error {
	return g.br.Stream(ctx, id, payload, emit)
}

// StartAutostart starts every server flagged for autostart. Failures are
// logged and returned joined; the other servers still start.
func (g *Gateway) StartAutostart() error {
	var errs []error
	for _, id := range g.cfg.Autostart() {
		if err := g.mgr.Start(id); err != nil {
			slog.Error("autostart failed", "server", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Handler returns the HTTP API.
func (g *Gateway) Handler() http.Handler { return g.router.Handler() }

// Router exposes the router for mounting into an existing gin or echo server.
func (g *Gateway) Router() *server.Router { return g.router }

// Serve starts health monitoring, autostarts servers and serves the API on
// the configured listen address until ctx is cancelled. The gateway is shut
// down before Serve returns.
func (g *Gateway) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.Listen)
	if err != nil {
		return err
	}
	return g.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (g *Gateway) ServeListener(ctx context.Context, ln net.Listener) error {
	tlsCfg, err := itls.Setup(g.cfg.Server.TLS)
	if err != nil {
		_ = ln.Close()
		return err
	}
	g.srv = server.NewServer(ln.Addr().String(), tlsCfg, g.Handler())

	g.mgr.StartMonitoring(ctx)
	_ = g.StartAutostart()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcpgate listening", "addr", ln.Addr().String(), "base", g.router.BasePath(), "tls", tlsCfg != nil)
		if tlsCfg != nil {
			errCh <- g.srv.ServeTLS(ln, "", "")
		} else {
			errCh <- g.srv.Serve(ln)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, g.Shutdown(sctx))
}

// Shutdown stops the HTTP server, the health ticker and every backend, then
// flushes history sinks.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if g.srv != nil {
		if err := g.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := g.mgr.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
