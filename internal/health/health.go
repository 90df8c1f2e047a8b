// Package health classifies a running backend as healthy, unhealthy or
// crashed. Checks never mutate the backend or its supervisor.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Result string

const (
	Healthy   Result = "healthy"
	Unhealthy Result = "unhealthy"
	Crashed   Result = "crashed"
)

type Mode string

const (
	ModeLiveness Mode = "liveness"
	ModeHTTP     Mode = "http"
	ModePing     Mode = "ping"
)

const DefaultTimeout = 5 * time.Second

// Config selects the probe used beyond the liveness check.
type Config struct {
	Mode    Mode          `mapstructure:"mode" json:"mode"`
	URL     string        `mapstructure:"url" json:"url,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// Interval between checks of this backend; zero uses the manager tick.
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeLiveness, ModePing:
	case ModeHTTP:
		if c.URL == "" {
			return errors.New("health mode http requires url")
		}
	default:
		return fmt.Errorf("unknown health mode %q", c.Mode)
	}
	if c.Timeout < 0 || c.Interval < 0 {
		return errors.New("health durations must not be negative")
	}
	return nil
}

// Verdict is the transient outcome of one check.
type Verdict struct {
	Result    Result        `json:"result"`
	Reason    string        `json:"reason,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency"`
}

// Target is the process being checked.
type Target interface {
	Alive() bool
}

// Pinger sends a protocol-level ping to backend id.
type Pinger interface {
	Ping(ctx context.Context, id string) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, id string) error

func (f PingerFunc) Ping(ctx context.Context, id string) error { return f(ctx, id) }

// Checker runs the configured probe for one backend.
type Checker struct {
	id     string
	cfg    Config
	client *http.Client
	pinger Pinger
}

func NewChecker(id string, cfg Config, pinger Pinger) *Checker {
	if cfg.Mode == "" {
		cfg.Mode = ModeLiveness
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Checker{id: id, cfg: cfg, client: &http.Client{}, pinger: pinger}
}

func (c *Checker) Config() Config { return c.cfg }

// Check evaluates liveness first; a dead target is crashed regardless of
// mode. Probe failures and timeouts are unhealthy, never crashed.
func (c *Checker) Check(ctx context.Context, t Target) Verdict {
	start := time.Now()
	v := Verdict{CheckedAt: start}
	if t == nil || !t.Alive() {
		v.Result, v.Reason = Crashed, "process not alive"
		return v
	}
	var err error
	switch c.cfg.Mode {
	case ModeHTTP:
		err = c.probeHTTP(ctx)
	case ModePing:
		err = c.probePing(ctx)
	}
	v.Latency = time.Since(start)
	if err != nil {
		v.Result, v.Reason = Unhealthy, err.Error()
		return v
	}
	v.Result = Healthy
	return v
}

func (c *Checker) probeHTTP(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}

func (c *Checker) probePing(ctx context.Context) error {
	if c.pinger == nil {
		return errors.New("no ping transport")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.pinger.Ping(ctx, c.id)
}
