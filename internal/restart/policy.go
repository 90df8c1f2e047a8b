// Package restart decides whether a crashed backend may be restarted and
// how long to wait before doing so.
package restart

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrRestartExhausted is reported when the policy denies another restart.
var ErrRestartExhausted = errors.New("restart budget exhausted")

// Default policy values.
const (
	DefaultMaxRestarts       = 5
	DefaultInitialDelay      = 2 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelay          = 60 * time.Second
	DefaultWindow            = 5 * time.Minute
)

// Policy bounds automatic restarts of one backend.
type Policy struct {
	Enabled           bool          `mapstructure:"enabled" json:"enabled"`
	MaxRestarts       int           `mapstructure:"max_restarts" json:"max_restarts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" json:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay" json:"max_delay"`
	// Window is the sliding period restarts are counted in. Zero keeps every
	// restart forever.
	Window time.Duration `mapstructure:"window" json:"window"`
}

func DefaultPolicy() Policy {
	return Policy{
		Enabled:           true,
		MaxRestarts:       DefaultMaxRestarts,
		InitialDelay:      DefaultInitialDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxDelay:          DefaultMaxDelay,
		Window:            DefaultWindow,
	}
}

func (p Policy) Validate() error {
	if p.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must be >= 0, got %d", p.MaxRestarts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 || p.Window < 0 {
		return errors.New("restart durations must not be negative")
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", p.BackoffMultiplier)
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return errors.New("initial_delay exceeds max_delay")
	}
	return nil
}

// Backoff returns min(InitialDelay * BackoffMultiplier^attempt, MaxDelay).
// A zero multiplier is treated as 2 and a zero MaxDelay as uncapped.
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.BackoffMultiplier
	if mult == 0 {
		mult = DefaultBackoffMultiplier
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Decision is the outcome of Decide.
type Decision struct {
	Allowed  bool
	Delay    time.Duration
	Attempts int // restarts inside the window before this one
	Reason   string
}

// Decide evicts restarts that fell out of the window and checks the budget.
// It does not record anything: the caller records the restart once the new
// process has actually been spawned.
func Decide(h *History, p Policy, now time.Time) Decision {
	if !p.Enabled {
		return Decision{Reason: "restart disabled"}
	}
	if p.Window > 0 {
		h.Evict(now.Add(-p.Window))
	}
	attempts := h.Len()
	if attempts >= p.MaxRestarts {
		return Decision{
			Attempts: attempts,
			Reason:   fmt.Sprintf("%d restarts within %s (max %d)", attempts, p.Window, p.MaxRestarts),
		}
	}
	return Decision{Allowed: true, Delay: Backoff(p, attempts), Attempts: attempts}
}
