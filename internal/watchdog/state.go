// Package watchdog supervises backend processes: it owns their lifecycle
// state machine, runs health checks on a shared ticker and applies the
// restart policy.
package watchdog

import (
	"errors"
	"time"

	"github.com/loykin/mcpgate/internal/health"
)

var (
	// ErrUnknownServer is returned for ids that were never registered.
	ErrUnknownServer = errors.New("unknown server")
	// ErrDuplicateServer is returned when an id is registered twice.
	ErrDuplicateServer = errors.New("server already registered")
	// ErrInvalidState is returned for lifecycle operations the current state
	// does not allow, such as starting a running backend.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrNotRunning is returned by Resolve when the backend has no usable
	// process.
	ErrNotRunning = errors.New("server not running")
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateHealthy
	StateUnhealthy
	StateCrashed
	StateRestarting
	StateFailed
)

var allStates = []State{
	StateStopped, StateStarting, StateRunning, StateHealthy,
	StateUnhealthy, StateCrashed, StateRestarting, StateFailed,
}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range allStates {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.New("unknown state " + string(b))
}

// Live reports whether the state implies a live process handle.
func (s State) Live() bool {
	return s == StateRunning || s == StateHealthy || s == StateUnhealthy
}

// Status is a point-in-time copy of a backend's supervision state.
type Status struct {
	ID                  string          `json:"id"`
	State               State           `json:"state"`
	PID                 int             `json:"pid,omitempty"`
	Generation          uint64          `json:"generation"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Restarts            int             `json:"restarts"`
	RestartTimestamps   []time.Time     `json:"restart_timestamps,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	UpSince             time.Time       `json:"up_since,omitzero"`
	LastVerdict         *health.Verdict `json:"last_verdict,omitempty"`
	StderrTail          []string        `json:"stderr_tail,omitempty"`
}

// Event describes one state transition.
type Event struct {
	Server   string    `json:"server"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	PID      int       `json:"pid,omitempty"`
	Restarts int       `json:"restarts"`
	At       time.Time `json:"at"`
}
