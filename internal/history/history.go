// Package history exports backend lifecycle transitions to external stores.
package history

import (
	"context"
	"time"
)

// Event is one lifecycle transition of a backend.
type Event struct {
	Server     string    `json:"server"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	PID        int       `json:"pid"`
	Restarts   int       `json:"restarts"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the relational table every SQL sink appends to.
const Table = "mcp_lifecycle"
