package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerStatus represents the status of a single MCP backend.
type ServerStatus struct {
	ID                  string      `json:"id"`
	State               string      `json:"state"`
	PID                 int         `json:"pid,omitempty"`
	Generation          uint64      `json:"generation"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Restarts            int         `json:"restarts"`
	RestartTimestamps   []time.Time `json:"restart_timestamps,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	UpSince             time.Time   `json:"up_since,omitzero"`
	LastVerdict         *Verdict    `json:"last_verdict,omitempty"`
	StderrTail          []string    `json:"stderr_tail,omitempty"`
	Protocol            string      `json:"protocol,omitempty"`
	QueueDepth          int         `json:"queue_depth"`
}

// Verdict is the result of the last health check.
type Verdict struct {
	Result    string        `json:"result"`
	Reason    string        `json:"reason,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency"`
}

// Event is one server-sent event of a streamed call.
type Event struct {
	Name string
	Data json.RawMessage
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for every non-2xx answer. Body holds the raw
// response, which is a JSON-RPC error response when the call carried an id.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
