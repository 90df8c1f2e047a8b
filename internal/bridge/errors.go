package bridge

import "errors"

var (
	// ErrBackendUnavailable is returned when the backend is not running, died
	// while the call was queued or in flight, or was never registered.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrCallTimeout is returned when the call deadline passes before the
	// backend answered. The backend itself is left running.
	ErrCallTimeout = errors.New("call timed out")
	// ErrHandshake is returned when the MCP initialize exchange failed.
	ErrHandshake = errors.New("handshake failed")
	// ErrInvalidRequest is returned for payloads that are not a JSON-RPC
	// request or notification.
	ErrInvalidRequest = errors.New("invalid request")
)
