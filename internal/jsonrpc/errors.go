package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
	// ErrorCodeServerError is used by the gateway for transport level failures
	// (backend unavailable, call timeout) when it has to answer in-band.
	ErrorCodeServerError ErrorCode = -32000
)

// Error is a JSON-RPC error object. It is passed through verbatim when a
// backend rejects a call.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
