// Package jsonrpc models newline-delimited JSON-RPC 2.0 traffic exchanged
// with MCP backends over stdio.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// MCP methods the gateway itself speaks.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodCancelled   = "notifications/cancelled"
	MethodProgress    = "notifications/progress"
)

// AnyMessage is a request, notification or response.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             RequestID       `json:"id,omitzero"`
}

type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	default:
		return "response"
	}
}

// UnmarshalJSON enforces JSON-RPC 2.0 message structure.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage AnyMessage
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	if raw.Method != "" {
		if hasResult || hasError {
			return errors.New("request message cannot have result or error fields")
		}
	} else {
		if hasResult && hasError {
			return errors.New("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return errors.New("response message must have either result or error field")
		}
	}
	*m = AnyMessage(raw)
	return nil
}

func (m *AnyMessage) Kind() Kind {
	if m.Method == "" {
		return KindResponse
	}
	if m.ID.IsZero() {
		return KindNotification
	}
	return KindRequest
}

// Parse decodes and validates one line of traffic.
func Parse(line []byte) (*AnyMessage, error) {
	var m AnyMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Request is an outgoing request or, without an id, a notification.
type Request struct {
	JSONRPCVersion string    `json:"jsonrpc"`
	Method         string    `json:"method"`
	Params         any       `json:"params,omitempty"`
	ID             RequestID `json:"id,omitzero"`
}

// NewRequest builds a request with the given id.
func NewRequest(id RequestID, method string, params any) *Request {
	return &Request{JSONRPCVersion: ProtocolVersion, Method: method, Params: params, ID: id}
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) *Request {
	return &Request{JSONRPCVersion: ProtocolVersion, Method: method, Params: params}
}

// Response is an outgoing response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             RequestID       `json:"id"`
}

// NewResultResponse builds a successful response.
func NewResultResponse(id RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id RequestID, code ErrorCode, message string) *Response {
	return &Response{JSONRPCVersion: ProtocolVersion, Error: &Error{Code: code, Message: message}, ID: id}
}

// Encode marshals v and appends the line terminator.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ReplaceID returns msg with its top-level id set to id. All other members
// are preserved as-is.
func ReplaceID(msg []byte, id RequestID) ([]byte, error) {
	fields, err := objectFields(msg)
	if err != nil {
		return nil, err
	}
	if id.IsZero() {
		delete(fields, "id")
	} else {
		fields["id"] = id.Raw()
	}
	return json.Marshal(fields)
}

// ProgressToken returns the token of a progress notification. ok is false for
// any other message and for progress notifications without a token.
func (m *AnyMessage) ProgressToken() (token RequestID, ok bool) {
	if m.Method != MethodProgress || len(m.Params) == 0 {
		return RequestID{}, false
	}
	var p struct {
		ProgressToken RequestID `json:"progressToken"`
	}
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return RequestID{}, false
	}
	return p.ProgressToken, !p.ProgressToken.IsZero()
}

// WithProgressToken returns the request msg with params._meta.progressToken
// set to token, together with the token msg carried before (zero if none).
func WithProgressToken(msg []byte, token RequestID) ([]byte, RequestID, error) {
	fields, err := objectFields(msg)
	if err != nil {
		return nil, RequestID{}, err
	}
	params, err := objectMember(fields, "params")
	if err != nil {
		return nil, RequestID{}, fmt.Errorf("params: %w", err)
	}
	meta, err := objectMember(params, "_meta")
	if err != nil {
		return nil, RequestID{}, fmt.Errorf("params._meta: %w", err)
	}
	var prev RequestID
	if raw, ok := meta["progressToken"]; ok {
		if err := json.Unmarshal(raw, &prev); err != nil {
			return nil, RequestID{}, fmt.Errorf("progressToken: %w", err)
		}
	}
	meta["progressToken"] = token.Raw()
	if params["_meta"], err = json.Marshal(meta); err != nil {
		return nil, RequestID{}, err
	}
	if fields["params"], err = json.Marshal(params); err != nil {
		return nil, RequestID{}, err
	}
	out, err := json.Marshal(fields)
	return out, prev, err
}

// ReplaceProgressToken returns the progress notification msg with
// params.progressToken set to token.
func ReplaceProgressToken(msg []byte, token RequestID) ([]byte, error) {
	fields, err := objectFields(msg)
	if err != nil {
		return nil, err
	}
	params, err := objectMember(fields, "params")
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	params["progressToken"] = token.Raw()
	if fields["params"], err = json.Marshal(params); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func objectFields(msg []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if fields == nil {
		return nil, errors.New("message is not an object")
	}
	return fields, nil
}

// objectMember decodes fields[key] as an object. A missing or null member
// yields an empty map.
func objectMember(fields map[string]json.RawMessage, key string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if raw, ok := fields[key]; ok {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.New("not an object")
		}
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}
	return m, nil
}
