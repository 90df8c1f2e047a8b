package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// RequestID is a JSON-RPC id, either a string or a number. The raw encoding
// is kept so an id can be handed back exactly as the client sent it.
type RequestID struct {
	raw json.RawMessage
}

// StringID returns a string-typed id.
func StringID(s string) RequestID {
	b, _ := json.Marshal(s)
	return RequestID{raw: b}
}

// NumberID returns a numeric id.
func NumberID(n int64) RequestID {
	return RequestID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool { return len(id.raw) == 0 }

// Raw returns the id's JSON encoding.
func (id RequestID) Raw() json.RawMessage { return id.raw }

// String returns the id's value without JSON quoting.
func (id RequestID) String() string {
	if len(id.raw) > 0 && id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(id.raw, &s); err == nil {
			return s
		}
	}
	return string(id.raw)
}

func (id RequestID) Equal(other RequestID) bool { return bytes.Equal(id.raw, other.raw) }

func (id RequestID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		id.raw = nil
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case string, float64:
		id.raw = append(json.RawMessage(nil), data...)
		return nil
	}
	return errors.New("id must be a string or a number")
}
