package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestServersAndServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/servers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"a","state":"healthy","pid":10,"generation":2,"restarts":1,"queue_depth":0,"protocol":"2025-06-18"},{"id":"b","state":"failed","generation":0,"restarts":3,"queue_depth":0,"last_error":"restart budget exhausted"}]`)
	})
	mux.HandleFunc("GET /api/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "a" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"unknown server: `+r.PathValue("id")+`"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"a","state":"healthy","generation":2,"queue_depth":1,"last_verdict":{"result":"healthy","checked_at":"2026-01-02T03:04:05Z","latency":1000}}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	list, err := c.Servers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "healthy", list[0].State)
	assert.Equal(t, "2025-06-18", list[0].Protocol)
	assert.Equal(t, 3, list[1].Restarts)

	s, err := c.Server(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, s.QueueDepth)
	require.NotNil(t, s.LastVerdict)
	assert.Equal(t, "healthy", s.LastVerdict.Result)

	_, err = c.Server(ctx, "zzz")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "unknown server: zzz", apiErr.Message)

	assert.True(t, c.IsReachable(ctx))
}

func TestLifecycle(t *testing.T) {
	var got []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/servers/{id}/{op}", func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.PathValue("op")+":"+r.PathValue("id"))
		if r.PathValue("op") == "start" {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":"invalid state"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Stop(ctx, "x"))
	require.NoError(t, c.Restart(ctx, "x"))
	err := c.Start(ctx, "x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, []string{"stop:x", "restart:x", "start:x"}, got)
}

func TestCall(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/servers/{id}/rpc", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.PathValue("id") {
		case "notify":
			w.WriteHeader(http.StatusAccepted)
		case "down":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"backend unavailable: down"}}`)
		default:
			assert.Equal(t, "1.5s", r.URL.Query().Get("timeout"))
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"echo":%s}}`, body)
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	resp, err := c.Call(ctx, "ok", []byte(`"hi"`), 1500*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"echo":"hi"}}`, string(resp))

	resp, err = c.Call(ctx, "notify", []byte(`{}`), 0)
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, err = c.Call(ctx, "down", []byte(`{}`), 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "backend unavailable: down", apiErr.Message)
	assert.Contains(t, string(apiErr.Body), "-32000")
}

func TestStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/servers/{id}/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event:message\ndata:{\"method\":\"notifications/progress\"}\n\n")
		_, _ = io.WriteString(w, "event:message\ndata:{\"id\":1,\"result\":{}}\n\n")
		if r.PathValue("id") == "broken" {
			_, _ = io.WriteString(w, "event:error\ndata:backend unavailable\n\n")
			return
		}
		_, _ = io.WriteString(w, "event:done\ndata:\n\n")
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	var events []Event
	err := c.Stream(ctx, "ok", []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`), 0, func(e Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "message", events[0].Name)
	assert.JSONEq(t, `{"method":"notifications/progress"}`, string(events[0].Data))
	assert.Equal(t, "done", events[2].Name)

	events = nil
	err = c.Stream(ctx, "broken", []byte(`{}`), 0, func(e Event) error {
		events = append(events, e)
		return nil
	})
	assert.ErrorContains(t, err, "backend unavailable")
	assert.Len(t, events, 2)
}

func TestUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
	_, err = c.Servers(context.Background())
	assert.Error(t, err)
}

func TestTLSConfigErrors(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{Enabled: true, CACert: "/nonexistent/ca.pem"}})
	assert.Error(t, err)

	c, err := New(Config{Insecure: true})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
