package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_BACKEND") == "1" {
		runHelperBackend()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperBackend answers initialize and tools/list over stdio.
func runHelperBackend() {
	enc := json.NewEncoder(os.Stdout)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if json.Unmarshal(sc.Bytes(), &req) != nil || len(req.ID) == 0 {
			continue
		}
		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2025-06-18",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "helper", "version": "0.1.0"},
			}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{"name": "echo", "description": "Echo text back", "inputSchema": map[string]any{"type": "object"}},
			}}
		default:
			result = map[string]any{}
		}
		_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestHelpListsCommands(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	for _, c := range []string{"serve", "status", "start", "stop", "restart", "call", "inspect"} {
		assert.Contains(t, out, c)
	}
}

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name    string
		flags   CallFlags
		want    string
		wantErr bool
	}{
		{"request", CallFlags{Method: "tools/list"}, `{"jsonrpc":"2.0","method":"tools/list","id":1}`, false},
		{"params", CallFlags{Method: "tools/call", Params: `{"name":"x"}`}, `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"x"},"id":1}`, false},
		{"notify", CallFlags{Method: "notifications/initialized", Notify: true}, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, false},
		{"raw", CallFlags{Raw: `{"jsonrpc":"2.0","id":"a","method":"ping"}`}, `{"jsonrpc":"2.0","id":"a","method":"ping"}`, false},
		{"no method", CallFlags{}, "", true},
		{"bad params", CallFlags{Method: "m", Params: "{"}, "", true},
		{"bad raw", CallFlags{Raw: "nope"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildPayload(tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func fakeDaemon(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var ops []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/servers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"fs","state":"healthy","pid":101,"generation":1,"restarts":0,"consecutive_failures":0,"queue_depth":0}]`)
	})
	mux.HandleFunc("GET /api/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"fs","state":"failed","generation":4,"restarts":3,"queue_depth":0,"last_error":"restart budget exhausted","stderr_tail":["boom"]}`)
	})
	mux.HandleFunc("POST /api/servers/{id}/rpc", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ops = append(ops, "rpc:"+strings.TrimSpace(string(body)))
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)
	})
	mux.HandleFunc("POST /api/servers/{id}/{op}", func(w http.ResponseWriter, r *http.Request) {
		ops = append(ops, r.PathValue("op")+":"+r.PathValue("id"))
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &ops
}

func TestRemoteCommands(t *testing.T) {
	srv, ops := fakeDaemon(t)
	url := srv.URL + "/api"

	out, err := run(t, "status", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "fs")
	assert.Contains(t, out, "healthy")

	out, err = run(t, "status", "fs", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "restart budget exhausted")
	assert.Contains(t, out, "stderr | boom")

	out, err = run(t, "status", "--api-url", url, "--json")
	require.NoError(t, err)
	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, "fs", list[0]["id"])

	out, err = run(t, "restart", "fs", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "fs: restart ok")

	out, err = run(t, "call", "fs", "tools/list", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"tools"`)

	assert.Equal(t, []string{"restart:fs", `rpc:{"jsonrpc":"2.0","method":"tools/list","id":1}`}, *ops)
}

func TestAPIURLFromConfig(t *testing.T) {
	p := writeConfig(t, "gw.toml", "[server]\nlisten = \"0.0.0.0:9100\"\nbase = \"/gw\"\n")
	u, tlsOn, err := apiURL(APIFlags{}, p)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9100/gw", u)
	assert.False(t, tlsOn)

	u, _, err = apiURL(APIFlags{URL: "https://h:1/api/"}, p)
	require.NoError(t, err)
	assert.Equal(t, "https://h:1/api", u)

	u, _, err = apiURL(APIFlags{}, "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8787/api", u)
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mcpgate.pid")
	require.NoError(t, writePidFile(p, 4242))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(b))
	require.NoError(t, removePidFile(p))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(""))
}

func TestInspect(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	p := writeConfig(t, "inspect.toml", `
[[servers]]
id = "helper"
command = "`+exe+`"
args = ["-test.run=^$"]
env = ["GO_WANT_HELPER_BACKEND=1"]
`)
	out, err := run(t, "inspect", "helper", "--config", p)
	require.NoError(t, err)
	assert.Contains(t, out, "server:   helper 0.1.0")
	assert.Contains(t, out, "protocol: 2025-06-18")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "Echo text back")

	_, err = run(t, "inspect", "nope", "--config", p)
	assert.ErrorContains(t, err, "unknown server")
}
