package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:8787/api"

// Client talks to a running mcpgate daemon.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new mcpgate API client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		// streams are bounded by the caller's context
		stream: &http.Client{Transport: transport},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/servers", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Servers lists every backend.
func (c *Client) Servers(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	if err := c.getJSON(ctx, "/servers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Server returns one backend.
func (c *Client) Server(ctx context.Context, id string) (ServerStatus, error) {
	var out ServerStatus
	err := c.getJSON(ctx, "/servers/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, id string) error   { return c.lifecycle(ctx, id, "start") }
func (c *Client) Stop(ctx context.Context, id string) error    { return c.lifecycle(ctx, id, "stop") }
func (c *Client) Restart(ctx context.Context, id string) error { return c.lifecycle(ctx, id, "restart") }

func (c *Client) lifecycle(ctx context.Context, id, op string) error {
	c.logger.Debug("lifecycle request", "server", id, "op", op)
	resp, err := c.do(ctx, c.client, http.MethodPost, "/servers/"+url.PathEscape(id)+"/"+op, nil, 0)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkResponse(resp)
}

// Call sends one JSON-RPC message and returns the backend's response. A
// notification returns nil. timeout overrides the daemon's call timeout when
// positive.
func (c *Client) Call(ctx context.Context, id string, payload []byte, timeout time.Duration) ([]byte, error) {
	resp, err := c.do(ctx, c.client, http.MethodPost, "/servers/"+url.PathEscape(id)+"/rpc", payload, timeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	return io.ReadAll(resp.Body)
}

// Stream sends one JSON-RPC request over the SSE endpoint and hands every
// event to fn until the stream ends. An "error" event is returned as an
// error.
func (c *Client) Stream(ctx context.Context, id string, payload []byte, timeout time.Duration, fn func(Event) error) error {
	resp, err := c.do(ctx, c.stream, http.MethodPost, "/servers/"+url.PathEscape(id)+"/sse", payload, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	return readEvents(resp.Body, fn)
}

func readEvents(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	var (
		ev   Event
		data [][]byte
	)
	flush := func() error {
		if ev.Name == "" && data == nil {
			return nil
		}
		if ev.Name == "" {
			ev.Name = "message"
		}
		ev.Data = json.RawMessage(bytes.Join(data, []byte("\n")))
		e := ev
		ev, data = Event{}, nil
		if e.Name == "error" {
			return errors.New(string(e.Data))
		}
		return fn(e)
	}
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if err := flush(); err != nil {
				return err
			}
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = strings.TrimSpace(string(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			data = append(data, append([]byte(nil), d...))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, c.client, http.MethodGet, path, nil, 0)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body []byte, timeout time.Duration) (*http.Response, error) {
	u := c.baseURL + path
	if timeout > 0 {
		u += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// checkResponse turns a non-2xx answer into an *APIError.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: body}

	var plain ErrorResponse
	var rpc struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	switch {
	case json.Unmarshal(body, &plain) == nil && plain.Error != "":
		apiErr.Message = plain.Error
	case json.Unmarshal(body, &rpc) == nil && rpc.Error != nil:
		apiErr.Message = rpc.Error.Message
	default:
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}
