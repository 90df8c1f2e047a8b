// Package bridge relays JSON-RPC calls to stdio MCP backends. Each backend
// has a single-flight FIFO lane; a call owns the backend's stdin and stdout
// from the moment its request is written until its response arrives.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loykin/mcpgate/internal/jsonrpc"
	"github.com/loykin/mcpgate/internal/metrics"
)

// Default timeouts.
const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultProtocolVersion  = "2025-06-18"
)

// Pipe is the stdio of one running backend process.
type Pipe interface {
	Stdin() io.Writer
	Stdout() io.Reader
}

// Resolver looks up the live process of a backend. The generation changes
// every time the backend is respawned.
type Resolver interface {
	Resolve(id string) (Pipe, uint64, error)
}

// FailureReporter receives crash-equivalent failures observed by the bridge,
// such as a failed handshake.
type FailureReporter interface {
	ReportFailure(id string, gen uint64, err error)
}

type Config struct {
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ProtocolVersion  string        `mapstructure:"protocol_version"`
	ClientName       string        `mapstructure:"client_name"`
	ClientVersion    string        `mapstructure:"client_version"`
}

func (c *Config) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.ClientName == "" {
		c.ClientName = "mcpgate"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
}

type Bridge struct {
	cfg      Config
	resolver Resolver
	reporter FailureReporter

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a bridge. reporter may be nil.
func New(cfg Config, resolver Resolver, reporter FailureReporter) *Bridge {
	cfg.applyDefaults()
	return &Bridge{cfg: cfg, resolver: resolver, reporter: reporter, sessions: make(map[string]*session)}
}

// Call sends one request to backend id and returns the backend's response
// with the caller's original id restored. A JSON-RPC error response is a
// successful call: the bytes are returned and err is nil. Without a ctx
// deadline the default call timeout applies. A notification payload is
// written and (nil, nil) is returned.
func (b *Bridge) Call(ctx context.Context, id string, payload []byte) ([]byte, error) {
	return b.do(ctx, id, payload, nil)
}

// Stream is like Call but relays the progress notifications of the request,
// then the final response, through emit. The request's progress token is
// replaced by the wire id and restored on relay; notifications carrying any
// other token, or none, are dropped. The lane stays held until the final
// response.
func (b *Bridge) Stream(ctx context.Context, id string, payload []byte, emit func([]byte) error) error {
	if emit == nil {
		return errors.New("stream requires an emit function")
	}
	resp, err := b.do(ctx, id, payload, emit)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return emit(resp)
}

// Connect performs the MCP handshake with the current generation of backend
// id unless it already happened. A failed handshake is reported to the
// FailureReporter like any other.
func (b *Bridge) Connect(ctx context.Context, id string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*b.cfg.HandshakeTimeout)
		defer cancel()
	}
	_, err := b.session(ctx, id)
	return err
}

// Ping sends a JSON-RPC ping to backend id and waits for a well-formed reply.
func (b *Bridge) Ping(ctx context.Context, id string) error {
	req, err := json.Marshal(jsonrpc.NewRequest(jsonrpc.NumberID(0), jsonrpc.MethodPing, nil))
	if err != nil {
		return err
	}
	resp, err := b.do(ctx, id, req, nil)
	if err != nil {
		return err
	}
	msg, err := jsonrpc.Parse(resp)
	if err != nil {
		return fmt.Errorf("malformed ping response: %w", err)
	}
	if msg.Error != nil {
		return msg.Error
	}
	return nil
}

// Invalidate fails every queued and in-flight call of backend id with
// ErrBackendUnavailable and forgets its session.
func (b *Bridge) Invalidate(id string, reason string) {
	b.mu.Lock()
	s := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if s != nil {
		s.kill(fmt.Errorf("%w: %s: %s", ErrBackendUnavailable, id, reason))
	}
}

// ProtocolVersion returns the protocol version negotiated with backend id,
// or "" when no handshake has completed.
func (b *Bridge) ProtocolVersion(id string) string {
	b.mu.Lock()
	s := b.sessions[id]
	b.mu.Unlock()
	if s == nil {
		return ""
	}
	select {
	case <-s.ready:
		if s.readyErr == nil {
			return s.protocol
		}
	default:
	}
	return ""
}

// QueueDepth reports the calls waiting behind the in-flight one.
func (b *Bridge) QueueDepth(id string) int {
	b.mu.Lock()
	s := b.sessions[id]
	b.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.lane.Waiting()
}

func (b *Bridge) do(ctx context.Context, id string, payload []byte, emit func([]byte) error) (resp []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveCall(id, outcome(resp, err), time.Since(start).Seconds())
	}()

	msg, err := jsonrpc.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if msg.Kind() == jsonrpc.KindResponse {
		return nil, fmt.Errorf("%w: expected a request or notification", ErrInvalidRequest)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	s, err := b.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.lane.Acquire(ctx, s.dead); err != nil {
		metrics.SetLaneWaiters(id, s.lane.Waiting())
		return nil, b.admissionErr(ctx, s, err)
	}
	defer func() {
		s.lane.Release()
		metrics.SetLaneWaiters(id, s.lane.Waiting())
	}()
	metrics.SetLaneWaiters(id, s.lane.Waiting())

	if msg.Kind() == jsonrpc.KindNotification {
		line := append(append([]byte(nil), payload...), '\n')
		return nil, s.write(line)
	}

	wireID := uuid.NewString()
	out, err := jsonrpc.ReplaceID(payload, jsonrpc.StringID(wireID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if emit != nil {
		// progress is routed by token, so the token must be ours
		var clientToken jsonrpc.RequestID
		if out, clientToken, err = jsonrpc.WithProgressToken(out, jsonrpc.StringID(wireID)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if !clientToken.IsZero() {
			relay := emit
			emit = func(line []byte) error {
				if restored, err := jsonrpc.ReplaceProgressToken(line, clientToken); err == nil {
					line = restored
				}
				return relay(line)
			}
		}
	}
	ex := s.begin(wireID)
	defer s.end(ex)
	if err := s.write(append(out, '\n')); err != nil {
		return nil, err
	}
	_, line, err := s.await(ctx, ex, emit)
	if err != nil {
		return nil, err
	}
	return jsonrpc.ReplaceID(line, msg.ID)
}

func (b *Bridge) admissionErr(ctx context.Context, s *session, err error) error {
	switch {
	case errors.Is(err, errLaneAborted):
		return s.deathErr()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: queued behind in-flight call", ErrCallTimeout, s.id)
	default:
		return ctx.Err()
	}
}

// session returns the handshaken session of the backend's current generation.
func (b *Bridge) session(ctx context.Context, id string) (*session, error) {
	pipe, gen, err := b.resolver.Resolve(id)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, id, err)
	}

	b.mu.Lock()
	s := b.sessions[id]
	if s == nil || s.gen != gen {
		if s != nil {
			s.kill(fmt.Errorf("%w: %s: superseded by generation %d", ErrBackendUnavailable, id, gen))
		}
		s = newSession(id, gen, pipe)
		b.sessions[id] = s
		go s.run()
		go b.handshake(s)
	}
	b.mu.Unlock()

	select {
	case <-s.ready:
		if s.readyErr != nil {
			return nil, s.readyErr
		}
		return s, nil
	case <-s.dead:
		select {
		case <-s.ready:
			if s.readyErr != nil {
				return nil, s.readyErr
			}
		default:
		}
		return nil, s.deathErr()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: waiting for handshake", ErrCallTimeout, id)
		}
		return nil, ctx.Err()
	}
}

func (b *Bridge) handshake(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandshakeTimeout)
	defer cancel()
	// callers wait on s.ready, so nothing interleaves with initialize
	if err := b.initialize(ctx, s); err != nil {
		s.readyErr = fmt.Errorf("%w: %s: %v", ErrHandshake, s.id, err)
		close(s.ready)
		slog.Error("MCP handshake failed", "server", s.id, "generation", s.gen, "error", err)
		s.kill(s.readyErr)
		if b.reporter != nil {
			b.reporter.ReportFailure(s.id, s.gen, s.readyErr)
		}
		return
	}
	slog.Info("MCP handshake complete", "server", s.id, "generation", s.gen, "protocol", s.protocol)
	close(s.ready)
}

func (b *Bridge) initialize(ctx context.Context, s *session) error {
	params := &mcp.InitializeParams{
		ProtocolVersion: b.cfg.ProtocolVersion,
		ClientInfo:      &mcp.Implementation{Name: b.cfg.ClientName, Version: b.cfg.ClientVersion},
		Capabilities:    &mcp.ClientCapabilities{},
	}
	wireID := uuid.NewString()
	req, err := jsonrpc.Encode(jsonrpc.NewRequest(jsonrpc.StringID(wireID), jsonrpc.MethodInitialize, params))
	if err != nil {
		return err
	}
	ex := s.begin(wireID)
	defer s.end(ex)
	if err := s.write(req); err != nil {
		return err
	}
	msg, _, err := s.await(ctx, ex, nil)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return msg.Error
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if res.ProtocolVersion == "" {
		return errors.New("initialize result without protocolVersion")
	}
	s.protocol = res.ProtocolVersion
	note, err := jsonrpc.Encode(jsonrpc.NewNotification(jsonrpc.MethodInitialized, nil))
	if err != nil {
		return err
	}
	return s.write(note)
}

func outcome(resp []byte, err error) string {
	switch {
	case errors.Is(err, ErrCallTimeout):
		return "timeout"
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrHandshake):
		return "unavailable"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case err != nil:
		return "error"
	}
	if msg, perr := jsonrpc.Parse(resp); perr == nil && msg.Error != nil {
		return "rpc_error"
	}
	return "ok"
}
