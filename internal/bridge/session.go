package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loykin/mcpgate/internal/jsonrpc"
)

// exchange is the single request currently awaiting a response on a session.
type exchange struct {
	wireID string
	lines  chan []byte
	done   chan struct{}
}

// session binds the bridge to one generation of a backend process. A new
// process generation always gets a new session with fresh pipes.
type session struct {
	id   string
	gen  uint64
	pipe Pipe
	lane Lane

	wmu sync.Mutex

	emu sync.Mutex
	cur *exchange

	ready    chan struct{}
	readyErr error
	protocol string

	dead     chan struct{}
	deadOnce sync.Once
	deadErr  error
}

func newSession(id string, gen uint64, pipe Pipe) *session {
	return &session{
		id:    id,
		gen:   gen,
		pipe:  pipe,
		ready: make(chan struct{}),
		dead:  make(chan struct{}),
	}
}

// kill marks the session unusable. Everything waiting on it is released.
func (s *session) kill(err error) {
	s.deadOnce.Do(func() {
		s.deadErr = err
		close(s.dead)
	})
}

func (s *session) isDead() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

// deathErr returns why the session died, always wrapping ErrBackendUnavailable.
func (s *session) deathErr() error {
	<-s.dead
	if errors.Is(s.deadErr, ErrBackendUnavailable) {
		return s.deadErr
	}
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, s.id, s.deadErr)
}

// run reads stdout until EOF and routes each line.
func (s *session) run() {
	r := bufio.NewReaderSize(s.pipe.Stdout(), 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.dispatch(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.kill(fmt.Errorf("%w: %s: stdout closed", ErrBackendUnavailable, s.id))
			} else {
				s.kill(fmt.Errorf("%w: %s: read stdout: %v", ErrBackendUnavailable, s.id, err))
			}
			return
		}
	}
}

func (s *session) dispatch(line []byte) {
	msg, err := jsonrpc.Parse(line)
	if err != nil {
		slog.Debug("dropping non JSON-RPC line from backend", "server", s.id, "error", err)
		return
	}
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		ex := s.current()
		if ex == nil || msg.ID.String() != ex.wireID {
			slog.Debug("discarding stale response", "server", s.id, "id", msg.ID.String())
			return
		}
		s.deliver(ex, line)
	case jsonrpc.KindNotification:
		ex := s.current()
		tok, ok := msg.ProgressToken()
		if ex == nil || !ok || tok.String() != ex.wireID {
			slog.Debug("dropping notification not addressed to the current call", "server", s.id, "method", msg.Method)
			return
		}
		s.deliver(ex, line)
	case jsonrpc.KindRequest:
		// replies go out asynchronously so a full stdin pipe cannot stall stdout
		go s.answer(msg)
	}
}

// answer handles requests initiated by the backend. Only ping is supported.
func (s *session) answer(msg *jsonrpc.AnyMessage) {
	var resp *jsonrpc.Response
	if msg.Method == jsonrpc.MethodPing {
		var err error
		if resp, err = jsonrpc.NewResultResponse(msg.ID, struct{}{}); err != nil {
			return
		}
	} else {
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not supported by gateway: "+msg.Method)
	}
	b, err := jsonrpc.Encode(resp)
	if err != nil {
		return
	}
	_ = s.write(b)
}

func (s *session) current() *exchange {
	s.emu.Lock()
	defer s.emu.Unlock()
	return s.cur
}

func (s *session) deliver(ex *exchange, line []byte) {
	select {
	case ex.lines <- line:
	case <-ex.done:
	case <-s.dead:
	}
}

func (s *session) begin(wireID string) *exchange {
	ex := &exchange{wireID: wireID, lines: make(chan []byte, 16), done: make(chan struct{})}
	s.emu.Lock()
	s.cur = ex
	s.emu.Unlock()
	return ex
}

func (s *session) end(ex *exchange) {
	s.emu.Lock()
	if s.cur == ex {
		s.cur = nil
	}
	s.emu.Unlock()
	close(ex.done)
}

// write sends one encoded line. A failed write kills the session.
func (s *session) write(b []byte) error {
	if s.isDead() {
		return s.deathErr()
	}
	s.wmu.Lock()
	_, err := s.pipe.Stdin().Write(b)
	s.wmu.Unlock()
	if err != nil {
		s.kill(fmt.Errorf("%w: %s: write stdin: %v", ErrBackendUnavailable, s.id, err))
		return s.deathErr()
	}
	return nil
}

// await waits for the response of ex, relaying notifications through emit.
// On ctx expiry the backend is told to cancel the request.
func (s *session) await(ctx context.Context, ex *exchange, emit func([]byte) error) (*jsonrpc.AnyMessage, []byte, error) {
	for {
		select {
		case line := <-ex.lines:
			msg, err := jsonrpc.Parse(line)
			if err != nil {
				continue
			}
			if msg.Kind() == jsonrpc.KindResponse {
				return msg, line, nil
			}
			if emit != nil {
				if err := emit(line); err != nil {
					s.cancel(ex.wireID, "client went away")
					return nil, nil, err
				}
			}
		case <-ctx.Done():
			go s.cancel(ex.wireID, ctx.Err().Error())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, nil, fmt.Errorf("%w: %s", ErrCallTimeout, s.id)
			}
			return nil, nil, ctx.Err()
		case <-s.dead:
			return nil, nil, s.deathErr()
		}
	}
}

// cancel tells the backend an abandoned request no longer needs an answer.
func (s *session) cancel(wireID, reason string) {
	b, err := jsonrpc.Encode(jsonrpc.NewNotification(jsonrpc.MethodCancelled, map[string]any{
		"requestId": wireID,
		"reason":    reason,
	}))
	if err != nil {
		return
	}
	if err := s.write(b); err != nil {
		slog.Debug("cancel notification not delivered", "server", s.id, "error", err)
	}
}
