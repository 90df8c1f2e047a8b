package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/mcpgate/internal/jsonrpc"
	"github.com/loykin/mcpgate/internal/watchdog"
)

const maxBody = 4 << 20

// ServerInfo is the status of one backend as served over HTTP.
type ServerInfo struct {
	watchdog.Status
	Protocol   string `json:"protocol,omitempty"`
	QueueDepth int    `json:"queue_depth"`
}

// Backend is the gateway the router drives.
type Backend interface {
	Servers() []ServerInfo
	Server(id string) (ServerInfo, error)
	Start(id string) error
	Stop(id string) error
	Restart(id string) error
	Call(ctx context.Context, id string, payload []byte) ([]byte, error)
	Stream(ctx context.Context, id string, payload []byte, emit func([]byte) error) error
}

// Router serves the gateway API.
// Endpoints (relative to basePath):
//
//	GET  /servers                  all backends
//	GET  /servers/:id              one backend
//	POST /servers/:id/start|stop|restart
//	POST /servers/:id/rpc          body: JSON-RPC request, query: timeout=5s
//	POST /servers/:id/sse          same, streamed as text/event-stream
//
// GET /healthz and, when a metrics handler is set, GET /metrics are served
// outside basePath.
type Router struct {
	backend  Backend
	basePath string
	metrics  http.Handler
}

func NewRouter(b Backend, basePath string) *Router {
	return &Router{backend: b, basePath: sanitizeBase(basePath)}
}

// WithMetrics serves h on /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), accessLog())
	r.Register(g)
	return g
}

// Register adds the routes to an existing gin router.
func (r *Router) Register(g gin.IRouter) {
	group := g.Group(r.basePath)
	group.GET("/servers", r.handleList)
	group.GET("/servers/:id", r.handleGet)
	group.POST("/servers/:id/start", r.handleLifecycle(r.backend.Start))
	group.POST("/servers/:id/stop", r.handleLifecycle(r.backend.Stop))
	group.POST("/servers/:id/restart", r.handleLifecycle(r.backend.Restart))
	group.POST("/servers/:id/rpc", r.handleRPC)
	group.POST("/servers/:id/sse", r.handleSSE)
	g.GET("/healthz", r.handleHealthz)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
}

// MountEcho serves the router from an echo instance.
func MountEcho(e *echo.Echo, r *Router) {
	h := echo.WrapHandler(r.Handler())
	e.Any(r.basePath+"/*", h)
	e.GET("/healthz", h)
	if r.metrics != nil {
		e.GET("/metrics", h)
	}
}

// NewServer builds an http.Server for h. Write timeouts are left unset so
// SSE streams are not cut off.
func NewServer(addr string, tlsCfg *tls.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (r *Router) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, r.backend.Servers())
}

func (r *Router) handleGet(c *gin.Context) {
	info, err := r.backend.Server(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (r *Router) handleLifecycle(op func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "servers": len(r.backend.Servers())})
}

// callContext applies the optional timeout query parameter.
func callContext(c *gin.Context) (context.Context, context.CancelFunc, error) {
	ctx := c.Request.Context()
	if s := c.Query("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, nil, errors.New("invalid timeout " + s)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func readPayload(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return nil, false
	}
	return payload, true
}

func (r *Router) handleRPC(c *gin.Context) {
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	ctx, cancel, err := callContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	defer cancel()

	resp, err := r.backend.Call(ctx, c.Param("id"), payload)
	if err != nil {
		writeCallError(c, payload, err)
		return
	}
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

// writeCallError answers a failed call. When the request carried an id the
// body is a JSON-RPC error response for that id so MCP clients can match it.
func writeCallError(c *gin.Context, payload []byte, err error) {
	code := statusFor(err)
	if code != http.StatusBadRequest {
		if msg, perr := jsonrpc.Parse(payload); perr == nil && !msg.ID.IsZero() {
			c.JSON(code, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeServerError, err.Error()))
			return
		}
	}
	c.JSON(code, errorResp{Error: err.Error()})
}

func (r *Router) handleSSE(c *gin.Context) {
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	ctx, cancel, err := callContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	defer cancel()

	started := false
	emit := func(line []byte) error {
		if !started {
			started = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
		}
		c.SSEvent("message", string(line))
		c.Writer.Flush()
		return ctx.Err()
	}
	err = r.backend.Stream(ctx, c.Param("id"), payload, emit)
	switch {
	case err != nil && !started:
		writeCallError(c, payload, err)
	case err != nil:
		c.SSEvent("error", err.Error())
		c.Writer.Flush()
	case !started:
		// a notification produces no output
		c.Status(http.StatusAccepted)
	default:
		c.SSEvent("done", "")
		c.Writer.Flush()
	}
}
