package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcpgate/internal/bridge"
	"github.com/loykin/mcpgate/internal/process"
	"github.com/loykin/mcpgate/internal/watchdog"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// statusFor maps gateway errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, watchdog.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, watchdog.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrBackendUnavailable), errors.Is(err, bridge.ErrHandshake),
		errors.Is(err, watchdog.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, process.ErrSpawn):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResp{Error: err.Error()})
}
