package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/whit3rabbit/manus-open/internal/session"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// restConsumer is the history cursor shared by REST callers that do not
// name their own.
const restConsumer = "rest"

// Response is the body of every terminal route.
type Response struct {
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	Output     []string `json:"output"`
	Result     string   `json:"result"`
	TerminalID string   `json:"terminal_id,omitempty"`
}

// WriteRequest is the body of POST /terminal/:id/write.
type WriteRequest struct {
	Text  string `json:"text"`
	Enter *bool  `json:"enter"`
}

// Handlers contains the terminal HTTP handlers.
type Handlers struct {
	reg    Registry
	logger *slog.Logger
	conns  func() int
}

// NewHandlers creates a new handler set.
func NewHandlers(reg Registry, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{reg: reg, logger: logger}
}

// Health reports liveness, the number of sessions and, when a WebSocket
// endpoint is mounted, the number of open connections.
func (h *Handlers) Health(c *gin.Context) {
	body := gin.H{
		"status":   "healthy",
		"sessions": len(h.reg.List()),
	}
	if h.conns != nil {
		body["connections"] = h.conns()
	}
	c.JSON(http.StatusOK, body)
}

// List returns a summary of every session.
func (h *Handlers) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    StatusSuccess,
		"terminals": h.reg.List(),
	})
}

// View returns unseen output, or the whole history with ?full=true.
func (h *Handlers) View(c *gin.Context) {
	id := c.Param("id")
	full, _ := strconv.ParseBool(c.DefaultQuery("full", "false"))

	if !h.ensure(c, id, "view") {
		return
	}
	v, err := h.reg.View(c.Request.Context(), id, full, consumer(c))
	if err != nil {
		h.fail(c, id, "view", err)
		return
	}
	c.JSON(http.StatusOK, Response{
		Status:     StatusSuccess,
		Output:     v.Lines(),
		TerminalID: id,
	})
}

// Write sends text to a session, creating it if needed. enter defaults to
// true.
func (h *Handlers) Write(c *gin.Context) {
	id := c.Param("id")

	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Status:     StatusError,
			Error:      "invalid request body: " + err.Error(),
			Output:     []string{},
			TerminalID: id,
		})
		return
	}
	enter := req.Enter == nil || *req.Enter

	if err := h.reg.Write(c.Request.Context(), id, req.Text, enter); err != nil {
		h.fail(c, id, "write", err)
		return
	}
	h.succeed(c, id, "Text written to terminal")
}

// Kill terminates a session's process.
func (h *Handlers) Kill(c *gin.Context) {
	id := c.Param("id")
	if !h.ensure(c, id, "kill") {
		return
	}
	if err := h.reg.Kill(c.Request.Context(), id); err != nil {
		h.fail(c, id, "kill", err)
		return
	}
	h.succeed(c, id, "Process killed")
}

// Reset restarts a session under the same id.
func (h *Handlers) Reset(c *gin.Context) {
	id := c.Param("id")
	if !h.ensure(c, id, "reset") {
		return
	}
	if err := h.reg.Reset(c.Request.Context(), id); err != nil {
		h.fail(c, id, "reset", err)
		return
	}
	h.succeed(c, id, "Terminal reset successfully")
}

// ResetAll restarts every session.
func (h *Handlers) ResetAll(c *gin.Context) {
	if err := h.reg.ResetAll(c.Request.Context()); err != nil {
		h.fail(c, "", "reset_all", err)
		return
	}
	c.JSON(http.StatusOK, Response{
		Status: StatusSuccess,
		Output: []string{},
		Result: "All terminals reset successfully",
	})
}

// ensure creates the session on first reference, like write does. For kill
// and reset this spawns a shell only to end or replace it.
func (h *Handlers) ensure(c *gin.Context, id, op string) bool {
	if _, err := h.reg.Get(id); err == nil {
		return true
	}
	h.logger.Info("creating session on first reference",
		slog.String("op", op),
		slog.String("session_id", id),
	)
	if _, err := h.reg.GetOrCreate(c.Request.Context(), id, session.CreateOptions{}); err != nil {
		h.fail(c, id, op, err)
		return false
	}
	return true
}

// succeed replies with the output the REST consumer has not seen yet.
func (h *Handlers) succeed(c *gin.Context, id, result string) {
	resp := Response{
		Status:     StatusSuccess,
		Output:     []string{},
		Result:     result,
		TerminalID: id,
	}
	if v, err := h.reg.View(c.Request.Context(), id, false, consumer(c)); err == nil {
		resp.Output = v.Lines()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) fail(c *gin.Context, id, op string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("terminal request failed",
			slog.String("op", op),
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	} else {
		h.logger.Debug("terminal request rejected",
			slog.String("op", op),
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(code, Response{
		Status:     StatusError,
		Error:      err.Error(),
		Output:     []string{},
		Result:     "Error: " + err.Error(),
		TerminalID: id,
	})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionNotRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrCommandBlocked),
		errors.Is(err, session.ErrDirNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, session.ErrMaxSessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// consumer lets a caller keep its own view cursor with ?consumer=name.
func consumer(c *gin.Context) string {
	if name := c.Query("consumer"); name != "" {
		return restConsumer + ":" + name
	}
	return restConsumer
}
