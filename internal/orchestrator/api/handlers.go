// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/action"
	"github.com/sandpipe/sandpipe/internal/actionlog"
	"github.com/sandpipe/sandpipe/internal/common/errors"
	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/orchestrator/streaming"
	v1 "github.com/sandpipe/sandpipe/pkg/api/v1"
)

// Handlers serves the action pipeline API.
type Handlers struct {
	orch         *action.Orchestrator
	log          actionlog.Repository
	hub          *streaming.Hub
	logger       *logger.Logger
	awaitTimeout timeoutFunc
}

type timeoutFunc func(parent context.Context) (context.Context, context.CancelFunc)

// NewHandlers wires the API handlers. awaitTimeout bounds tool-result
// waits; pass nil to wait without a bound.
func NewHandlers(orch *action.Orchestrator, repo actionlog.Repository, hub *streaming.Hub, awaitTimeout timeoutFunc, log *logger.Logger) *Handlers {
	if awaitTimeout == nil {
		awaitTimeout = func(parent context.Context) (context.Context, context.CancelFunc) {
			return context.WithCancel(parent)
		}
	}
	return &Handlers{
		orch:         orch,
		log:          repo,
		hub:          hub,
		awaitTimeout: awaitTimeout,
		logger:       log.WithFields(zap.String("component", "api")),
	}
}

// RegisterAction handles POST /api/v1/actions.
func (h *Handlers) RegisterAction(c *gin.Context) {
	var req v1.RegisterActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}
	st, err := h.orch.Register(action.Action{
		ID:      req.ID,
		Type:    action.Type(req.Type),
		Content: req.Content,
		Path:    req.Path,
	})
	if err != nil {
		c.Error(errors.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, toRecord(st))
}

// CommitAction handles POST /api/v1/actions/:actionId/commit. The call
// blocks until the action's turn on the lane has finished.
func (h *Handlers) CommitAction(c *gin.Context) {
	id := c.Param("actionId")
	var req v1.CommitActionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}
	if err := h.orch.Commit(c.Request.Context(), id, req.Streaming); err != nil {
		if c.Request.Context().Err() != nil {
			c.Error(errors.Timeout("commit interrupted"))
			return
		}
		c.Error(errors.NotFound("action", id))
		return
	}
	st, _ := h.orch.Get(id)
	c.JSON(http.StatusOK, toRecord(st))
}

// AbortAction handles POST /api/v1/actions/:actionId/abort.
func (h *Handlers) AbortAction(c *gin.Context) {
	id := c.Param("actionId")
	if !h.orch.Abort(id) {
		c.Error(errors.NotFound("action", id))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "abort_requested": true})
}

// ListActions handles GET /api/v1/actions.
func (h *Handlers) ListActions(c *gin.Context) {
	states := h.orch.Snapshot()
	records := make([]v1.ActionRecord, 0, len(states))
	for _, st := range states {
		records = append(records, toRecord(st))
	}
	c.JSON(http.StatusOK, gin.H{"actions": records, "count": len(records)})
}

// GetAction handles GET /api/v1/actions/:actionId. Falls back to the
// terminal-action log for ids evicted from the live store.
func (h *Handlers) GetAction(c *gin.Context) {
	id := c.Param("actionId")
	if st, ok := h.orch.Get(id); ok {
		c.JSON(http.StatusOK, toRecord(st))
		return
	}
	if h.log != nil {
		if rec, err := h.log.Get(c.Request.Context(), id); err == nil {
			c.JSON(http.StatusOK, v1.ActionRecord{
				ID:        rec.ID,
				Type:      rec.Type,
				Status:    v1.ActionStatus(rec.Status),
				Executed:  true,
				Error:     rec.Error,
				UpdatedAt: rec.FinishedAt,
			})
			return
		} else if !stderrors.Is(err, actionlog.ErrNotFound) {
			c.Error(errors.InternalError("failed to read action log", err))
			return
		}
	}
	c.Error(errors.NotFound("action", id))
}

// GetBuildOutput handles GET /api/v1/build/output.
func (h *Handlers) GetBuildOutput(c *gin.Context) {
	out, ok := h.orch.LastBuild()
	if !ok {
		c.Error(errors.NotFound("build output", "latest"))
		return
	}
	c.JSON(http.StatusOK, v1.BuildOutputResponse{
		Path:     out.Path,
		ExitCode: out.ExitCode,
		Output:   out.Output,
	})
}

// AwaitToolResult handles GET /api/v1/toolcalls/:callId/result, blocking
// until the dispatcher resolves the call or the wait bound expires.
func (h *Handlers) AwaitToolResult(c *gin.Context) {
	callID := c.Param("callId")
	ctx, cancel := h.awaitTimeout(c.Request.Context())
	defer cancel()

	result, err := h.orch.AwaitToolResult(ctx, callID)
	if err != nil {
		c.Error(errors.Timeout("tool call " + callID + " not resolved in time"))
		return
	}
	c.JSON(http.StatusOK, v1.ToolResultResponse{CallID: callID, Result: result})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ServeWS handles GET /ws.
func (h *Handlers) ServeWS(c *gin.Context) {
	streaming.ServeWS(h.hub, h.logger, c.Writer, c.Request)
}

func toRecord(st action.State) v1.ActionRecord {
	return v1.ActionRecord{
		ID:        st.ID,
		Type:      string(st.Type),
		Content:   st.Content,
		Path:      st.Path,
		Status:    v1.ActionStatus(st.Status),
		Executed:  st.Executed,
		Error:     st.Error,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
}
