package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	contracts "superpost/contracts/mq"
	"superpost/internal/paramstore"
	"superpost/internal/region"
	"superpost/internal/workflow"
	"superpost/pkg/errkind"
	"superpost/pkg/outbox"
)

type Handler struct {
	region *region.Region
	outbox *outbox.ReplayService
	logger *zap.Logger
}

// statusOf maps an error onto an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotResumable), errors.Is(err, workflow.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrUnknownWorkflow):
		return http.StatusNotFound
	}
	switch errkind.KindOf(err) {
	case errkind.KindNotFound:
		return http.StatusNotFound
	case errkind.KindValidation:
		return http.StatusBadRequest
	case errkind.KindTransient:
		return http.StatusServiceUnavailable
	case errkind.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"kind":    errkind.KindOf(err).String(),
		"details": err.Error(),
	})
}

func limitQuery(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	return limit
}

// Import handles POST /imports. An empty body imports the configured
// documents file.
func (h *Handler) Import(c *gin.Context) {
	if h.region.Config().Role != region.RolePrimary {
		c.JSON(http.StatusConflict, gin.H{"error": "imports are accepted by the primary region only"})
		return
	}

	var req contracts.ImportLettersPayload
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	e, err := h.region.Import(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "failed to publish import", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"event_id":     e.ID,
		"execution_id": workflow.ExecutionID("DispatchLetters", e.ID),
	})
}

// GetLetter handles GET /letters/:id
func (h *Handler) GetLetter(c *gin.Context) {
	letter, err := h.region.Mailbox().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "failed to read letter", err)
		return
	}
	c.JSON(http.StatusOK, letter)
}

// GetScoreboard handles GET /scoreboard/:name
func (h *Handler) GetScoreboard(c *gin.Context) {
	name := c.Param("name")
	n, err := paramstore.ReadCounter(c.Request.Context(), h.region.Params(), name)
	if err != nil {
		h.fail(c, "failed to read counter", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counter": name, "value": n})
}

func (h *Handler) controller(c *gin.Context) (workflow.Controller, bool) {
	ctl, err := h.region.Controller(c.Param("id"))
	if err != nil {
		h.fail(c, "unknown execution", err)
		return nil, false
	}
	return ctl, true
}

// DescribeExecution handles GET /executions/:id
func (h *Handler) DescribeExecution(c *gin.Context) {
	ctl, ok := h.controller(c)
	if !ok {
		return
	}
	exec, err := ctl.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "failed to describe execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// StopExecution handles POST /executions/:id/stop
func (h *Handler) StopExecution(c *gin.Context) {
	ctl, ok := h.controller(c)
	if !ok {
		return
	}
	var req struct {
		Cause string `json:"cause"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if req.Cause == "" {
		req.Cause = "stopped by operator"
	}

	exec, err := ctl.Stop(c.Request.Context(), c.Param("id"), req.Cause)
	if err != nil {
		h.fail(c, "failed to stop execution", err)
		return
	}
	h.logger.Info("Execution stopped", zap.String("execution_id", exec.ID), zap.String("cause", req.Cause))
	c.JSON(http.StatusOK, exec)
}

// ResumeExecution handles POST /executions/:id/resume
func (h *Handler) ResumeExecution(c *gin.Context) {
	ctl, ok := h.controller(c)
	if !ok {
		return
	}
	exec, err := ctl.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "failed to resume execution", err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// ListDeadLetters handles GET /deadletters?limit=100
func (h *Handler) ListDeadLetters(c *gin.Context) {
	pending, err := h.region.DeadLetters().List(c.Request.Context(), limitQuery(c))
	if err != nil {
		h.fail(c, "failed to list dead letters", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": pending, "count": len(pending)})
}

// ReplayDeadLetter handles POST /deadletters/:id/replay
func (h *Handler) ReplayDeadLetter(c *gin.Context) {
	dl, err := h.region.Replay.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "failed to replay dead letter", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed", "dead_letter": dl})
}

// ReplayDeadLetters handles POST /deadletters/replay?limit=100
func (h *Handler) ReplayDeadLetters(c *gin.Context) {
	limit := limitQuery(c)
	n, err := h.region.Replay.ReplayAll(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, "failed to replay dead letters", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "success_count": n, "limit": limit})
}

// ReplayOutbox handles POST /outbox/:id/replay
func (h *Handler) ReplayOutbox(c *gin.Context) {
	id := c.Param("id")
	if err := h.outbox.Replay(c.Request.Context(), id); err != nil {
		h.fail(c, "failed to replay outbox message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued", "message_id": id})
}

// ReplayFailedOutbox handles POST /outbox/replay?limit=100
func (h *Handler) ReplayFailedOutbox(c *gin.Context) {
	limit := limitQuery(c)
	n, err := h.outbox.ReplayFailed(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, "failed to replay outbox", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "success_count": n, "limit": limit})
}
