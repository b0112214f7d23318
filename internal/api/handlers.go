package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/errors"
	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/protocol"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// Handler contains HTTP handlers for the Intake API.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "intake-api")),
	}
}

// Health reports the Intake API's liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SubmitJob plans and enqueues a new job.
// POST /jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	job, err := h.service.SubmitJob(c.Request.Context(), req.IntentLabel, req.Params, req.MaxRetries)
	if err != nil {
		h.writeError(c, "failed to submit job", err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob returns one job by id.
// GET /jobs/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs returns jobs, optionally filtered by status and paginated.
// GET /jobs
func (h *Handler) ListJobs(c *gin.Context) {
	filter := store.ListFilter{Status: v1.JobStatus(c.Query("status"))}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		filter.Offset = offset
	}

	jobs, err := h.service.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, "failed to list jobs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

// CancelJob requests cooperative cancellation of a job.
// DELETE /jobs/:jobId
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("jobId")

	if err := h.service.CancelJob(c.Request.Context(), jobID); err != nil {
		h.writeError(c, "failed to cancel job", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested", "job_id": jobID})
}

// RetryJob restarts a failed job, if retries remain.
// POST /jobs/:jobId/retry
func (h *Handler) RetryJob(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := h.service.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "failed to retry job", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// SubmitReply accepts an out-of-band agent reply envelope for a task.
// POST /jobs/:jobId/tasks/:taskId/reply
func (h *Handler) SubmitReply(c *gin.Context) {
	jobID := c.Param("jobId")
	taskID := c.Param("taskId")

	var envelope protocol.Envelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.SubmitReply(c.Request.Context(), jobID, taskID, &envelope); err != nil {
		h.writeError(c, "failed to submit reply", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "reply accepted"})
}

// AuditHistory returns a job's full audit trail.
// GET /jobs/:jobId/audit
func (h *Handler) AuditHistory(c *gin.Context) {
	jobID := c.Param("jobId")

	entries, err := h.service.AuditHistory(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "failed to list audit entries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// SubmitEvidence stores a raw evidence blob attached to a job.
// POST /jobs/:jobId/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	jobID := c.Param("jobId")

	content, err := io.ReadAll(c.Request.Body)
	if err != nil {
		appErr := errors.BadRequest("failed to read request body")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ref, err := h.service.SubmitEvidence(c.Request.Context(), jobID, content, c.Query("ext"))
	if err != nil {
		h.writeError(c, "failed to store evidence", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence_ref": ref})
}

// GetEvidence returns a previously attached evidence blob.
// GET /evidence/:ref
func (h *Handler) GetEvidence(c *gin.Context) {
	data, err := h.service.GetEvidence(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.writeError(c, "failed to read evidence", err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *Handler) writeError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	appErr := errors.Wrap(err, message)
	c.JSON(appErr.HTTPStatus, appErr)
}
