package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/creatorlens/creatorlens/internal/admission"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SubmitJobRequest struct {
	Usernames []string `json:"usernames" binding:"required,min=1"`
	Priority  string   `json:"priority"`
}

type SubmitJobResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	CreditsReserved int64  `json:"credits_reserved"`
}

// SubmitJob admits a new analysis job. Admission is synchronous: by the
// time the response is written the credits are reserved and the job row
// exists.
func (h *Handler) SubmitJob(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority := db.PriorityNormal
	if req.Priority != "" {
		if !db.ValidPriority(req.Priority) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority"})
			return
		}
		priority = db.Priority(req.Priority)
	}

	job, err := h.admission.Submit(c.Request.Context(), tenantID, req.Usernames, priority)
	switch {
	case errors.Is(err, admission.ErrInvalidUsernames):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, admission.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily job quota exceeded"})
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credit balance"})
		return
	case err != nil:
		h.logger.Error("Failed to admit job", zap.Error(err), zap.String("tenant_id", tenantID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}

	c.JSON(http.StatusAccepted, SubmitJobResponse{
		JobID:           job.ID,
		Status:          string(job.Status),
		Priority:        string(job.Priority),
		CreditsReserved: job.CreditsReserved,
	})
}

// GetJobStatus serves the status snapshot, cache first.
func (h *Handler) GetJobStatus(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	jobID := c.Param("id")

	snap, err := h.publisher.Snapshot(c.Request.Context(), jobID, tenantID)
	if errors.Is(err, db.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load job snapshot", zap.Error(err), zap.String("job_id", jobID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job status"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *Handler) ListJobs(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	status := db.JobStatus(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.repo.ListJobsByTenant(c.Request.Context(), tenantID, status, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list jobs", zap.Error(err), zap.String("tenant_id", tenantID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// CancelJob cancels a queued job immediately, refunding its reservation,
// or flags a running job so the pipeline stops at the next stage boundary.
func (h *Handler) CancelJob(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	jobID := c.Param("id")
	ctx := c.Request.Context()

	status, err := h.repo.RequestCancel(ctx, jobID, tenantID)
	if errors.Is(err, db.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to cancel job", zap.Error(err), zap.String("job_id", jobID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}

	switch status {
	case db.StatusCancelled:
		// The job never ran; return the full reservation.
		job, err := h.repo.GetJobForTenant(ctx, jobID, tenantID)
		if err == nil {
			if _, relErr := h.ledger.Release(ctx, job.ReserveIntentID); relErr != nil {
				h.logger.Error("Failed to release reservation for cancelled job",
					zap.Error(relErr),
					zap.String("job_id", jobID),
				)
			}
			if pubErr := h.publisher.PublishTerminal(ctx, job); pubErr != nil {
				h.logger.Warn("Failed to publish cancelled snapshot", zap.Error(pubErr))
			}
		}
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": string(db.StatusCancelled)})
	case db.StatusRunning:
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":  jobID,
			"status":  string(db.StatusRunning),
			"message": "cancellation requested, job will stop at the next stage boundary",
		})
	default:
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job already finished",
			"status": string(status),
		})
	}
}
