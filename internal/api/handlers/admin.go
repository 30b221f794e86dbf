package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.repo.ListDeadLetters(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list dead letters", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// RetryDeadLetter re-admits a dead-lettered job. The original charge was
// already refunded when the job dead-lettered, so the retry prices and
// reserves from scratch; completed stages are kept and the pipeline
// resumes where it stopped.
func (h *Handler) RetryDeadLetter(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()

	job, err := h.repo.GetJob(ctx, jobID)
	if errors.Is(err, db.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load job", zap.Error(err), zap.String("job_id", jobID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry job"})
		return
	}
	if job.Status != db.StatusDeadLetter {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not dead-lettered", "status": string(job.Status)})
		return
	}

	cost := h.admission.EstimateCost(ctx, job.Usernames)
	intentID, err := h.ledger.Reserve(ctx, job.TenantID, job.ID, cost)
	if err != nil {
		h.logger.Error("Failed to reserve credits for retry", zap.Error(err), zap.String("job_id", jobID))
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "failed to reserve credits for retry"})
		return
	}

	revived, err := h.repo.ReviveDeadLetter(ctx, jobID, intentID, cost)
	if err != nil || !revived {
		if _, relErr := h.ledger.Release(ctx, intentID); relErr != nil {
			h.logger.Error("Failed to release retry reservation", zap.Error(relErr), zap.String("job_id", jobID))
		}
		if err != nil {
			h.logger.Error("Failed to revive dead letter", zap.Error(err), zap.String("job_id", jobID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry job"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "job is no longer dead-lettered"})
		return
	}

	if err := h.lanes.Push(ctx, &queue.Entry{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
	}); err != nil {
		h.logger.Warn("Failed to push revived job to lane", zap.Error(err), zap.String("job_id", jobID))
	}

	h.logger.Info("Dead letter revived",
		zap.String("job_id", jobID),
		zap.String("tenant_id", job.TenantID),
		zap.Int64("credits_reserved", cost),
	)

	c.JSON(http.StatusOK, gin.H{
		"job_id":           jobID,
		"status":           string(db.StatusQueued),
		"resume_stage":     string(job.CurrentStage),
		"credits_reserved": cost,
	})
}

func (h *Handler) ListBreakers(c *gin.Context) {
	states := h.breakers.States()
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = string(st)
	}
	c.JSON(http.StatusOK, gin.H{"breakers": out})
}

// ResetBreaker forces a breaker closed, for operators who know the
// dependency has recovered and do not want to wait out the cooldown.
func (h *Handler) ResetBreaker(c *gin.Context) {
	name := c.Param("name")

	br, err := h.breakers.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker"})
		return
	}

	br.Reset()
	h.logger.Info("Breaker reset by operator", zap.String("breaker", name))
	c.JSON(http.StatusOK, gin.H{"breaker": name, "state": string(br.State())})
}

// VerifyIntent replays the committed ledger chain around an intent and
// reports whether the balances reconcile.
func (h *Handler) VerifyIntent(c *gin.Context) {
	intentID := c.Param("id")

	result, err := h.ledger.Verify(c.Request.Context(), intentID)
	if errors.Is(err, db.ErrIntentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to verify intent", zap.Error(err), zap.String("intent_id", intentID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify intent"})
		return
	}

	c.JSON(http.StatusOK, result)
}
