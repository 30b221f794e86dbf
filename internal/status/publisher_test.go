package status

import (
	"testing"
	"time"

	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/stretchr/testify/assert"
)

func TestBuild_QueuedJobIsZeroPercent(t *testing.T) {
	job := &db.Job{ID: "job-1", Status: db.StatusQueued, CurrentStage: db.StageFetch}
	snap := Build(job)
	assert.Equal(t, 0, snap.Progress)
	assert.Equal(t, db.StatusQueued, snap.Status)
}

func TestBuild_CompletedJobIsHundredPercent(t *testing.T) {
	done := time.Now().UTC()
	job := &db.Job{ID: "job-1", Status: db.StatusCompleted, CompletedAt: &done}
	snap := Build(job)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, &done, snap.CompletedAt)
}

func TestBuild_RunningJobCountsDistinctSuccessfulStages(t *testing.T) {
	job := &db.Job{
		ID:     "job-1",
		Status: db.StatusRunning,
		StageHistory: db.StageHistory{
			{Stage: db.StageFetch, Attempt: 1, Outcome: db.OutcomeTransient},
			{Stage: db.StageFetch, Attempt: 2, Outcome: db.OutcomeSuccess},
			{Stage: db.StagePersist, Attempt: 1, Outcome: db.OutcomeSuccess},
		},
	}
	snap := Build(job)
	assert.Equal(t, 50, snap.Progress, "two of four stages done; retries do not inflate progress")
}

func TestBuild_DeadLetterCarriesReason(t *testing.T) {
	reason := "stage analyze: retries exhausted after 3 attempts"
	job := &db.Job{
		ID:            "job-1",
		Status:        db.StatusDeadLetter,
		FailureReason: &reason,
		StageHistory: db.StageHistory{
			{Stage: db.StageFetch, Attempt: 1, Outcome: db.OutcomeSuccess},
			{Stage: db.StagePersist, Attempt: 1, Outcome: db.OutcomeSuccess},
			{Stage: db.StageDerive, Attempt: 1, Outcome: db.OutcomeSuccess},
			{Stage: db.StageAnalyze, Attempt: 3, Outcome: db.OutcomeTransient},
		},
	}
	snap := Build(job)
	assert.Equal(t, 75, snap.Progress)
	assert.Equal(t, reason, snap.Reason)
}
