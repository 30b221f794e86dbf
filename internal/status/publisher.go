package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	progressTTL = 5 * time.Minute
	terminalTTL = time.Hour
)

type Store interface {
	GetJobForTenant(ctx context.Context, id, tenantID string) (*db.Job, error)
}

// Snapshot is the caller-facing view of a job's progress. It never leaks
// internal failure detail beyond the recorded human-readable reason.
type Snapshot struct {
	JobID        string          `json:"job_id"`
	Status       db.JobStatus    `json:"status"`
	CurrentStage db.Stage        `json:"current_stage,omitempty"`
	Progress     int             `json:"progress_percentage"`
	StageHistory db.StageHistory `json:"stage_history,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Publisher exposes progress snapshots and terminal results. Snapshots are
// cached in Redis so polling callers do not hammer the job store.
type Publisher struct {
	repo   Store
	cache  *redis.Client
	logger *zap.Logger
}

func NewPublisher(repo Store, cache *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{
		repo:   repo,
		cache:  cache,
		logger: logger,
	}
}

func (p *Publisher) PublishProgress(ctx context.Context, job *db.Job) error {
	return p.cacheSnapshot(ctx, job.TenantID, Build(job), progressTTL)
}

func (p *Publisher) PublishTerminal(ctx context.Context, job *db.Job) error {
	snap := Build(job)
	p.logger.Info("Terminal status published",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("status", string(job.Status)),
	)
	return p.cacheSnapshot(ctx, job.TenantID, snap, terminalTTL)
}

// Snapshot serves a caller poll: cache first, job store on miss.
func (p *Publisher) Snapshot(ctx context.Context, jobID, tenantID string) (*Snapshot, error) {
	var snap Snapshot
	data, err := p.cache.Get(ctx, snapshotKey(tenantID, jobID)).Result()
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(data), &snap); jsonErr == nil {
			return &snap, nil
		}
	}

	job, err := p.repo.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}

	built := Build(job)
	if err := p.cacheSnapshot(ctx, tenantID, built, progressTTL); err != nil {
		p.logger.Debug("Failed to cache snapshot", zap.Error(err))
	}
	return built, nil
}

// Build derives the snapshot, weighting each completed stage equally.
func Build(job *db.Job) *Snapshot {
	snap := &Snapshot{
		JobID:        job.ID,
		Status:       job.Status,
		CurrentStage: job.CurrentStage,
		StageHistory: job.StageHistory,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
	if job.FailureReason != nil {
		snap.Reason = *job.FailureReason
	}

	stages := len(db.StageOrder())
	switch job.Status {
	case db.StatusCompleted:
		snap.Progress = 100
	case db.StatusQueued:
		snap.Progress = 0
	default:
		done := 0
		seen := map[db.Stage]bool{}
		for _, r := range job.StageHistory {
			if r.Outcome == db.OutcomeSuccess && !seen[r.Stage] {
				seen[r.Stage] = true
				done++
			}
		}
		snap.Progress = done * 100 / stages
	}
	return snap
}

// Cache keys are tenant-scoped so a hit can never serve another
// tenant's job.
func (p *Publisher) cacheSnapshot(ctx context.Context, tenantID string, snap *Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.cache.Set(ctx, snapshotKey(tenantID, snap.JobID), data, ttl).Err()
}

func snapshotKey(tenantID, jobID string) string {
	return fmt.Sprintf("job:status:%s:%s", tenantID, jobID)
}
