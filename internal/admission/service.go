package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creatorlens/creatorlens/internal/clients"
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const MaxUsernames = 15

var (
	ErrQuotaExceeded    = errors.New("daily job quota exceeded")
	ErrInvalidUsernames = errors.New("between 1 and 15 usernames required")
)

type JobStore interface {
	CreateJob(ctx context.Context, j *db.Job) error
	GetTenantQuota(ctx context.Context, tenantID string) (*db.TenantQuota, error)
	IncrementJobsToday(ctx context.Context, tenantID string) error
}

type Reserver interface {
	Reserve(ctx context.Context, tenantID, jobID string, amount int64) (string, error)
	Release(ctx context.Context, reserveIntentID string) (int64, error)
}

type Enqueuer interface {
	Push(ctx context.Context, e *queue.Entry) error
}

// Service validates a submission, prices it, reserves credits and writes
// the queued job. It is deliberately optimistic: the daily-quota check and
// the reservation are separate steps, and per-tenant concurrency is
// enforced authoritatively by the scheduler at dispatch time.
type Service struct {
	repo    JobStore
	ledger  Reserver
	lanes   Enqueuer
	store   clients.EntityStore
	costs   config.CostConfig
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(repo JobStore, ledger Reserver, lanes Enqueuer, store clients.EntityStore, costs config.CostConfig, collector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		ledger:  ledger,
		lanes:   lanes,
		store:   store,
		costs:   costs,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit admits a job or rejects it synchronously. On success the job is
// queued with credits reserved as an upper bound; the eventual charge may
// be lower.
func (s *Service) Submit(ctx context.Context, tenantID string, usernames []string, priority db.Priority) (*db.Job, error) {
	cleaned := dedupe(usernames)
	if len(cleaned) == 0 || len(cleaned) > MaxUsernames {
		return nil, ErrInvalidUsernames
	}

	quota, err := s.repo.GetTenantQuota(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant quota: %w", err)
	}
	if s.jobsToday(quota) >= quota.DailyJobLimit {
		return nil, ErrQuotaExceeded
	}

	cost := s.EstimateCost(ctx, cleaned)

	jobID := uuid.New().String()
	intentID, err := s.ledger.Reserve(ctx, tenantID, jobID, cost)
	if err != nil {
		return nil, err
	}

	job := &db.Job{
		ID:              jobID,
		TenantID:        tenantID,
		Priority:        priority,
		Usernames:       cleaned,
		Status:          db.StatusQueued,
		CurrentStage:    db.StageFetch,
		StageHistory:    db.StageHistory{},
		ReserveIntentID: intentID,
		CreditsReserved: cost,
		CreatedAt:       s.now().UTC(),
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		// The reservation must not outlive a job that was never created.
		if _, relErr := s.ledger.Release(ctx, intentID); relErr != nil {
			s.logger.Error("Failed to release reservation for uncreated job",
				zap.Error(relErr),
				zap.String("intent_id", intentID),
			)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.repo.IncrementJobsToday(ctx, tenantID); err != nil {
		s.logger.Error("Failed to increment daily counter",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
		)
	}

	// A failed push is repaired by the queue reconcile loop; the row is
	// already authoritative.
	if err := s.lanes.Push(ctx, &queue.Entry{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
	}); err != nil {
		s.logger.Warn("Failed to push job to lane",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
	}

	s.metrics.RecordJobSubmitted(tenantID, string(priority))
	s.logger.Info("Job admitted",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", tenantID),
		zap.String("priority", string(priority)),
		zap.Int("usernames", len(cleaned)),
		zap.Int64("credits_reserved", cost),
	)

	return job, nil
}

// EstimateCost prices a username list: profiles with a fresh stored record
// are cheap, the rest are priced for the full pipeline. If the freshness
// lookup fails the estimate falls back to the worst case, which only ever
// over-reserves.
func (s *Service) EstimateCost(ctx context.Context, usernames []string) int64 {
	fresh, err := s.store.FreshUsernames(ctx, usernames)
	if err != nil {
		s.logger.Warn("Freshness lookup failed, pricing worst case", zap.Error(err))
		return int64(len(usernames)) * s.costs.FullProfile
	}

	freshSet := make(map[string]struct{}, len(fresh))
	for _, u := range fresh {
		freshSet[u] = struct{}{}
	}

	var cost int64
	for _, u := range usernames {
		if _, ok := freshSet[u]; ok {
			cost += s.costs.FreshProfile
		} else {
			cost += s.costs.FullProfile
		}
	}
	return cost
}

func (s *Service) jobsToday(q *db.TenantQuota) int {
	today := s.now().UTC().Truncate(24 * time.Hour)
	if !q.QuotaDate.UTC().Truncate(24 * time.Hour).Equal(today) {
		return 0
	}
	return q.JobsToday
}

// dedupe trims, drops empties and removes duplicates while preserving
// submission order.
func dedupe(usernames []string) []string {
	seen := make(map[string]struct{}, len(usernames))
	out := make([]string, 0, len(usernames))
	for _, u := range usernames {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
