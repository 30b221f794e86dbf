package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/queue"
	"go.uber.org/zap"
)

// laneScanLimit bounds how many entries of one lane are inspected per
// dispatch attempt before falling through to the next lane.
const laneScanLimit = 10

type JobStore interface {
	GetJob(ctx context.Context, id string) (*db.Job, error)
	ClaimJob(ctx context.Context, id string, lease time.Duration) (bool, error)
	ExtendLease(ctx context.Context, id string, lease time.Duration) error
	RequeueJob(ctx context.Context, id string) error
	RequeueExpiredLeases(ctx context.Context, limit int) ([]*db.Job, error)
	CountRunningByTenant(ctx context.Context, tenantID string) (int, error)
	GetTenantQuota(ctx context.Context, tenantID string) (*db.TenantQuota, error)
	ListQueuedJobs(ctx context.Context, limit int) ([]*db.Job, error)
}

type LaneQueue interface {
	Push(ctx context.Context, e *queue.Entry) error
	Pop(ctx context.Context, lane db.Priority) (*queue.Entry, error)
	Depth(ctx context.Context, lane db.Priority) (int64, error)
	Contains(ctx context.Context, e *queue.Entry) (bool, error)
}

// Scheduler serves the four priority lanes strictly top-down, with an
// aging rule that guarantees the low lane a dispatch every AgingCycles
// cycles. It is the authoritative enforcement point for per-tenant
// concurrency: the check happens here, at dispatch, not at admission.
type Scheduler struct {
	repo    JobStore
	lanes   LaneQueue
	runner  JobRunner
	metrics *metrics.Collector
	logger  *zap.Logger
	config  config.SchedulerConfig
	workers []*Worker
	wg      sync.WaitGroup
	cycles  int
}

func NewScheduler(repo JobStore, lanes LaneQueue, runner JobRunner, collector *metrics.Collector, logger *zap.Logger, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		repo:    repo,
		lanes:   lanes,
		runner:  runner,
		metrics: collector,
		logger:  logger,
		config:  cfg,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", zap.Int("worker_count", s.config.WorkerCount))

	workQueue := make(chan *db.Job, s.config.WorkerCount)
	s.workers = make([]*Worker, s.config.WorkerCount)

	for i := 0; i < s.config.WorkerCount; i++ {
		worker := NewWorker(i, workQueue, s.runner, s.repo, s.config.LeaseDuration, s.metrics, s.logger)
		s.workers[i] = worker
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	dispatch := time.NewTicker(s.config.DispatchInterval)
	defer dispatch.Stop()
	reconcile := time.NewTicker(s.config.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			close(workQueue)
			s.wg.Wait()
			return
		case <-dispatch.C:
			s.dispatchReady(ctx, workQueue)
		case <-reconcile.C:
			s.reconcile(ctx)
			s.observeDepths(ctx)
		}
	}
}

// dispatchReady claims eligible jobs and hands them to free workers until
// the pool backs up or the lanes run dry.
func (s *Scheduler) dispatchReady(ctx context.Context, workQueue chan<- *db.Job) {
	for {
		job := s.NextReady(ctx)
		if job == nil {
			return
		}

		select {
		case workQueue <- job:
			s.logger.Debug("Dispatched job",
				zap.String("job_id", job.ID),
				zap.String("priority", string(job.Priority)),
			)
		default:
			// Pool saturated: not an error, just scheduling delay. The
			// claim is rolled back so another cycle picks the job up.
			s.unclaim(ctx, job)
			s.metrics.RecordDispatchSkip("pool_full")
			return
		}
	}
}

// NextReady pops lanes in priority order, enforces the tenant concurrency
// cap, and claims the first eligible job. Jobs skipped on quota re-enter
// their lane with the original score, so their ordering is not penalized.
func (s *Scheduler) NextReady(ctx context.Context) *db.Job {
	s.cycles++

	order := db.Lanes()
	if s.config.AgingCycles > 0 && s.cycles%s.config.AgingCycles == 0 {
		// Starvation avoidance: give the low lane the head of the line
		// this cycle.
		order = []db.Priority{db.PriorityLow, db.PriorityCritical, db.PriorityHigh, db.PriorityNormal}
	}

	for i, lane := range order {
		job := s.nextFromLane(ctx, lane)
		if job != nil {
			if i == 0 && lane == db.PriorityLow {
				s.metrics.RecordAgingDispatch()
			}
			return job
		}
	}
	return nil
}

func (s *Scheduler) nextFromLane(ctx context.Context, lane db.Priority) *db.Job {
	var skipped []*queue.Entry
	defer func() {
		for _, e := range skipped {
			if err := s.lanes.Push(ctx, e); err != nil {
				s.logger.Warn("Failed to restore skipped entry",
					zap.Error(err), zap.String("job_id", e.JobID))
			}
		}
	}()

	for n := 0; n < laneScanLimit; n++ {
		entry, err := s.lanes.Pop(ctx, lane)
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if err != nil {
			s.logger.Error("Failed to pop lane", zap.Error(err), zap.String("lane", string(lane)))
			return nil
		}

		if !s.tenantHasCapacity(ctx, entry.TenantID) {
			skipped = append(skipped, entry)
			s.metrics.RecordDispatchSkip("tenant_concurrency")
			continue
		}

		claimed, err := s.repo.ClaimJob(ctx, entry.JobID, s.config.LeaseDuration)
		if err != nil {
			s.logger.Error("Failed to claim job", zap.Error(err), zap.String("job_id", entry.JobID))
			skipped = append(skipped, entry)
			continue
		}
		if !claimed {
			// Already claimed elsewhere, cancelled, or otherwise not
			// queued anymore; the entry is stale and simply dropped.
			continue
		}

		job, err := s.repo.GetJob(ctx, entry.JobID)
		if err != nil {
			s.logger.Error("Claimed job vanished", zap.Error(err), zap.String("job_id", entry.JobID))
			continue
		}

		running, err := s.repo.CountRunningByTenant(ctx, job.TenantID)
		if err == nil {
			s.metrics.SetRunningJobs(job.TenantID, running)
		}
		return job
	}
	return nil
}

func (s *Scheduler) tenantHasCapacity(ctx context.Context, tenantID string) bool {
	quota, err := s.repo.GetTenantQuota(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to load tenant quota",
			zap.Error(err), zap.String("tenant_id", tenantID))
		return false
	}
	running, err := s.repo.CountRunningByTenant(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to count running jobs",
			zap.Error(err), zap.String("tenant_id", tenantID))
		return false
	}
	return running < quota.MaxConcurrentJobs
}

func (s *Scheduler) unclaim(ctx context.Context, job *db.Job) {
	if err := s.repo.RequeueJob(ctx, job.ID); err != nil {
		s.logger.Error("Failed to unclaim job", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	if err := s.lanes.Push(ctx, &queue.Entry{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
	}); err != nil {
		s.logger.Warn("Failed to restore unclaimed job to lane",
			zap.Error(err), zap.String("job_id", job.ID))
	}
}

// reconcile repairs the queue from the authoritative job rows. First it
// reclaims running rows whose lease expired, a worker that died
// mid-pipeline, and returns them to their lanes; then it re-pushes queued
// rows missing from Redis (crash between insert and push, or a lost
// unclaim) at their original position.
func (s *Scheduler) reconcile(ctx context.Context) {
	expired, err := s.repo.RequeueExpiredLeases(ctx, s.config.ReconcileBatch)
	if err != nil {
		s.logger.Error("Expired lease sweep failed", zap.Error(err))
	}
	for _, job := range expired {
		s.logger.Warn("Reclaimed job with expired lease",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.CurrentStage)),
		)
		if err := s.lanes.Push(ctx, &queue.Entry{
			JobID:     job.ID,
			TenantID:  job.TenantID,
			Priority:  job.Priority,
			CreatedAt: job.CreatedAt,
		}); err != nil {
			// The row is queued again; the orphan pass below retries the
			// lane push next tick.
			s.logger.Error("Failed to restore reclaimed job to lane",
				zap.Error(err), zap.String("job_id", job.ID))
		}
	}

	jobs, err := s.repo.ListQueuedJobs(ctx, s.config.ReconcileBatch)
	if err != nil {
		s.logger.Error("Reconcile scan failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		entry := &queue.Entry{
			JobID:     job.ID,
			TenantID:  job.TenantID,
			Priority:  job.Priority,
			CreatedAt: job.CreatedAt,
		}
		present, err := s.lanes.Contains(ctx, entry)
		if err != nil {
			s.logger.Error("Reconcile membership check failed", zap.Error(err))
			return
		}
		if !present {
			if err := s.lanes.Push(ctx, entry); err != nil {
				s.logger.Error("Reconcile push failed",
					zap.Error(err), zap.String("job_id", job.ID))
			} else {
				s.logger.Info("Requeued orphaned job", zap.String("job_id", job.ID))
			}
		}
	}
}

func (s *Scheduler) observeDepths(ctx context.Context) {
	for _, lane := range db.Lanes() {
		depth, err := s.lanes.Depth(ctx, lane)
		if err != nil {
			continue
		}
		s.metrics.SetQueueDepth(string(lane), depth)
	}
}
