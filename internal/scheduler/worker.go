package scheduler

import (
	"context"
	"time"

	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/pipeline"
	"go.uber.org/zap"
)

// JobRunner executes one claimed job to a disposition. *pipeline.Runner
// implements it; tests substitute a fake.
type JobRunner interface {
	Run(ctx context.Context, job *db.Job) (pipeline.RunResult, error)
}

// LeaseExtender renews a claim while the job it covers is still being
// worked.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, id string, lease time.Duration) error
}

type Worker struct {
	id        int
	workQueue <-chan *db.Job
	runner    JobRunner
	leases    LeaseExtender
	lease     time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
}

func NewWorker(id int, workQueue <-chan *db.Job, runner JobRunner, leases LeaseExtender, lease time.Duration, collector *metrics.Collector, logger *zap.Logger) *Worker {
	return &Worker{
		id:        id,
		workQueue: workQueue,
		runner:    runner,
		leases:    leases,
		lease:     lease,
		metrics:   collector,
		logger:    logger.With(zap.Int("worker_id", id)),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case job, ok := <-w.workQueue:
			if !ok {
				w.logger.Info("Work queue closed")
				return
			}
			w.processJob(ctx, job)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *db.Job) {
	start := time.Now()

	// Heartbeat for as long as the run lasts; if this process dies the
	// lease lapses and the reconcile sweep returns the job to its lane.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID)

	w.logger.Debug("Processing job",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("priority", string(job.Priority)),
		zap.String("stage", string(job.CurrentStage)),
	)

	result, err := w.runner.Run(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		w.logger.Error("Job run failed",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.Duration("duration", elapsed),
		)
		return
	}

	// A requeued job is not terminal; it will be dispatched again.
	if result != pipeline.ResultRequeued {
		w.metrics.RecordJobFinished(job.TenantID, string(job.Priority), string(result), elapsed.Seconds())
	}

	w.logger.Debug("Job processed",
		zap.String("job_id", job.ID),
		zap.String("result", string(result)),
		zap.Duration("duration", elapsed),
	)
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	interval := w.lease / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.leases.ExtendLease(ctx, jobID, w.lease); err != nil {
				w.logger.Warn("Failed to extend job lease",
					zap.Error(err), zap.String("job_id", jobID))
			}
		}
	}
}
