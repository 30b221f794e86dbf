package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creatorlens/creatorlens/internal/breaker"
	"github.com/creatorlens/creatorlens/internal/clients"
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/creatorlens/creatorlens/internal/retry"
	"go.uber.org/zap"
)

// RunResult is the terminal disposition of one Run call.
type RunResult string

const (
	ResultCompleted    RunResult = "completed"
	ResultDeadLettered RunResult = "dead_lettered"
	ResultCancelled    RunResult = "cancelled"
	ResultRequeued     RunResult = "requeued"
)

type Store interface {
	UpdateJobProgress(ctx context.Context, j *db.Job) error
	FinishJob(ctx context.Context, j *db.Job, status db.JobStatus, reason *string) error
	RequeueJob(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

type Ledger interface {
	Charge(ctx context.Context, reserveIntentID string, actual int64) (int64, error)
	Refund(ctx context.Context, reserveIntentID string) (int64, error)
	Release(ctx context.Context, reserveIntentID string) (int64, error)
}

type Enqueuer interface {
	Push(ctx context.Context, e *queue.Entry) error
}

type Publisher interface {
	PublishProgress(ctx context.Context, j *db.Job) error
	PublishTerminal(ctx context.Context, j *db.Job) error
}

// Runner drives one claimed job through the staged pipeline. Each stage's
// external call goes through that dependency's circuit breaker; transient
// failures burn retry attempts per the stage policy, permanent failures
// and exhausted budgets dead-letter the job with a full refund, and an
// open breaker requeues the job without consuming an attempt.
type Runner struct {
	store        Store
	ledger       Ledger
	collab       clients.Set
	breakers     *breaker.Registry
	policies     map[db.Stage]retry.Policy
	lanes        Enqueuer
	publisher    Publisher
	costs        config.CostConfig
	stageTimeout time.Duration
	metrics      *metrics.Collector
	logger       *zap.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewRunner(
	store Store,
	ledger Ledger,
	collab clients.Set,
	breakers *breaker.Registry,
	policies map[db.Stage]retry.Policy,
	lanes Enqueuer,
	publisher Publisher,
	costs config.CostConfig,
	stageTimeout time.Duration,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		store:        store,
		ledger:       ledger,
		collab:       collab,
		breakers:     breakers,
		policies:     policies,
		lanes:        lanes,
		publisher:    publisher,
		costs:        costs,
		stageTimeout: stageTimeout,
		metrics:      collector,
		logger:       logger,
		sleep:        sleepCtx,
	}
}

// runState carries stage outputs across the pipeline. Nothing here is
// durable; stages are resumable from external state keyed by username.
type runState struct {
	fetched  bool
	fresh    map[string]struct{}
	profiles []clients.RawProfile
	entities []clients.Entity
	assets   []clients.AssetRefs
	analyses []clients.AnalysisResult
}

// Run executes the job's remaining stages in order. The job must already
// be claimed (status running) by the calling worker.
func (r *Runner) Run(ctx context.Context, job *db.Job) (RunResult, error) {
	state := &runState{}
	stages := db.StageOrder()

	start := db.StageIndex(job.CurrentStage)
	if start < 0 {
		start = 0
	}

	for idx := start; idx < len(stages); idx++ {
		stage := stages[idx]

		// Cooperative cancellation: checked between stages only, never
		// mid-stage, so an external call is never abandoned halfway.
		cancelled, err := r.store.CancelRequested(ctx, job.ID)
		if err != nil {
			r.logger.Error("Failed to read cancellation flag",
				zap.Error(err), zap.String("job_id", job.ID))
		}
		if cancelled {
			return r.cancel(ctx, job, stage)
		}

		job.CurrentStage = stage
		result, err := r.runStage(ctx, job, stage, state)
		if err != nil || result != "" {
			return result, err
		}
	}

	return r.complete(ctx, job, state)
}

// runStage loops attempts for one stage. An empty RunResult means the
// stage succeeded and the pipeline continues.
func (r *Runner) runStage(ctx context.Context, job *db.Job, stage db.Stage, state *runState) (RunResult, error) {
	policy := r.policies[stage]
	br, err := r.breakers.Get(depFor(stage))
	if err != nil {
		return "", err
	}

	attempts := job.Attempts(stage)

	for {
		attempt := attempts + 1

		if err := br.Allow(); err != nil {
			// Fast-fail: no external call, no retry attempt consumed.
			// Free the worker and let the job re-enter its lane at its
			// original position.
			return r.requeue(ctx, job, stage, attempt)
		}

		started := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, r.stageTimeout)
		outcome, reason := r.execute(stageCtx, job, stage, state)
		cancel()
		elapsed := time.Since(started)

		r.metrics.RecordStageAttempt(string(stage), outcome.String(), elapsed.Seconds())

		switch outcome {
		case retry.Success:
			br.RecordSuccess()
			r.record(ctx, job, stage, attempt, db.OutcomeSuccess, "")
			if err := r.publisher.PublishProgress(ctx, job); err != nil {
				r.logger.Warn("Failed to publish progress", zap.Error(err))
			}
			return "", nil

		case retry.PermanentFailure:
			// The dependency answered; the input is the problem. Do not
			// trip the breaker, do not burn remaining retries.
			br.RecordSuccess()
			r.record(ctx, job, stage, attempt, db.OutcomePermanent, reason)
			return r.deadLetter(ctx, job, stage, reason)

		case retry.TransientFailure:
			br.RecordFailure()
			r.record(ctx, job, stage, attempt, db.OutcomeTransient, reason)
			attempts++
			r.metrics.RecordStageRetry(string(stage))

			if policy.Exhausted(attempts) {
				return r.deadLetter(ctx, job, stage,
					fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, reason))
			}

			r.logger.Warn("Stage attempt failed, backing off",
				zap.String("job_id", job.ID),
				zap.String("stage", string(stage)),
				zap.Int("attempt", attempt),
				zap.String("reason", reason),
			)
			if err := r.sleep(ctx, policy.Delay(attempts+1)); err != nil {
				return "", err
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *db.Job, stage db.Stage, state *runState) (retry.Outcome, string) {
	switch stage {
	case db.StageFetch:
		return r.executeFetch(ctx, job, state)
	case db.StagePersist:
		return r.executePersist(ctx, job, state)
	case db.StageDerive:
		return r.executeDerive(ctx, job, state)
	case db.StageAnalyze:
		return r.executeAnalyze(ctx, job, state)
	}
	return retry.PermanentFailure, fmt.Sprintf("unknown stage %q", stage)
}

func (r *Runner) executeFetch(ctx context.Context, job *db.Job, state *runState) (retry.Outcome, string) {
	fresh, err := r.collab.Store.FreshUsernames(ctx, job.Usernames)
	if err != nil {
		return classify(err)
	}

	state.fresh = make(map[string]struct{}, len(fresh))
	for _, u := range fresh {
		state.fresh[u] = struct{}{}
	}

	stale := make([]string, 0, len(job.Usernames))
	for _, u := range job.Usernames {
		if _, ok := state.fresh[u]; !ok {
			stale = append(stale, u)
		}
	}

	if len(stale) > 0 {
		profiles, err := r.collab.Fetcher.Fetch(ctx, stale)
		if err != nil {
			return classify(err)
		}
		state.profiles = profiles
	}
	state.fetched = true
	return retry.Success, ""
}

func (r *Runner) executePersist(ctx context.Context, job *db.Job, state *runState) (retry.Outcome, string) {
	// Upsert is idempotent by username, so re-running this stage over
	// already-persisted data is a no-op rather than a duplicate insert.
	for _, p := range state.profiles {
		if _, err := r.collab.Store.Upsert(ctx, p); err != nil {
			return classify(err)
		}
	}

	entities, err := r.collab.Store.Lookup(ctx, job.Usernames)
	if err != nil {
		return classify(err)
	}
	state.entities = entities
	return retry.Success, ""
}

func (r *Runner) executeDerive(ctx context.Context, job *db.Job, state *runState) (retry.Outcome, string) {
	if out, reason := r.ensureEntities(ctx, job, state); out != retry.Success {
		return out, reason
	}

	state.assets = state.assets[:0]
	for _, e := range state.entities {
		refs, err := r.collab.Deriver.DeriveAssets(ctx, e)
		if err != nil {
			return classify(err)
		}
		state.assets = append(state.assets, refs)
	}
	return retry.Success, ""
}

func (r *Runner) executeAnalyze(ctx context.Context, job *db.Job, state *runState) (retry.Outcome, string) {
	if out, reason := r.ensureEntities(ctx, job, state); out != retry.Success {
		return out, reason
	}

	state.analyses = state.analyses[:0]
	for _, e := range state.entities {
		result, err := r.collab.Analyzer.Analyze(ctx, e)
		if err != nil {
			return classify(err)
		}
		state.analyses = append(state.analyses, result)
	}
	return retry.Success, ""
}

// ensureEntities reloads persisted entities when the runner resumes a job
// past the persist stage (repair pass, dead-letter retry).
func (r *Runner) ensureEntities(ctx context.Context, job *db.Job, state *runState) (retry.Outcome, string) {
	if len(state.entities) > 0 {
		return retry.Success, ""
	}
	entities, err := r.collab.Store.Lookup(ctx, job.Usernames)
	if err != nil {
		return classify(err)
	}
	state.entities = entities
	return retry.Success, ""
}

func (r *Runner) complete(ctx context.Context, job *db.Job, state *runState) (RunResult, error) {
	actual := r.actualCost(job, state)

	if _, err := r.ledger.Charge(ctx, job.ReserveIntentID, actual); err != nil {
		// A failed charge is a ledger-level fault for operators; the job
		// outcome is still success for the tenant.
		r.logger.Error("Failed to charge completed job",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.String("intent_id", job.ReserveIntentID),
			zap.Int64("amount", actual),
		)
	} else {
		job.CreditsCharged = actual
	}

	if err := r.store.FinishJob(ctx, job, db.StatusCompleted, nil); err != nil {
		return "", fmt.Errorf("finish job: %w", err)
	}
	job.Status = db.StatusCompleted
	job.CreditsReserved = job.CreditsCharged

	if err := r.publisher.PublishTerminal(ctx, job); err != nil {
		r.logger.Warn("Failed to publish terminal status", zap.Error(err))
	}

	r.logger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Int64("credits_charged", job.CreditsCharged),
		zap.Int64("credits_reserved", job.CreditsReserved),
	)
	return ResultCompleted, nil
}

// actualCost settles what the run really cost. When the fetch stage ran,
// the runtime freshness split is authoritative; on a resumed job the
// reservation already priced only the remaining work.
func (r *Runner) actualCost(job *db.Job, state *runState) int64 {
	if !state.fetched {
		return job.CreditsReserved
	}

	var cost int64
	for _, u := range job.Usernames {
		if _, ok := state.fresh[u]; ok {
			cost += r.costs.FreshProfile
		} else {
			cost += r.costs.FullProfile
		}
	}
	if cost > job.CreditsReserved {
		cost = job.CreditsReserved
	}
	return cost
}

func (r *Runner) deadLetter(ctx context.Context, job *db.Job, stage db.Stage, reason string) (RunResult, error) {
	full := fmt.Sprintf("stage %s: %s", stage, reason)

	// Refund first: if the process dies before the terminal flip the row
	// stays running, the lease sweep requeues it, and the re-run hits the
	// idempotent refund again before dead-lettering.
	if _, err := r.ledger.Refund(ctx, job.ReserveIntentID); err != nil {
		r.logger.Error("Failed to refund dead-lettered job",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.String("intent_id", job.ReserveIntentID),
		)
	}

	job.CreditsCharged = 0
	if err := r.store.FinishJob(ctx, job, db.StatusDeadLetter, &full); err != nil {
		return "", fmt.Errorf("dead-letter job: %w", err)
	}
	job.Status = db.StatusDeadLetter
	job.CreditsReserved = 0
	job.FailureReason = &full

	if err := r.publisher.PublishTerminal(ctx, job); err != nil {
		r.logger.Warn("Failed to publish terminal status", zap.Error(err))
	}

	r.logger.Warn("Job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("stage", string(stage)),
		zap.String("reason", reason),
	)
	return ResultDeadLettered, nil
}

func (r *Runner) cancel(ctx context.Context, job *db.Job, stage db.Stage) (RunResult, error) {
	r.record(ctx, job, stage, 0, db.OutcomeCancelled, "cancelled before stage start")

	if _, err := r.ledger.Release(ctx, job.ReserveIntentID); err != nil {
		r.logger.Error("Failed to release reservation on cancel",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
	}

	reason := "cancelled by tenant"
	job.CreditsCharged = 0
	if err := r.store.FinishJob(ctx, job, db.StatusCancelled, &reason); err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	job.Status = db.StatusCancelled
	job.CreditsReserved = 0

	if err := r.publisher.PublishTerminal(ctx, job); err != nil {
		r.logger.Warn("Failed to publish terminal status", zap.Error(err))
	}

	r.logger.Info("Job cancelled",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("stage", string(stage)),
	)
	return ResultCancelled, nil
}

func (r *Runner) requeue(ctx context.Context, job *db.Job, stage db.Stage, attempt int) (RunResult, error) {
	r.record(ctx, job, stage, attempt, db.OutcomeBreakerOpen, "circuit open, fast-failed")
	r.metrics.RecordDispatchSkip("breaker_open")

	if err := r.store.RequeueJob(ctx, job.ID); err != nil {
		return "", fmt.Errorf("requeue job: %w", err)
	}
	// Original created_at keeps the job's fair position in its lane.
	if err := r.lanes.Push(ctx, &queue.Entry{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
	}); err != nil {
		r.logger.Warn("Failed to re-push requeued job; reconcile will repair",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
	}

	r.logger.Info("Job requeued on open circuit",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.String("dependency", depFor(stage)),
	)
	return ResultRequeued, nil
}

func (r *Runner) record(ctx context.Context, job *db.Job, stage db.Stage, attempt int, outcome db.StageOutcome, reason string) {
	job.StageHistory = append(job.StageHistory, db.StageRecord{
		Stage:   stage,
		Attempt: attempt,
		Outcome: outcome,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
	if err := r.store.UpdateJobProgress(ctx, job); err != nil {
		r.logger.Error("Failed to persist stage history",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
	}
}

func depFor(stage db.Stage) string {
	switch stage {
	case db.StageFetch:
		return config.DepFetchAPI
	case db.StagePersist, db.StageDerive:
		return config.DepStorage
	case db.StageAnalyze:
		return config.DepInference
	}
	return config.DepStorage
}

// classify maps collaborator errors onto tagged outcomes. Unknown errors
// default to transient so a new failure mode burns retries instead of
// dead-lettering unrecoverably.
func classify(err error) (retry.Outcome, string) {
	switch {
	case errors.Is(err, clients.ErrNotFound):
		return retry.PermanentFailure, err.Error()
	case errors.Is(err, clients.ErrRateLimited),
		errors.Is(err, clients.ErrModelUnavailable),
		errors.Is(err, clients.ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return retry.TransientFailure, err.Error()
	default:
		return retry.TransientFailure, err.Error()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
