package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrJobNotFound = fmt.Errorf("job not found")

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// Job operations

func (r *Repository) CreateJob(ctx context.Context, j *Job) error {
	query := `
        INSERT INTO jobs (
            id, tenant_id, priority, usernames, status, current_stage,
            stage_history, reserve_intent_id, credits_reserved,
            credits_charged, cancel_requested, created_at
        ) VALUES (
            :id, :tenant_id, :priority, :usernames, :status, :current_stage,
            :stage_history, :reserve_intent_id, :credits_reserved,
            :credits_charged, :cancel_requested, :created_at
        )`

	_, err := r.db.NamedExecContext(ctx, query, j)
	return err
}

func (r *Repository) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := r.db.GetContext(ctx, &j, `SELECT * FROM jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return &j, err
}

func (r *Repository) GetJobForTenant(ctx context.Context, id, tenantID string) (*Job, error) {
	var j Job
	query := `SELECT * FROM jobs WHERE id = $1 AND tenant_id = $2`
	err := r.db.GetContext(ctx, &j, query, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return &j, err
}

func (r *Repository) ListJobsByTenant(ctx context.Context, tenantID string, status JobStatus, limit, offset int) ([]*Job, error) {
	jobs := []*Job{}
	if status != "" {
		query := `
            SELECT * FROM jobs
            WHERE tenant_id = $1 AND status = $2
            ORDER BY created_at DESC
            LIMIT $3 OFFSET $4`
		err := r.db.SelectContext(ctx, &jobs, query, tenantID, status, limit, offset)
		return jobs, err
	}
	query := `
        SELECT * FROM jobs
        WHERE tenant_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`
	err := r.db.SelectContext(ctx, &jobs, query, tenantID, limit, offset)
	return jobs, err
}

// ClaimJob atomically transitions a queued job to running and stamps the
// claim with a lease. It is the double-dispatch barrier: only the caller
// that flips the row owns the job, and only until the lease runs out.
func (r *Repository) ClaimJob(ctx context.Context, id string, lease time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE jobs
           SET status = $2, started_at = NOW(),
               lease_expires_at = NOW() + make_interval(secs => $4)
         WHERE id = $1 AND status = $3`,
		id, StatusRunning, StatusQueued, lease.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExtendLease is the worker heartbeat: it pushes the claim's expiry out
// while the pipeline is still making progress.
func (r *Repository) ExtendLease(ctx context.Context, id string, lease time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE jobs
           SET lease_expires_at = NOW() + make_interval(secs => $3)
         WHERE id = $1 AND status = $2`,
		id, StatusRunning, lease.Seconds())
	return err
}

// RequeueJob returns a running job to the queue, keeping created_at so the
// job resumes its fair lane position.
func (r *Repository) RequeueJob(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE jobs
           SET status = $2, started_at = NULL, lease_expires_at = NULL
         WHERE id = $1 AND status = $3`,
		id, StatusQueued, StatusRunning)
	return err
}

// RequeueExpiredLeases flips running rows whose lease ran out back to
// queued and returns them so the caller can restore their lane entries.
// A worker crash mid-pipeline lands here; the per-stage resume makes the
// re-run safe.
func (r *Repository) RequeueExpiredLeases(ctx context.Context, limit int) ([]*Job, error) {
	jobs := []*Job{}
	query := `
        UPDATE jobs
           SET status = $3, started_at = NULL, lease_expires_at = NULL
         WHERE id IN (
               SELECT id FROM jobs
                WHERE status = $1 AND lease_expires_at < NOW()
                ORDER BY lease_expires_at ASC
                LIMIT $2)
        RETURNING *`
	err := r.db.SelectContext(ctx, &jobs, query, StatusRunning, limit, StatusQueued)
	return jobs, err
}

func (r *Repository) CountRunningByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE tenant_id = $1 AND status = $2`
	err := r.db.GetContext(ctx, &count, query, tenantID, StatusRunning)
	return count, err
}

func (r *Repository) UpdateJobProgress(ctx context.Context, j *Job) error {
	query := `
        UPDATE jobs SET
            current_stage = :current_stage,
            stage_history = :stage_history
        WHERE id = :id AND status = 'running'`

	_, err := r.db.NamedExecContext(ctx, query, j)
	return err
}

// FinishJob sets a terminal status and settles the credit columns in the
// same UPDATE: a terminal row always has credits_reserved equal to what
// was actually charged, zero for dead-letter and cancel. The status guard
// keeps terminal states immutable.
func (r *Repository) FinishJob(ctx context.Context, j *Job, status JobStatus, reason *string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE jobs SET
            status = $2,
            stage_history = $3,
            current_stage = $4,
            credits_charged = $5,
            credits_reserved = $5,
            failure_reason = $6,
            lease_expires_at = NULL,
            completed_at = NOW()
        WHERE id = $1 AND status IN ('queued', 'running')`,
		j.ID, status, j.StageHistory, j.CurrentStage, j.CreditsCharged, reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("job %s already terminal", j.ID)
	}
	return err
}

func (r *Repository) RequestCancel(ctx context.Context, id, tenantID string) (JobStatus, error) {
	var status JobStatus
	err := r.db.GetContext(ctx, &status,
		`SELECT status FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err == sql.ErrNoRows {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}

	switch status {
	case StatusQueued:
		// Queued jobs cancel directly. Nothing was charged, so the
		// terminal row holds no reservation.
		res, err := r.db.ExecContext(ctx, `
            UPDATE jobs SET status = $2, credits_reserved = 0, completed_at = NOW()
             WHERE id = $1 AND status = $3`,
			id, StatusCancelled, StatusQueued)
		if err != nil {
			return status, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return StatusCancelled, nil
		}
		// Lost the race with the scheduler; fall through to cooperative
		// cancellation.
		fallthrough
	case StatusRunning:
		_, err := r.db.ExecContext(ctx,
			`UPDATE jobs SET cancel_requested = TRUE WHERE id = $1 AND status = $2`,
			id, StatusRunning)
		return StatusRunning, err
	default:
		return status, nil
	}
}

func (r *Repository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.db.GetContext(ctx, &requested,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id)
	return requested, err
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit, offset int) ([]*Job, error) {
	jobs := []*Job{}
	query := `
        SELECT * FROM jobs
        WHERE status = $1
        ORDER BY completed_at DESC
        LIMIT $2 OFFSET $3`
	err := r.db.SelectContext(ctx, &jobs, query, StatusDeadLetter, limit, offset)
	return jobs, err
}

// ReviveDeadLetter re-enters a dead-lettered job at its last recorded
// stage with a fresh reservation.
func (r *Repository) ReviveDeadLetter(ctx context.Context, id, reserveIntentID string, reserved int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE jobs SET
            status = $2,
            reserve_intent_id = $3,
            credits_reserved = $4,
            credits_charged = 0,
            failure_reason = NULL,
            cancel_requested = FALSE,
            completed_at = NULL
        WHERE id = $1 AND status = $5`,
		id, StatusQueued, reserveIntentID, reserved, StatusDeadLetter)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListQueuedJobs supports the queue reconcile loop: queued rows ordered by
// lane scan key (tenant_id, status, priority, created_at index).
func (r *Repository) ListQueuedJobs(ctx context.Context, limit int) ([]*Job, error) {
	jobs := []*Job{}
	query := `
        SELECT * FROM jobs
        WHERE status = $1
        ORDER BY created_at ASC
        LIMIT $2`
	err := r.db.SelectContext(ctx, &jobs, query, StatusQueued, limit)
	return jobs, err
}

// Tenant quota operations

func (r *Repository) GetTenantQuota(ctx context.Context, tenantID string) (*TenantQuota, error) {
	var q TenantQuota
	err := r.db.GetContext(ctx, &q,
		`SELECT * FROM tenant_quotas WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant quota not found")
	}
	return &q, err
}

// IncrementJobsToday bumps the daily counter, rolling it over lazily when
// the stored quota date is not today's UTC date.
func (r *Repository) IncrementJobsToday(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE tenant_quotas SET
            jobs_today = CASE
                WHEN quota_date = (NOW() AT TIME ZONE 'utc')::date THEN jobs_today + 1
                ELSE 1
            END,
            quota_date = (NOW() AT TIME ZONE 'utc')::date
        WHERE tenant_id = $1`, tenantID)
	return err
}
