package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Lanes returns the priority lanes in strict dispatch order.
func Lanes() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

func ValidPriority(p string) bool {
	switch Priority(p) {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusRunning    JobStatus = "running"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusDeadLetter JobStatus = "dead_letter"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status may never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

type Stage string

const (
	StageFetch   Stage = "fetch"
	StagePersist Stage = "persist"
	StageDerive  Stage = "derive"
	StageAnalyze Stage = "analyze"
)

// StageOrder is the pipeline in execution order.
func StageOrder() []Stage {
	return []Stage{StageFetch, StagePersist, StageDerive, StageAnalyze}
}

// StageIndex returns the position of a stage in the pipeline, or -1.
func StageIndex(s Stage) int {
	for i, st := range StageOrder() {
		if st == s {
			return i
		}
	}
	return -1
}

type StageOutcome string

const (
	OutcomeSuccess     StageOutcome = "success"
	OutcomeTransient   StageOutcome = "transient_failure"
	OutcomePermanent   StageOutcome = "permanent_failure"
	OutcomeBreakerOpen StageOutcome = "breaker_open"
	OutcomeCancelled   StageOutcome = "cancelled"
)

type StageRecord struct {
	Stage   Stage        `json:"stage"`
	Attempt int          `json:"attempt"`
	Outcome StageOutcome `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
}

type Job struct {
	ID              string       `json:"id" db:"id"`
	TenantID        string       `json:"-" db:"tenant_id"`
	Priority        Priority     `json:"priority" db:"priority"`
	Usernames       StringSlice  `json:"usernames" db:"usernames"`
	Status          JobStatus    `json:"status" db:"status"`
	CurrentStage    Stage        `json:"current_stage" db:"current_stage"`
	StageHistory    StageHistory `json:"stage_history" db:"stage_history"`
	ReserveIntentID string       `json:"-" db:"reserve_intent_id"`
	CreditsReserved int64        `json:"credits_reserved" db:"credits_reserved"`
	CreditsCharged  int64        `json:"credits_charged" db:"credits_charged"`
	FailureReason   *string      `json:"failure_reason,omitempty" db:"failure_reason"`
	CancelRequested bool         `json:"-" db:"cancel_requested"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty" db:"started_at"`
	LeaseExpiresAt  *time.Time   `json:"-" db:"lease_expires_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// Attempts counts the retry-consuming attempts already recorded for a
// stage. Breaker fast-fails are recorded but not counted.
func (j *Job) Attempts(stage Stage) int {
	n := 0
	for _, r := range j.StageHistory {
		if r.Stage == stage && (r.Outcome == OutcomeTransient || r.Outcome == OutcomePermanent) {
			n++
		}
	}
	return n
}

type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

type TenantQuota struct {
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	Tier              Tier      `json:"tier" db:"tier"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	DailyJobLimit     int       `json:"daily_job_limit" db:"daily_job_limit"`
	JobsToday         int       `json:"jobs_today" db:"jobs_today"`
	QuotaDate         time.Time `json:"quota_date" db:"quota_date"`
}

type CreditWallet struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int64     `json:"-" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type IntentKind string

const (
	IntentReserve IntentKind = "reserve"
	IntentCharge  IntentKind = "charge"
	IntentRefund  IntentKind = "refund"
	IntentRelease IntentKind = "release"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCommitted IntentStatus = "committed"
	IntentFailed    IntentStatus = "failed"
)

// CreditIntent is the write-ahead record for every wallet mutation. A
// committed intent is immutable; BalanceAfter makes the log replayable
// against the wallet.
// Amount is the business amount of the operation (credits reserved,
// charged, refunded). BalanceDelta is the signed effect on the wallet: a
// reserve debits its full amount, a charge settles against the reservation
// and credits back only the unused remainder, refund/release credit back
// what they return. The committed log chained through BalanceAfter must
// replay to the live wallet balance.
type CreditIntent struct {
	ID           string       `json:"id" db:"id"`
	TenantID     string       `json:"tenant_id" db:"tenant_id"`
	JobID        string       `json:"job_id" db:"job_id"`
	Kind         IntentKind   `json:"kind" db:"kind"`
	Amount       int64        `json:"amount" db:"amount"`
	BalanceDelta int64        `json:"balance_delta" db:"balance_delta"`
	RefIntentID  *string      `json:"ref_intent_id,omitempty" db:"ref_intent_id"`
	Status       IntentStatus `json:"status" db:"status"`
	BalanceAfter *int64       `json:"balance_after,omitempty" db:"balance_after"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	CommittedAt  *time.Time   `json:"committed_at,omitempty" db:"committed_at"`
}

// Custom types for PostgreSQL JSONB columns
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		s = StringSlice{}
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for StringSlice", value)
	}
	return json.Unmarshal(b, s)
}

type StageHistory []StageRecord

func (h StageHistory) Value() (driver.Value, error) {
	if h == nil {
		h = StageHistory{}
	}
	return json.Marshal(h)
}

func (h *StageHistory) Scan(value interface{}) error {
	if value == nil {
		*h = StageHistory{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for StageHistory", value)
	}
	return json.Unmarshal(b, h)
}
