package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientBalance is a normal, reported outcome, not a fault.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrConflict surfaces after the optimistic retry budget is exhausted.
	ErrConflict = errors.New("wallet update conflict")

	ErrIntentNotFound = db.ErrIntentNotFound
	ErrWalletNotFound = db.ErrWalletNotFound
)

// maxCommitRetries bounds the optimistic version retry loop per operation.
const maxCommitRetries = 5

// Store is the persistence the ledger needs. *db.LedgerStore implements it.
type Store interface {
	GetWallet(ctx context.Context, tenantID string) (*db.CreditWallet, error)
	InsertIntent(ctx context.Context, i *db.CreditIntent) error
	GetIntent(ctx context.Context, id string) (*db.CreditIntent, error)
	GetCommittedByRef(ctx context.Context, refIntentID string, kind db.IntentKind) (*db.CreditIntent, error)
	CommitIntent(ctx context.Context, intentID, tenantID string, fromVersion, newBalance, balanceAfter int64) error
	MarkIntentFailed(ctx context.Context, intentID string) error
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*db.CreditIntent, error)
	ListCommittedByTenant(ctx context.Context, tenantID string, limit int) ([]*db.CreditIntent, error)
}

// Service owns all CreditWallet mutation. Every operation writes a pending
// intent before touching the balance and commits both in one storage
// transaction, so the log and the balance can never diverge.
type Service struct {
	store   Store
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(store Store, collector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// Reserve debits amount from the tenant wallet and returns the reservation
// intent id. Insufficient balance fails the intent and reports it as a
// normal outcome.
func (s *Service) Reserve(ctx context.Context, tenantID, jobID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	intent := &db.CreditIntent{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		JobID:        jobID,
		Kind:         db.IntentReserve,
		Amount:       amount,
		BalanceDelta: -amount,
		Status:       db.IntentPending,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertIntent(ctx, intent); err != nil {
		return "", fmt.Errorf("write reserve intent: %w", err)
	}

	if _, err := s.commit(ctx, intent); err != nil {
		return "", err
	}

	s.metrics.RecordCreditMovement(tenantID, string(db.IntentReserve), amount)
	s.logger.Info("Credits reserved",
		zap.String("tenant_id", tenantID),
		zap.String("job_id", jobID),
		zap.String("intent_id", intent.ID),
		zap.Int64("amount", amount),
	)
	return intent.ID, nil
}

// Charge settles a reservation with the actual cost, which may be lower
// than what was reserved; the difference goes back to the wallet in the
// same intent. Charging the same reservation twice is a no-op.
func (s *Service) Charge(ctx context.Context, reserveIntentID string, actual int64) (int64, error) {
	res, err := s.reservation(ctx, reserveIntentID)
	if err != nil {
		return 0, err
	}
	if actual < 0 || actual > res.Amount {
		return 0, fmt.Errorf("charge %d outside reservation %d", actual, res.Amount)
	}

	if prior, err := s.store.GetCommittedByRef(ctx, reserveIntentID, db.IntentCharge); err == nil {
		return *prior.BalanceAfter, nil
	} else if !errors.Is(err, db.ErrIntentNotFound) {
		return 0, err
	}
	if err := s.ensureUnsettled(ctx, reserveIntentID); err != nil {
		return 0, err
	}

	intent := &db.CreditIntent{
		ID:           uuid.New().String(),
		TenantID:     res.TenantID,
		JobID:        res.JobID,
		Kind:         db.IntentCharge,
		Amount:       actual,
		BalanceDelta: res.Amount - actual,
		RefIntentID:  &reserveIntentID,
		Status:       db.IntentPending,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertIntent(ctx, intent); err != nil {
		return 0, fmt.Errorf("write charge intent: %w", err)
	}

	balance, err := s.commit(ctx, intent)
	if err != nil {
		return 0, err
	}

	s.metrics.RecordCreditMovement(res.TenantID, string(db.IntentCharge), actual)
	s.logger.Info("Credits charged",
		zap.String("tenant_id", res.TenantID),
		zap.String("job_id", res.JobID),
		zap.Int64("charged", actual),
		zap.Int64("released", res.Amount-actual),
	)
	return balance, nil
}

// Refund returns the unsettled remainder of a reservation to the wallet.
// Idempotent: a second refund of the same reservation is a no-op.
func (s *Service) Refund(ctx context.Context, reserveIntentID string) (int64, error) {
	return s.returnRemainder(ctx, reserveIntentID, db.IntentRefund)
}

// Release is the cancellation-path twin of Refund; it carries its own
// intent kind so the audit trail distinguishes operator-visible refunds
// from routine releases.
func (s *Service) Release(ctx context.Context, reserveIntentID string) (int64, error) {
	return s.returnRemainder(ctx, reserveIntentID, db.IntentRelease)
}

func (s *Service) returnRemainder(ctx context.Context, reserveIntentID string, kind db.IntentKind) (int64, error) {
	res, err := s.reservation(ctx, reserveIntentID)
	if err != nil {
		return 0, err
	}

	for _, k := range []db.IntentKind{db.IntentRefund, db.IntentRelease} {
		if prior, err := s.store.GetCommittedByRef(ctx, reserveIntentID, k); err == nil {
			return *prior.BalanceAfter, nil
		} else if !errors.Is(err, db.ErrIntentNotFound) {
			return 0, err
		}
	}

	remaining := res.Amount
	if charge, err := s.store.GetCommittedByRef(ctx, reserveIntentID, db.IntentCharge); err == nil {
		// Charged plus auto-released; nothing left to return.
		remaining -= charge.Amount + charge.BalanceDelta
	} else if !errors.Is(err, db.ErrIntentNotFound) {
		return 0, err
	}
	if remaining <= 0 {
		w, err := s.store.GetWallet(ctx, res.TenantID)
		if err != nil {
			return 0, err
		}
		return w.Balance, nil
	}

	intent := &db.CreditIntent{
		ID:           uuid.New().String(),
		TenantID:     res.TenantID,
		JobID:        res.JobID,
		Kind:         kind,
		Amount:       remaining,
		BalanceDelta: remaining,
		RefIntentID:  &reserveIntentID,
		Status:       db.IntentPending,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertIntent(ctx, intent); err != nil {
		return 0, fmt.Errorf("write %s intent: %w", kind, err)
	}

	balance, err := s.commit(ctx, intent)
	if err != nil {
		return 0, err
	}

	s.metrics.RecordCreditMovement(res.TenantID, string(kind), remaining)
	s.logger.Info("Credits returned",
		zap.String("tenant_id", res.TenantID),
		zap.String("job_id", res.JobID),
		zap.String("kind", string(kind)),
		zap.Int64("amount", remaining),
	)
	return balance, nil
}

// VerifyResult reports whether the committed intent log replays to the
// live wallet balance.
type VerifyResult struct {
	Consistent bool   `json:"consistent"`
	Detail     string `json:"detail,omitempty"`
}

// Verify replays the tenant's committed intent chain: each BalanceAfter
// must equal the previous one plus the intent's delta, and the final link
// must match the wallet. Inconsistency here is a correctness violation
// surfaced to operators, never silently ignored.
func (s *Service) Verify(ctx context.Context, intentID string) (*VerifyResult, error) {
	target, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if target.Status != db.IntentCommitted {
		return &VerifyResult{Detail: fmt.Sprintf("intent %s is %s, not committed", intentID, target.Status)}, nil
	}

	intents, err := s.store.ListCommittedByTenant(ctx, target.TenantID, 10000)
	if err != nil {
		return nil, err
	}
	w, err := s.store.GetWallet(ctx, target.TenantID)
	if err != nil {
		return nil, err
	}

	var prev *int64
	for _, i := range intents {
		if i.BalanceAfter == nil {
			return &VerifyResult{Detail: fmt.Sprintf("committed intent %s missing balance_after", i.ID)}, nil
		}
		if prev != nil && *i.BalanceAfter != *prev+i.BalanceDelta {
			return &VerifyResult{Detail: fmt.Sprintf(
				"intent %s breaks the chain: %d != %d%+d", i.ID, *i.BalanceAfter, *prev, i.BalanceDelta)}, nil
		}
		prev = i.BalanceAfter
	}
	if prev != nil && *prev != w.Balance {
		return &VerifyResult{Detail: fmt.Sprintf(
			"ledger tail %d does not match wallet balance %d", *prev, w.Balance)}, nil
	}

	return &VerifyResult{Consistent: true}, nil
}

// Balance returns the current wallet balance and recent committed intents.
func (s *Service) Balance(ctx context.Context, tenantID string, recent int) (*db.CreditWallet, []*db.CreditIntent, error) {
	w, err := s.store.GetWallet(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	intents, err := s.store.ListCommittedByTenant(ctx, tenantID, recent)
	if err != nil {
		return nil, nil, err
	}
	return w, intents, nil
}

func (s *Service) reservation(ctx context.Context, reserveIntentID string) (*db.CreditIntent, error) {
	res, err := s.store.GetIntent(ctx, reserveIntentID)
	if err != nil {
		return nil, err
	}
	if res.Kind != db.IntentReserve {
		return nil, fmt.Errorf("intent %s is a %s, not a reservation", reserveIntentID, res.Kind)
	}
	if res.Status != db.IntentCommitted {
		return nil, fmt.Errorf("reservation %s is %s", reserveIntentID, res.Status)
	}
	return res, nil
}

func (s *Service) ensureUnsettled(ctx context.Context, reserveIntentID string) error {
	for _, k := range []db.IntentKind{db.IntentRefund, db.IntentRelease} {
		if _, err := s.store.GetCommittedByRef(ctx, reserveIntentID, k); err == nil {
			return fmt.Errorf("reservation %s already returned", reserveIntentID)
		} else if !errors.Is(err, db.ErrIntentNotFound) {
			return err
		}
	}
	return nil
}

// commit applies the intent's delta under the wallet's optimistic version,
// retrying on conflicts. The storage layer flips the intent to committed in
// the same transaction that moves the balance.
func (s *Service) commit(ctx context.Context, intent *db.CreditIntent) (int64, error) {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		w, err := s.store.GetWallet(ctx, intent.TenantID)
		if err != nil {
			s.fail(ctx, intent)
			return 0, err
		}

		newBalance := w.Balance + intent.BalanceDelta
		if newBalance < 0 {
			s.fail(ctx, intent)
			return 0, ErrInsufficientBalance
		}

		err = s.store.CommitIntent(ctx, intent.ID, intent.TenantID, w.Version, newBalance, newBalance)
		if errors.Is(err, db.ErrVersionConflict) {
			continue
		}
		if err != nil {
			s.fail(ctx, intent)
			return 0, err
		}
		s.metrics.SetWalletBalance(intent.TenantID, newBalance)
		return newBalance, nil
	}

	s.fail(ctx, intent)
	s.metrics.RecordLedgerConflict(intent.TenantID)
	return 0, ErrConflict
}

func (s *Service) fail(ctx context.Context, intent *db.CreditIntent) {
	if err := s.store.MarkIntentFailed(ctx, intent.ID); err != nil {
		s.logger.Error("Failed to mark intent failed",
			zap.Error(err),
			zap.String("intent_id", intent.ID),
		)
	}
}
