package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrIntentNotFound  = errors.New("intent not found")
	ErrVersionConflict = errors.New("wallet version conflict")
)

// LedgerStore persists wallets and intents. All balance mutation goes
// through CommitIntent, which flips the intent and applies the delta in a
// single transaction.
type LedgerStore struct {
	db *sqlx.DB
}

func NewLedgerStore(db *sqlx.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) GetWallet(ctx context.Context, tenantID string) (*CreditWallet, error) {
	var w CreditWallet
	err := s.db.GetContext(ctx, &w,
		`SELECT * FROM credit_wallets WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return &w, err
}

func (s *LedgerStore) InsertIntent(ctx context.Context, i *CreditIntent) error {
	query := `
        INSERT INTO credit_intents (
            id, tenant_id, job_id, kind, amount, balance_delta,
            ref_intent_id, status, created_at
        ) VALUES (
            :id, :tenant_id, :job_id, :kind, :amount, :balance_delta,
            :ref_intent_id, :status, :created_at
        )`
	_, err := s.db.NamedExecContext(ctx, query, i)
	return err
}

func (s *LedgerStore) GetIntent(ctx context.Context, id string) (*CreditIntent, error) {
	var i CreditIntent
	err := s.db.GetContext(ctx, &i,
		`SELECT * FROM credit_intents WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return &i, err
}

// GetCommittedByRef finds a committed intent of the given kind that
// settles against a reservation. It backs charge/refund idempotency.
func (s *LedgerStore) GetCommittedByRef(ctx context.Context, refIntentID string, kind IntentKind) (*CreditIntent, error) {
	var i CreditIntent
	err := s.db.GetContext(ctx, &i, `
        SELECT * FROM credit_intents
        WHERE ref_intent_id = $1 AND kind = $2 AND status = $3`,
		refIntentID, kind, IntentCommitted)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return &i, err
}

// CommitIntent applies the wallet delta guarded by the optimistic version
// and marks the intent committed, all inside one transaction. A version
// mismatch aborts with ErrVersionConflict and leaves the intent pending
// for the caller to retry.
func (s *LedgerStore) CommitIntent(ctx context.Context, intentID, tenantID string, fromVersion, newBalance, balanceAfter int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE credit_wallets
           SET balance = $2, version = version + 1, updated_at = NOW()
         WHERE tenant_id = $1 AND version = $3 AND $2 >= 0`,
		tenantID, newBalance, fromVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}

	res, err = tx.ExecContext(ctx, `
        UPDATE credit_intents
           SET status = $2, balance_after = $3, committed_at = NOW()
         WHERE id = $1 AND status = $4`,
		intentID, IntentCommitted, balanceAfter, IntentPending)
	if err != nil {
		return err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("intent %s not pending", intentID)
	}

	return tx.Commit()
}

func (s *LedgerStore) MarkIntentFailed(ctx context.Context, intentID string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE credit_intents SET status = $2
         WHERE id = $1 AND status = $3`,
		intentID, IntentFailed, IntentPending)
	return err
}

func (s *LedgerStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*CreditIntent, error) {
	intents := []*CreditIntent{}
	err := s.db.SelectContext(ctx, &intents, `
        SELECT * FROM credit_intents
        WHERE status = $1 AND created_at < $2
        ORDER BY created_at ASC`,
		IntentPending, cutoff)
	return intents, err
}

// ListCommittedByTenant returns the committed intent log in commit order,
// the replayable audit trail for Verify and the wallet endpoint.
func (s *LedgerStore) ListCommittedByTenant(ctx context.Context, tenantID string, limit int) ([]*CreditIntent, error) {
	intents := []*CreditIntent{}
	err := s.db.SelectContext(ctx, &intents, `
        SELECT * FROM credit_intents
        WHERE tenant_id = $1 AND status = $2
        ORDER BY committed_at ASC
        LIMIT $3`,
		tenantID, IntentCommitted, limit)
	return intents, err
}
