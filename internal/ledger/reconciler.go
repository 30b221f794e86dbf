package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler resolves intents stuck in pending. The commit point for every
// ledger operation is the single storage transaction that moves the
// balance, so a pending intent older than the threshold never applied its
// delta and is safe to roll back.
type Reconciler struct {
	service   *Service
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger
}

func NewReconciler(service *Service, interval, threshold time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		service:   service,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping ledger reconciler")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep rolls back pending intents older than the threshold and reports
// how many it resolved.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := r.service.now().Add(-r.threshold)
	stale, err := r.service.store.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, intent := range stale {
		if err := r.service.store.MarkIntentFailed(ctx, intent.ID); err != nil {
			r.logger.Error("Failed to resolve stale intent",
				zap.Error(err),
				zap.String("intent_id", intent.ID),
			)
			continue
		}
		r.service.metrics.RecordStaleIntentResolved(intent.TenantID)
		r.logger.Warn("Rolled back stale pending intent",
			zap.String("intent_id", intent.ID),
			zap.String("tenant_id", intent.TenantID),
			zap.String("kind", string(intent.Kind)),
			zap.Int64("amount", intent.Amount),
			zap.Time("created_at", intent.CreatedAt),
		)
	}

	return nil
}
