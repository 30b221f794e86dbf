package handlers

import (
	"github.com/creatorlens/creatorlens/internal/admission"
	"github.com/creatorlens/creatorlens/internal/breaker"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/ledger"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/creatorlens/creatorlens/internal/status"
	"go.uber.org/zap"
)

type Handler struct {
	repo      *db.Repository
	admission *admission.Service
	ledger    *ledger.Service
	publisher *status.Publisher
	lanes     *queue.RedisQueue
	breakers  *breaker.Registry
	logger    *zap.Logger
}

func NewHandler(
	repo *db.Repository,
	admissionSvc *admission.Service,
	ledgerSvc *ledger.Service,
	publisher *status.Publisher,
	lanes *queue.RedisQueue,
	breakers *breaker.Registry,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		repo:      repo,
		admission: admissionSvc,
		ledger:    ledgerSvc,
		publisher: publisher,
		lanes:     lanes,
		breakers:  breakers,
		logger:    logger,
	}
}
