package metrics

import (
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	config *config.RemoteWriteConfig

	// Job lifecycle
	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRunning   *prometheus.GaugeVec
	jobDuration   *prometheus.HistogramVec

	// Pipeline stages
	stageAttempts *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec

	// Scheduler
	queueDepth      *prometheus.GaugeVec
	dispatchSkips   *prometheus.CounterVec
	agingDispatches prometheus.Counter

	// Circuit breakers
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec

	// Credit ledger
	creditMovements      *prometheus.CounterVec
	ledgerConflicts      *prometheus.CounterVec
	staleIntentsResolved *prometheus.CounterVec
	walletBalance        *prometheus.GaugeVec
}

func NewCollector(cfg config.RemoteWriteConfig) *Collector {
	return &Collector{
		config: &cfg,

		jobsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_jobs_submitted_total",
				Help: "Jobs accepted by admission control",
			},
			[]string{"tenant_id", "priority"},
		),

		jobsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_jobs_finished_total",
				Help: "Jobs reaching a terminal status",
			},
			[]string{"tenant_id", "priority", "status"},
		),

		jobsRunning: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "creatorlens_jobs_running",
				Help: "Jobs currently claimed by a worker",
			},
			[]string{"tenant_id"},
		),

		jobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creatorlens_job_duration_seconds",
				Help:    "Wall time from claim to terminal status",
				Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
			},
			[]string{"tenant_id", "priority", "status"},
		),

		stageAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_stage_attempts_total",
				Help: "Stage attempts by outcome",
			},
			[]string{"stage", "outcome"},
		),

		stageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creatorlens_stage_duration_seconds",
				Help:    "Duration of individual stage attempts",
				Buckets: []float64{.5, 1, 5, 15, 30, 60, 90, 120},
			},
			[]string{"stage"},
		),

		stageRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_stage_retries_total",
				Help: "Retry attempts consumed per stage",
			},
			[]string{"stage"},
		),

		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "creatorlens_queue_depth",
				Help: "Entries waiting per priority lane",
			},
			[]string{"lane"},
		),

		dispatchSkips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_dispatch_skips_total",
				Help: "Jobs skipped at dispatch",
			},
			[]string{"reason"},
		),

		agingDispatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "creatorlens_aging_dispatches_total",
				Help: "Low-lane jobs dispatched by the starvation-avoidance rule",
			},
		),

		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "creatorlens_breaker_state",
				Help: "Breaker state per dependency (0 closed, 1 half-open, 2 open)",
			},
			[]string{"dependency"},
		),

		breakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_breaker_trips_total",
				Help: "Times a breaker transitioned to open",
			},
			[]string{"dependency"},
		),

		creditMovements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_credit_movements_total",
				Help: "Credits moved through the ledger by intent kind",
			},
			[]string{"tenant_id", "kind"},
		),

		ledgerConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_ledger_conflicts_total",
				Help: "Ledger operations that exhausted the optimistic retry budget",
			},
			[]string{"tenant_id"},
		),

		staleIntentsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creatorlens_stale_intents_resolved_total",
				Help: "Pending intents rolled back by the reconciliation sweep",
			},
			[]string{"tenant_id"},
		),

		walletBalance: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "creatorlens_wallet_balance",
				Help: "Last observed wallet balance per tenant",
			},
			[]string{"tenant_id"},
		),
	}
}

func (c *Collector) RecordJobSubmitted(tenantID, priority string) {
	c.jobsSubmitted.WithLabelValues(tenantID, priority).Inc()
}

func (c *Collector) RecordJobFinished(tenantID, priority, status string, seconds float64) {
	c.jobsFinished.WithLabelValues(tenantID, priority, status).Inc()
	c.jobDuration.WithLabelValues(tenantID, priority, status).Observe(seconds)
}

func (c *Collector) SetRunningJobs(tenantID string, n int) {
	c.jobsRunning.WithLabelValues(tenantID).Set(float64(n))
}

func (c *Collector) RecordStageAttempt(stage, outcome string, seconds float64) {
	c.stageAttempts.WithLabelValues(stage, outcome).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(seconds)
}

func (c *Collector) RecordStageRetry(stage string) {
	c.stageRetries.WithLabelValues(stage).Inc()
}

func (c *Collector) SetQueueDepth(lane string, depth int64) {
	c.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func (c *Collector) RecordDispatchSkip(reason string) {
	c.dispatchSkips.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordAgingDispatch() {
	c.agingDispatches.Inc()
}

func (c *Collector) SetBreakerState(dependency string, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	c.breakerState.WithLabelValues(dependency).Set(v)
}

func (c *Collector) RecordBreakerTrip(dependency string) {
	c.breakerTrips.WithLabelValues(dependency).Inc()
}

func (c *Collector) RecordCreditMovement(tenantID, kind string, amount int64) {
	c.creditMovements.WithLabelValues(tenantID, kind).Add(float64(amount))
}

func (c *Collector) RecordLedgerConflict(tenantID string) {
	c.ledgerConflicts.WithLabelValues(tenantID).Inc()
}

func (c *Collector) RecordStaleIntentResolved(tenantID string) {
	c.staleIntentsResolved.WithLabelValues(tenantID).Inc()
}

func (c *Collector) SetWalletBalance(tenantID string, balance int64) {
	c.walletBalance.WithLabelValues(tenantID).Set(float64(balance))
}
