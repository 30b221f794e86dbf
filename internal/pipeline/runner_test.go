package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/creatorlens/creatorlens/internal/breaker"
	"github.com/creatorlens/creatorlens/internal/clients"
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/creatorlens/creatorlens/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCollector = metrics.NewCollector(config.RemoteWriteConfig{})

type fakeStore struct {
	progressCalls int
	finished      []db.JobStatus
	finishReason  *string
	requeued      []string
	// cancelAt answers CancelRequested true from the nth call on (1-based);
	// zero never cancels.
	cancelAt    int
	cancelCalls int
}

func (f *fakeStore) UpdateJobProgress(_ context.Context, j *db.Job) error {
	f.progressCalls++
	return nil
}

func (f *fakeStore) FinishJob(_ context.Context, j *db.Job, status db.JobStatus, reason *string) error {
	f.finished = append(f.finished, status)
	f.finishReason = reason
	// The row settles credits_reserved to credits_charged in the same
	// UPDATE that flips the status.
	j.CreditsReserved = j.CreditsCharged
	return nil
}

func (f *fakeStore) RequeueJob(_ context.Context, id string) error {
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeStore) CancelRequested(_ context.Context, id string) (bool, error) {
	f.cancelCalls++
	return f.cancelAt > 0 && f.cancelCalls >= f.cancelAt, nil
}

type fakeLedger struct {
	charged   []int64
	chargeErr error
	refunded  []string
	released  []string
}

func (f *fakeLedger) Charge(_ context.Context, reserveIntentID string, actual int64) (int64, error) {
	if f.chargeErr != nil {
		return 0, f.chargeErr
	}
	f.charged = append(f.charged, actual)
	return 0, nil
}

func (f *fakeLedger) Refund(_ context.Context, reserveIntentID string) (int64, error) {
	f.refunded = append(f.refunded, reserveIntentID)
	return 0, nil
}

func (f *fakeLedger) Release(_ context.Context, reserveIntentID string) (int64, error) {
	f.released = append(f.released, reserveIntentID)
	return 0, nil
}

type fakeLanes struct {
	entries []*queue.Entry
}

func (f *fakeLanes) Push(_ context.Context, e *queue.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakePublisher struct {
	progress int
	terminal int
}

func (f *fakePublisher) PublishProgress(_ context.Context, j *db.Job) error {
	f.progress++
	return nil
}

func (f *fakePublisher) PublishTerminal(_ context.Context, j *db.Job) error {
	f.terminal++
	return nil
}

// scriptedFetcher fails with the scripted errors in order, then succeeds.
type scriptedFetcher struct {
	errs  []error
	calls int
}

func (f *scriptedFetcher) Fetch(_ context.Context, usernames []string) ([]clients.RawProfile, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]clients.RawProfile, len(usernames))
	for i, u := range usernames {
		out[i] = clients.RawProfile{Username: u, FetchedAt: time.Now()}
	}
	return out, nil
}

type fakeEntityStore struct {
	fresh      []string
	upserts    int
	lookups    int
	analyzeErr error
}

func (f *fakeEntityStore) Upsert(_ context.Context, p clients.RawProfile) (clients.Entity, error) {
	f.upserts++
	return clients.Entity{ID: "e-" + p.Username, Username: p.Username}, nil
}

func (f *fakeEntityStore) FreshUsernames(_ context.Context, usernames []string) ([]string, error) {
	return f.fresh, nil
}

func (f *fakeEntityStore) Lookup(_ context.Context, usernames []string) ([]clients.Entity, error) {
	f.lookups++
	out := make([]clients.Entity, len(usernames))
	for i, u := range usernames {
		out[i] = clients.Entity{ID: "e-" + u, Username: u}
	}
	return out, nil
}

type fakeDeriver struct {
	calls int
	err   error
}

func (f *fakeDeriver) DeriveAssets(_ context.Context, e clients.Entity) (clients.AssetRefs, error) {
	f.calls++
	if f.err != nil {
		return clients.AssetRefs{}, f.err
	}
	return clients.AssetRefs{EntityID: e.ID, Refs: []string{"ref-1"}}, nil
}

type fakeAnalyzer struct {
	calls int
	err   error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, e clients.Entity) (clients.AnalysisResult, error) {
	f.calls++
	if f.err != nil {
		return clients.AnalysisResult{}, f.err
	}
	return clients.AnalysisResult{EntityID: e.ID}, nil
}

type runnerFixture struct {
	runner    *Runner
	store     *fakeStore
	ledger    *fakeLedger
	lanes     *fakeLanes
	publisher *fakePublisher
	fetcher   *scriptedFetcher
	entities  *fakeEntityStore
	deriver   *fakeDeriver
	analyzer  *fakeAnalyzer
	breakers  *breaker.Registry
}

func newFixture() *runnerFixture {
	f := &runnerFixture{
		store:     &fakeStore{},
		ledger:    &fakeLedger{},
		lanes:     &fakeLanes{},
		publisher: &fakePublisher{},
		fetcher:   &scriptedFetcher{},
		entities:  &fakeEntityStore{},
		deriver:   &fakeDeriver{},
		analyzer:  &fakeAnalyzer{},
	}
	f.breakers = breaker.NewRegistry(map[string]breaker.Settings{
		config.DepFetchAPI:  {FailureThreshold: 5, Cooldown: 30 * time.Second},
		config.DepStorage:   {FailureThreshold: 3, Cooldown: 15 * time.Second},
		config.DepInference: {FailureThreshold: 4, Cooldown: 2 * time.Minute},
	}, nil, zap.NewNop())

	policy := retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 10 * time.Millisecond, Multiplier: 2}
	policies := map[db.Stage]retry.Policy{
		db.StageFetch:   policy,
		db.StagePersist: policy,
		db.StageDerive:  policy,
		db.StageAnalyze: policy,
	}

	f.runner = NewRunner(
		f.store,
		f.ledger,
		clients.Set{Fetcher: f.fetcher, Store: f.entities, Deriver: f.deriver, Analyzer: f.analyzer},
		f.breakers,
		policies,
		f.lanes,
		f.publisher,
		config.CostConfig{FreshProfile: 1, FullProfile: 10},
		time.Minute,
		testCollector,
		zap.NewNop(),
	)
	f.runner.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return f
}

func testJob() *db.Job {
	return &db.Job{
		ID:              "job-1",
		TenantID:        "tenant-a",
		Priority:        db.PriorityNormal,
		Usernames:       db.StringSlice{"alice", "bob"},
		Status:          db.StatusRunning,
		CurrentStage:    db.StageFetch,
		StageHistory:    db.StageHistory{},
		ReserveIntentID: "res-1",
		CreditsReserved: 20,
		CreatedAt:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func successStages(history db.StageHistory) []db.Stage {
	var out []db.Stage
	for _, rec := range history {
		if rec.Outcome == db.OutcomeSuccess {
			out = append(out, rec.Stage)
		}
	}
	return out
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture()
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result)

	assert.Equal(t,
		[]db.Stage{db.StageFetch, db.StagePersist, db.StageDerive, db.StageAnalyze},
		successStages(job.StageHistory),
		"all four stages succeed in order")

	assert.Equal(t, []db.JobStatus{db.StatusCompleted}, f.store.finished)
	assert.Equal(t, []int64{20}, f.ledger.charged, "both profiles stale, full price")
	assert.Equal(t, int64(20), job.CreditsCharged)
	assert.Equal(t, job.CreditsCharged, job.CreditsReserved, "terminal row holds only what was charged")
	assert.Equal(t, 1, f.fetcher.calls)
	assert.Equal(t, 2, f.entities.upserts)
	assert.Equal(t, 2, f.deriver.calls)
	assert.Equal(t, 2, f.analyzer.calls)
	assert.Equal(t, 4, f.publisher.progress)
	assert.Equal(t, 1, f.publisher.terminal)
	assert.Empty(t, f.ledger.refunded)
}

func TestRun_FreshProfilesChargedLess(t *testing.T) {
	f := newFixture()
	f.entities.fresh = []string{"alice"}
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result)
	assert.Equal(t, []int64{11}, f.ledger.charged, "one fresh profile at 1, one stale at 10")
}

func TestRun_TransientFailuresRetryThenSucceed(t *testing.T) {
	f := newFixture()
	f.fetcher.errs = []error{
		fmt.Errorf("fetch: %w", clients.ErrTransient),
		fmt.Errorf("fetch: %w", clients.ErrRateLimited),
	}
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result)
	assert.Equal(t, 3, f.fetcher.calls)

	var transient int
	for _, rec := range job.StageHistory {
		if rec.Stage == db.StageFetch && rec.Outcome == db.OutcomeTransient {
			transient++
		}
	}
	assert.Equal(t, 2, transient, "both failed attempts recorded")
}

func TestRun_RetriesExhaustedDeadLetters(t *testing.T) {
	f := newFixture()
	f.fetcher.errs = []error{
		fmt.Errorf("fetch: %w", clients.ErrTransient),
		fmt.Errorf("fetch: %w", clients.ErrTransient),
		fmt.Errorf("fetch: %w", clients.ErrTransient),
	}
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultDeadLettered, result)

	assert.Equal(t, []db.JobStatus{db.StatusDeadLetter}, f.store.finished)
	require.NotNil(t, f.store.finishReason)
	assert.Contains(t, *f.store.finishReason, "retries exhausted")
	assert.Equal(t, []string{"res-1"}, f.ledger.refunded, "dead letter refunds the reservation")
	assert.Empty(t, f.ledger.charged)
	assert.Equal(t, 3, f.fetcher.calls, "attempt budget fully consumed")
}

func TestRun_PermanentFailureDeadLettersImmediately(t *testing.T) {
	f := newFixture()
	f.fetcher.errs = []error{fmt.Errorf("fetch alice: %w", clients.ErrNotFound)}
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultDeadLettered, result)
	assert.Equal(t, 1, f.fetcher.calls, "no retries for a permanent failure")
	assert.Equal(t, []string{"res-1"}, f.ledger.refunded)

	// The dependency answered; its breaker must not count this.
	br, _ := f.breakers.Get(config.DepFetchAPI)
	assert.Equal(t, breaker.StateClosed, br.State())
	assert.Equal(t, 0, br.ConsecutiveFailures())
}

func TestRun_OpenBreakerRequeuesWithoutConsumingAttempt(t *testing.T) {
	f := newFixture()
	br, _ := f.breakers.Get(config.DepFetchAPI)
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	job := testJob()
	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultRequeued, result)

	assert.Equal(t, 0, f.fetcher.calls, "no external call through an open circuit")
	assert.Equal(t, []string{"job-1"}, f.store.requeued)
	require.Len(t, f.lanes.entries, 1)
	assert.Equal(t, job.CreatedAt, f.lanes.entries[0].CreatedAt, "original lane position preserved")
	assert.Equal(t, 0, job.Attempts(db.StageFetch), "fast-fail must not burn a retry attempt")
	assert.Empty(t, f.ledger.refunded)
	assert.Empty(t, f.store.finished, "requeue is not a terminal disposition")
}

func TestRun_CancelBetweenStages(t *testing.T) {
	f := newFixture()
	// First boundary check passes, second (before persist) sees the flag.
	f.store.cancelAt = 2
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, result)

	assert.Equal(t, 1, f.fetcher.calls, "fetch ran to completion before the boundary")
	assert.Equal(t, 0, f.entities.upserts, "persist never started")
	assert.Equal(t, []db.JobStatus{db.StatusCancelled}, f.store.finished)
	assert.Equal(t, []string{"res-1"}, f.ledger.released)
	assert.Equal(t, int64(0), job.CreditsReserved, "released reservation leaves nothing held")
}

func TestRun_DeadLetterZeroesReservation(t *testing.T) {
	f := newFixture()
	f.fetcher.errs = []error{
		fmt.Errorf("fetch: %w", clients.ErrTransient),
		fmt.Errorf("fetch: %w", clients.ErrTransient),
		fmt.Errorf("fetch: %w", clients.ErrTransient),
	}
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, ResultDeadLettered, result)

	assert.Equal(t, []string{"res-1"}, f.ledger.refunded)
	assert.Equal(t, int64(0), job.CreditsReserved, "a dead-lettered job holds no credits")
	assert.Equal(t, int64(0), job.CreditsCharged)
}

func TestRun_ResumesFromCurrentStage(t *testing.T) {
	f := newFixture()
	job := testJob()
	job.CurrentStage = db.StageDerive
	job.StageHistory = db.StageHistory{
		{Stage: db.StageFetch, Attempt: 1, Outcome: db.OutcomeSuccess},
		{Stage: db.StagePersist, Attempt: 1, Outcome: db.OutcomeSuccess},
	}

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result)

	assert.Equal(t, 0, f.fetcher.calls, "completed stages are not repeated")
	assert.Equal(t, 0, f.entities.upserts)
	assert.GreaterOrEqual(t, f.entities.lookups, 1, "entities reloaded from storage")
	assert.Equal(t, 2, f.deriver.calls)
	assert.Equal(t, 2, f.analyzer.calls)
	assert.Equal(t, []int64{20}, f.ledger.charged,
		"no runtime freshness split on a resumed job; the reservation stands")
}

func TestRun_ChargeFailureStillCompletes(t *testing.T) {
	f := newFixture()
	f.ledger.chargeErr = fmt.Errorf("ledger unavailable")
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result, "a ledger fault is an operator problem, not a tenant failure")
	assert.Equal(t, []db.JobStatus{db.StatusCompleted}, f.store.finished)
	assert.Equal(t, int64(0), job.CreditsCharged)
}

func TestRun_AnalyzeTransientBurnsInferenceBreaker(t *testing.T) {
	f := newFixture()
	f.analyzer.err = fmt.Errorf("inference: %w", clients.ErrModelUnavailable)
	job := testJob()

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultDeadLettered, result)

	br, _ := f.breakers.Get(config.DepInference)
	assert.Equal(t, 3, br.ConsecutiveFailures(), "each transient attempt counted against inference")

	fetchBr, _ := f.breakers.Get(config.DepFetchAPI)
	assert.Equal(t, 0, fetchBr.ConsecutiveFailures(), "failures are attributed per dependency")
}
