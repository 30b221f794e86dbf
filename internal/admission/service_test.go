package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creatorlens/creatorlens/internal/clients"
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/ledger"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCollector = metrics.NewCollector(config.RemoteWriteConfig{})

var testCosts = config.CostConfig{FreshProfile: 1, FullProfile: 10}

type fakeJobStore struct {
	jobs       []*db.Job
	quota      *db.TenantQuota
	createErr  error
	increments int
}

func (f *fakeJobStore) CreateJob(_ context.Context, j *db.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeJobStore) GetTenantQuota(_ context.Context, tenantID string) (*db.TenantQuota, error) {
	if f.quota == nil {
		return nil, db.ErrJobNotFound
	}
	return f.quota, nil
}

func (f *fakeJobStore) IncrementJobsToday(_ context.Context, tenantID string) error {
	f.increments++
	return nil
}

type fakeReserver struct {
	reserveErr error
	reserved   []int64
	released   []string
}

func (f *fakeReserver) Reserve(_ context.Context, tenantID, jobID string, amount int64) (string, error) {
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	f.reserved = append(f.reserved, amount)
	return "intent-1", nil
}

func (f *fakeReserver) Release(_ context.Context, reserveIntentID string) (int64, error) {
	f.released = append(f.released, reserveIntentID)
	return 0, nil
}

type fakeLanes struct {
	entries []*queue.Entry
	pushErr error
}

func (f *fakeLanes) Push(_ context.Context, e *queue.Entry) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.entries = append(f.entries, e)
	return nil
}

type fakeEntityStore struct {
	fresh    []string
	freshErr error
}

func (f *fakeEntityStore) Upsert(_ context.Context, p clients.RawProfile) (clients.Entity, error) {
	return clients.Entity{}, nil
}

func (f *fakeEntityStore) FreshUsernames(_ context.Context, usernames []string) ([]string, error) {
	if f.freshErr != nil {
		return nil, f.freshErr
	}
	return f.fresh, nil
}

func (f *fakeEntityStore) Lookup(_ context.Context, usernames []string) ([]clients.Entity, error) {
	return nil, nil
}

func defaultQuota() *db.TenantQuota {
	return &db.TenantQuota{
		TenantID:          "tenant-a",
		Tier:              db.TierStandard,
		MaxConcurrentJobs: 3,
		DailyJobLimit:     20,
		JobsToday:         0,
		QuotaDate:         time.Now().UTC(),
	}
}

func newTestService(repo *fakeJobStore, reserver *fakeReserver, lanes *fakeLanes, store *fakeEntityStore) *Service {
	return NewService(repo, reserver, lanes, store, testCosts, testCollector, zap.NewNop())
}

func TestSubmit_HappyPath(t *testing.T) {
	repo := &fakeJobStore{quota: defaultQuota()}
	reserver := &fakeReserver{}
	lanes := &fakeLanes{}
	svc := newTestService(repo, reserver, lanes, &fakeEntityStore{})

	job, err := svc.Submit(context.Background(), "tenant-a", []string{"alice", "bob"}, db.PriorityHigh)
	require.NoError(t, err)

	assert.Equal(t, db.StatusQueued, job.Status)
	assert.Equal(t, db.StageFetch, job.CurrentStage)
	assert.Equal(t, db.PriorityHigh, job.Priority)
	assert.Equal(t, "intent-1", job.ReserveIntentID)
	assert.Equal(t, int64(20), job.CreditsReserved, "two unknown profiles at full price")

	require.Len(t, repo.jobs, 1)
	assert.Equal(t, 1, repo.increments)
	require.Len(t, lanes.entries, 1)
	assert.Equal(t, job.ID, lanes.entries[0].JobID)
	assert.Equal(t, db.PriorityHigh, lanes.entries[0].Priority)
}

func TestSubmit_DedupesAndTrims(t *testing.T) {
	repo := &fakeJobStore{quota: defaultQuota()}
	svc := newTestService(repo, &fakeReserver{}, &fakeLanes{}, &fakeEntityStore{})

	job, err := svc.Submit(context.Background(), "tenant-a",
		[]string{" alice ", "bob", "alice", "", "bob"}, db.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, db.StringSlice{"alice", "bob"}, job.Usernames)
}

func TestSubmit_RejectsEmptyList(t *testing.T) {
	svc := newTestService(&fakeJobStore{quota: defaultQuota()}, &fakeReserver{}, &fakeLanes{}, &fakeEntityStore{})

	_, err := svc.Submit(context.Background(), "tenant-a", []string{"  ", ""}, db.PriorityNormal)
	require.ErrorIs(t, err, ErrInvalidUsernames)
}

func TestSubmit_RejectsTooManyUsernames(t *testing.T) {
	svc := newTestService(&fakeJobStore{quota: defaultQuota()}, &fakeReserver{}, &fakeLanes{}, &fakeEntityStore{})

	usernames := make([]string, MaxUsernames+1)
	for i := range usernames {
		usernames[i] = string(rune('a' + i))
	}
	_, err := svc.Submit(context.Background(), "tenant-a", usernames, db.PriorityNormal)
	require.ErrorIs(t, err, ErrInvalidUsernames)
}

func TestSubmit_QuotaExceeded(t *testing.T) {
	quota := defaultQuota()
	quota.JobsToday = quota.DailyJobLimit
	repo := &fakeJobStore{quota: quota}
	reserver := &fakeReserver{}
	svc := newTestService(repo, reserver, &fakeLanes{}, &fakeEntityStore{})

	_, err := svc.Submit(context.Background(), "tenant-a", []string{"alice"}, db.PriorityNormal)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Empty(t, reserver.reserved, "no reservation before the quota gate")
	assert.Empty(t, repo.jobs)
}

func TestSubmit_QuotaResetsOnNewDay(t *testing.T) {
	quota := defaultQuota()
	quota.JobsToday = quota.DailyJobLimit
	quota.QuotaDate = time.Now().UTC().Add(-48 * time.Hour)
	repo := &fakeJobStore{quota: quota}
	svc := newTestService(repo, &fakeReserver{}, &fakeLanes{}, &fakeEntityStore{})

	_, err := svc.Submit(context.Background(), "tenant-a", []string{"alice"}, db.PriorityNormal)
	require.NoError(t, err, "yesterday's counter must not block today")
}

func TestSubmit_InsufficientBalance(t *testing.T) {
	repo := &fakeJobStore{quota: defaultQuota()}
	reserver := &fakeReserver{reserveErr: ledger.ErrInsufficientBalance}
	svc := newTestService(repo, reserver, &fakeLanes{}, &fakeEntityStore{})

	_, err := svc.Submit(context.Background(), "tenant-a", []string{"alice"}, db.PriorityNormal)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Empty(t, repo.jobs, "no job row without a reservation")
	assert.Equal(t, 0, repo.increments)
}

func TestSubmit_ReleasesReservationWhenCreateFails(t *testing.T) {
	repo := &fakeJobStore{quota: defaultQuota(), createErr: errors.New("db down")}
	reserver := &fakeReserver{}
	svc := newTestService(repo, reserver, &fakeLanes{}, &fakeEntityStore{})

	_, err := svc.Submit(context.Background(), "tenant-a", []string{"alice"}, db.PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, []string{"intent-1"}, reserver.released)
}

func TestSubmit_SurvivesLanePushFailure(t *testing.T) {
	repo := &fakeJobStore{quota: defaultQuota()}
	lanes := &fakeLanes{pushErr: errors.New("redis down")}
	svc := newTestService(repo, &fakeReserver{}, lanes, &fakeEntityStore{})

	job, err := svc.Submit(context.Background(), "tenant-a", []string{"alice"}, db.PriorityNormal)
	require.NoError(t, err, "the row is authoritative; the reconcile loop repairs the lane")
	assert.Equal(t, db.StatusQueued, job.Status)
}

func TestEstimateCost_MixedFreshness(t *testing.T) {
	store := &fakeEntityStore{fresh: []string{"alice"}}
	svc := newTestService(&fakeJobStore{quota: defaultQuota()}, &fakeReserver{}, &fakeLanes{}, store)

	cost := svc.EstimateCost(context.Background(), []string{"alice", "bob", "carol"})
	assert.Equal(t, int64(21), cost, "1 fresh + 2 full")
}

func TestEstimateCost_LookupFailurePricesWorstCase(t *testing.T) {
	store := &fakeEntityStore{freshErr: errors.New("storage down")}
	svc := newTestService(&fakeJobStore{quota: defaultQuota()}, &fakeReserver{}, &fakeLanes{}, store)

	cost := svc.EstimateCost(context.Background(), []string{"alice", "bob"})
	assert.Equal(t, int64(20), cost)
}
