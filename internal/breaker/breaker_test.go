package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	b := NewWithClock("fetch_api", Settings{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	}, zap.NewNop(), clock.Now)
	return b, clock
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "below threshold stays closed")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// The count starts over; two more failures must not trip it.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen, "still inside cooldown")

	clock.Advance(time.Second)
	assert.NoError(t, b.Allow(), "cooldown elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	clock.Advance(30 * time.Second)

	require.NoError(t, b.Allow(), "first caller wins the probe")
	assert.ErrorIs(t, b.Allow(), ErrOpen, "second caller is short-circuited")
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.NoError(t, b.Allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "fresh cooldown after failed probe")

	// A second full cooldown earns another probe.
	clock.Advance(30 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestRegistry_GetAndStates(t *testing.T) {
	r := NewRegistry(map[string]Settings{
		"fetch_api": {FailureThreshold: 5, Cooldown: 30 * time.Second},
		"storage":   {FailureThreshold: 3, Cooldown: 15 * time.Second},
	}, nil, zap.NewNop())

	b, err := r.Get("fetch_api")
	require.NoError(t, err)
	assert.Equal(t, "fetch_api", b.Name())

	_, err = r.Get("unknown")
	require.Error(t, err)

	assert.Equal(t, []string{"fetch_api", "storage"}, r.Names())

	states := r.States()
	assert.Equal(t, StateClosed, states["fetch_api"])
	assert.Equal(t, StateClosed, states["storage"])
}

type fakeObserver struct {
	states map[string][]string
	trips  map[string]int
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{states: make(map[string][]string), trips: make(map[string]int)}
}

func (o *fakeObserver) SetBreakerState(dependency, state string) {
	o.states[dependency] = append(o.states[dependency], state)
}

func (o *fakeObserver) RecordBreakerTrip(dependency string) {
	o.trips[dependency]++
}

func TestBreaker_ObserverSeesTransitions(t *testing.T) {
	obs := newFakeObserver()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	b := NewWithClock("fetch_api", Settings{
		FailureThreshold: 2,
		Cooldown:         30 * time.Second,
	}, zap.NewNop(), clock.Now)
	b.observer = obs

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1, obs.trips["fetch_api"])

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{"open", "half_open", "closed"}, obs.states["fetch_api"])
	assert.Equal(t, 1, obs.trips["fetch_api"], "closing is not a trip")
}

func TestRegistry_ReportsInitialState(t *testing.T) {
	obs := newFakeObserver()
	r := NewRegistry(map[string]Settings{
		"storage": {FailureThreshold: 3, Cooldown: 15 * time.Second},
	}, obs, zap.NewNop())

	assert.Equal(t, []string{"closed"}, obs.states["storage"])

	b, err := r.Get("storage")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, []string{"closed", "open"}, obs.states["storage"])
	assert.Equal(t, 1, obs.trips["storage"])
}
