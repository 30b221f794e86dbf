package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned by Allow when the breaker short-circuits a call.
var ErrOpen = errors.New("circuit open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Settings struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Observer receives state transitions. *metrics.Collector implements it;
// a nil observer is ignored.
type Observer interface {
	SetBreakerState(dependency, state string)
	RecordBreakerTrip(dependency string)
}

// Breaker tracks consecutive failures for one external dependency. It is
// pure state plus a clock; the clock is injected so transitions are
// deterministic under test. The mutex is held only around state reads and
// writes, never across an external call.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger
	clock    func() time.Time
	observer Observer

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	return NewWithClock(name, settings, logger, time.Now)
}

func NewWithClock(name string, settings Settings, logger *zap.Logger, clock func() time.Time) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		clock:    clock,
		state:    StateClosed,
	}
}

func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In half_open exactly one
// caller wins the probe; everyone else is short-circuited until the probe
// resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.settings.Cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.observe()
		b.logger.Info("Circuit half-open, probing",
			zap.String("dependency", b.name),
		)
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count; a successful half-open probe
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("Circuit closed after probe success",
			zap.String("dependency", b.name),
		)
	}
	if b.state != StateClosed {
		b.state = StateClosed
		b.observe()
	}
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure; at the threshold the circuit opens, and
// a failed half-open probe reopens it with a fresh cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trip()
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.settings.FailureThreshold {
		b.trip()
	}
}

// trip must be called with the mutex held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.probing = false
	if b.observer != nil {
		b.observer.RecordBreakerTrip(b.name)
	}
	b.observe()
	b.logger.Warn("Circuit opened",
		zap.String("dependency", b.name),
		zap.Int("consecutive_failures", b.failures),
		zap.Duration("cooldown", b.settings.Cooldown),
	)
}

// Reset forces the breaker closed. Operator escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.observe()
	b.logger.Info("Circuit force-reset", zap.String("dependency", b.name))
}

// observe must be called with the mutex held.
func (b *Breaker) observe() {
	if b.observer != nil {
		b.observer.SetBreakerState(b.name, string(b.state))
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
