package retry

import (
	"math/rand/v2"
	"time"
)

// Outcome is the tagged result of a stage attempt. Retryability is decided
// from the tag, never from error types bubbling up the call stack.
type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	}
	return "unknown"
}

// Policy computes the delay schedule for one stage type. Delays grow
// exponentially from Base up to Cap, with up to 10% jitter so retries from
// concurrent workers do not align.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
}

// Delay returns the backoff before the given attempt (1-based). The first
// attempt has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := float64(p.Base)
	for i := 2; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}

	jitter := 1 + (rand.Float64()-0.5)*0.2
	delay := time.Duration(d * jitter)
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}

// Exhausted reports whether the attempt budget is spent after the given
// number of consumed attempts.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
