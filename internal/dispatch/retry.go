package dispatch

import (
	"math/rand"
	"time"
)

// RetryPolicy controls per-destination transient-failure retries.
//
// The delay before attempt k (k >= 2) is Base * 2^(k-2), capped at MaxDelay,
// with a +/-Jitter fraction applied so synchronized posts don't retry in
// lockstep. A destination is done retrying once MaxAttempts attempts were
// made or MaxElapsed has passed since its first attempt.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	MaxElapsed  time.Duration
	Jitter      float64 // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Minute
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = 24 * time.Hour
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the backoff before the given attempt number.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := p.Base
	for i := 2; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether no further attempt may be made for a destination
// that has already made `attempts` attempts, the first at firstAt.
func (p RetryPolicy) Exhausted(attempts int, firstAt, now time.Time) bool {
	if attempts >= p.MaxAttempts {
		return true
	}
	if attempts > 0 && !firstAt.IsZero() && now.Sub(firstAt) >= p.MaxElapsed {
		return true
	}
	return false
}
