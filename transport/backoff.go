package transport

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base·2^attempt, capped at Max, then spread
// by ±Jitter so that backends dropped together do not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64        // fraction of the delay, 0.2 → ±20%
	Rand   func() float64 // returns [0,1); nil uses math/rand
}

// DefaultBackoff is 1s doubling up to 30s with ±20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*r()-1)))
	}
	return d
}
