package delegation

import (
	"math/rand/v2"
	"time"
)

// jitter picks a uniformly random delay in [min, max). Competing instances
// that collided once draw different delays, so they stop colliding.
type jitter struct {
	min time.Duration
	max time.Duration
}

func newJitter(minDelay, maxDelay time.Duration) jitter {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return jitter{min: minDelay, max: maxDelay}
}

// Delay returns the next backoff duration.
func (j jitter) Delay() time.Duration {
	span := j.max - j.min
	if span <= 0 {
		return j.min
	}
	return j.min + time.Duration(rand.Int64N(int64(span))) //nolint:gosec // jitter intentionally uses non-crypto rand
}
