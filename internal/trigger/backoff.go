// Package trigger holds shared plumbing for the chain stream clients
// (evmstream, cosmosstream) and the cadence scheduler, all of which feed
// normalized trigger actions into the dispatcher.
package trigger

import (
	"math/rand"
	"time"
)

// Backoff computes jittered exponential reconnect delays, capped at max.
// Same shape as the retry helpers scattered through the teacher's
// infrastructure clients (gasbank, chain): double on each attempt, clamp,
// then jitter by up to 20% to avoid every operator's stream client
// reconnecting to the same RPC endpoint in lockstep.
type Backoff struct {
	base time.Duration
	max  time.Duration
}

// NewBackoff builds a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return Backoff{base: base, max: max}
}

// Delay returns the backoff duration for the given zero-indexed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.base << uint(attempt)
	if d <= 0 || d > b.max { // overflow or past cap
		d = b.max
	}
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(span))
}
