package control

import (
	"math/rand/v2"
	"time"
)

// Backoff schedules reconnect delays: exponential doubling from an initial
// delay up to a cap, with equal jitter so a fleet of agents restarting
// together does not hit the dispatcher in lockstep. Not safe for concurrent
// use; the reconnect loop owns it.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	cur     time.Duration
	jitter  func() float64
}

// NewBackoff builds a schedule from initial to max. Out-of-range inputs fall
// back to a sane 1s..1m window.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 1 * time.Second
	}
	if max < initial {
		max = 60 * time.Second
		if max < initial {
			max = initial
		}
	}
	return &Backoff{
		initial: initial,
		max:     max,
		cur:     initial,
		jitter:  rand.Float64,
	}
}

// Next returns the delay before the next attempt and advances the schedule.
// The returned delay lands in [base/2, base) where base doubles per call,
// capped at max.
func (b *Backoff) Next() time.Duration {
	base := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	half := base / 2
	return half + time.Duration(b.jitter()*float64(half))
}

// Reset rewinds the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.cur = b.initial
}
