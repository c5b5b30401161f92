package utils

import (
	"math"
	"math/rand"
	"time"
)

// Backoff produces exponentially growing retry delays, optionally with
// full jitter so concurrent retriers spread out instead of hammering the
// upstream in lockstep.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
	Attempts     int
}

func NewBackoff(initial time.Duration, max time.Duration) *Backoff {
	return &Backoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
	}
}

// Next returns the delay for the current attempt and advances the counter.
// With Jitter set, the returned delay is drawn uniformly from (0, d].
func (b *Backoff) Next() time.Duration {
	delay := float64(b.InitialDelay) * math.Pow(b.Factor, float64(b.Attempts))
	b.Attempts++

	d := time.Duration(delay)
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	if b.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)) + 1)
	}
	return d
}

func (b *Backoff) Reset() {
	b.Attempts = 0
}
