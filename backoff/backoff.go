// Package backoff holds the tiered retry schedule shared by message retries
// and connection reconnects.
package backoff

import "time"

// Backoff is a fixed sequence of delay tiers. Delays past the last tier hold at
// the final tier.
type Backoff struct {
	Tiers []time.Duration
}

// Default returns the 1s, 5s, 15s, 60s schedule.
func Default() Backoff {
	return Backoff{Tiers: []time.Duration{
		1 * time.Second,
		5 * time.Second,
		15 * time.Second,
		60 * time.Second,
	}}
}

// Delay returns the delay for tier index i (0-based), clamped to the last tier.
func (b Backoff) Delay(i int) time.Duration {
	if len(b.Tiers) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(b.Tiers) {
		i = len(b.Tiers) - 1
	}
	return b.Tiers[i]
}

// Validate reports tiers that are non-positive or decreasing.
func (b Backoff) Validate() error {
	if len(b.Tiers) == 0 {
		return errEmpty
	}
	for i, d := range b.Tiers {
		if d <= 0 {
			return &TierError{Index: i, Delay: d}
		}
		if i > 0 && d < b.Tiers[i-1] {
			return &TierError{Index: i, Delay: d}
		}
	}
	return nil
}
