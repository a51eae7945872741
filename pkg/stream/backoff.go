package stream

import "time"

// Backoff produces the reconnect delay schedule: the initial delay doubles
// after every failure up to the cap, and resets after a successful connection.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// NewBackoff returns a backoff starting at initial and capped at max.
// Non-positive arguments fall back to 1s and 30s.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset returns the schedule to its initial delay.
func (b *Backoff) Reset() {
	b.next = 0
}
