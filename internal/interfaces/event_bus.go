package interfaces

import (
	"errors"

	"github.com/fingolabs/fingo/internal/models"
)

// ErrGapExceeded is returned by Subscribe when the requested resume point
// has already left the replay backlog. Not a failure: the caller falls back
// to a fresh authoritative snapshot from the job store.
var ErrGapExceeded = errors.New("resume gap exceeds event backlog")

// Subscription is one subscriber's view of a job stream. Events arrive in
// non-decreasing sequence order. The channel is closed after the terminal
// event has been delivered, or when the subscription is closed.
type Subscription interface {
	Events() <-chan models.ProgressEvent
	Close()
}

// EventBus fans job events out to any number of independent subscribers.
// Publishing never blocks on slow subscribers: a subscriber whose buffer is
// full loses the event (it can resync from the store snapshot).
type EventBus interface {
	// Publish assigns the job's next sequence number, retains the event in
	// the bounded replay backlog, and delivers it to live subscribers.
	// The returned event carries the assigned sequence.
	Publish(jobID string, event models.ProgressEvent) models.ProgressEvent

	// Subscribe attaches from just after the given sequence. Events still
	// in the backlog are replayed first, then the live tail follows.
	// fromSequence 0 with a non-empty history only succeeds while the
	// backlog still reaches back to the first event; otherwise
	// ErrGapExceeded is returned.
	Subscribe(jobID string, fromSequence uint64) (Subscription, error)

	// LastSequence returns the highest sequence assigned for the job.
	LastSequence(jobID string) uint64

	// Drop discards the job's stream and backlog, closing any subscribers.
	Drop(jobID string)
}
