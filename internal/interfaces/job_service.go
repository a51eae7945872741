package interfaces

import "context"

// JobCanceller requests cancellation of a job in any non-terminal state.
// Running jobs get a graceful-then-forceful engine shutdown; pending and
// queued jobs are cancelled directly and their eventual dequeue is a no-op.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) error
}
