package interfaces

import (
	"context"

	"github.com/fingolabs/fingo/internal/models"
)

// JobListOptions filters and paginates job listings.
type JobListOptions struct {
	StatusGroup models.StatusGroup
	Kind        models.JobKind
	Limit       int
	Offset      int
}

// JobStorage is the single source of truth for job state. All mutations are
// atomic with respect to a single job id; UpdateStatus enforces the state
// machine and rejects illegal transitions.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context, opts *JobListOptions) (int, error)

	// UpdateStatus transitions the job, recording started_at/completed_at
	// as appropriate. jobErr is stored only for failed transitions.
	// Returns *models.InvalidTransitionError on an illegal edge.
	UpdateStatus(ctx context.Context, jobID string, status models.JobStatus, jobErr *models.JobError) (*models.Job, error)

	// UpdateProgress persists the cheap progress fields for a non-terminal job.
	UpdateProgress(ctx context.Context, jobID string, progress models.Progress) error

	// AppendArtifact records a produced output. Duplicate name+step pairs
	// are ignored so crash redelivery cannot double-record.
	AppendArtifact(ctx context.Context, jobID string, artifact models.Artifact) error

	// IncrementAttempts bumps the delivery counter and returns the new value.
	IncrementAttempts(ctx context.Context, jobID string) (int, error)

	DeleteJob(ctx context.Context, jobID string) error
}

// JobLogStorage persists raw engine output lines per job.
type JobLogStorage interface {
	AppendLine(ctx context.Context, jobID, level, message string) error
	GetLines(ctx context.Context, jobID string, limit, offset int) ([]*models.JobLogLine, error)
	CountLines(ctx context.Context, jobID string) (int, error)
	DeleteLines(ctx context.Context, jobID string) error
}

// StorageManager bundles the storage interfaces behind one lifecycle.
type StorageManager interface {
	JobStorage() JobStorage
	JobLogStorage() JobLogStorage
	Close() error
}
