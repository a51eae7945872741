package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

// JobStorage implements the JobStorage interface for Badger. Mutations are
// serialized per job id so concurrent updates to the same job never produce
// partial writes; operations on different jobs do not contend.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  sync.Map // job id -> *sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) lock(jobID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	mu := s.lock(job.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("%w: %s", models.ErrJobExists, job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	// Badgerhold drops an empty slice on the round trip; without this the
	// API would serialize "artifacts": null.
	if job.Artifacts == nil {
		job.Artifacts = []models.Artifact{}
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := buildJobQuery(opts)

	// Newest first
	query = query.SortBy("CreatedAt").Reverse()

	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		if jobs[i].Artifacts == nil {
			jobs[i].Artifacts = []models.Artifact{}
		}
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, buildJobQuery(opts))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func buildJobQuery(opts *interfaces.JobListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")

	if opts == nil {
		return query
	}
	if opts.StatusGroup != "" {
		statuses := opts.StatusGroup.Statuses()
		members := make([]interface{}, len(statuses))
		for i, st := range statuses {
			members[i] = st
		}
		query = query.And("Status").In(members...)
	}
	if opts.Kind != "" {
		query = query.And("Kind").Eq(opts.Kind)
	}
	return query
}

// UpdateStatus transitions the job atomically, enforcing the state machine.
// The stored record is left unchanged when the edge is illegal.
func (s *JobStorage) UpdateStatus(ctx context.Context, jobID string, status models.JobStatus, jobErr *models.JobError) (*models.Job, error) {
	mu := s.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.CanTransitionTo(status) {
		// Guards against duplicate terminal events from a flaky engine.
		invalidErr := &models.InvalidTransitionError{JobID: jobID, From: job.Status, To: status}
		s.logger.Error().
			Str("job_id", jobID).
			Str("from", string(job.Status)).
			Str("to", string(status)).
			Msg("Rejected illegal status transition")
		return nil, invalidErr
	}

	switch status {
	case models.JobStatusQueued:
		job.Status = models.JobStatusQueued
	case models.JobStatusRunning:
		job.MarkRunning()
	case models.JobStatusCompleted:
		job.MarkCompleted()
	case models.JobStatusFailed:
		job.MarkFailed(jobErr)
	case models.JobStatusCancelled:
		job.MarkCancelled()
	default:
		return nil, fmt.Errorf("unknown status: %s", status)
	}

	if err := s.db.Store().Update(jobID, job); err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return job, nil
}

// UpdateProgress persists the cheap progress fields. Progress never moves
// backward: a lower step than the stored one is dropped as stale.
func (s *JobStorage) UpdateProgress(ctx context.Context, jobID string, progress models.Progress) error {
	mu := s.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil // terminal jobs are immutable
	}
	if progress.CurrentStep < job.Progress.CurrentStep {
		return nil
	}

	job.Progress = progress
	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// AppendArtifact records a produced output. Duplicates (same name and step)
// are ignored so redelivery after a worker crash cannot double-record.
func (s *JobStorage) AppendArtifact(ctx context.Context, jobID string, artifact models.Artifact) error {
	mu := s.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	for _, existing := range job.Artifacts {
		if existing.Name == artifact.Name && existing.Step == artifact.Step {
			return nil
		}
	}

	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	job.Artifacts = append(job.Artifacts, artifact)

	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to append artifact: %w", err)
	}
	return nil
}

func (s *JobStorage) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	mu := s.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	job.Attempts++
	if err := s.db.Store().Update(jobID, job); err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return job.Attempts, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	mu := s.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	s.locks.Delete(jobID)
	return nil
}
