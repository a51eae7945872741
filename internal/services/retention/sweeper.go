package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
	"github.com/fingolabs/fingo/internal/worker"
)

// Sweeper removes terminal jobs past their retention TTL, together with
// their logs, arena directories, and event streams. Ongoing jobs are never
// touched.
type Sweeper struct {
	logger   arbor.ILogger
	storage  interfaces.StorageManager
	bus      interfaces.EventBus
	arenas   *worker.ArenaManager
	ttl      time.Duration
	schedule string
	cron     *cron.Cron
}

// NewSweeper creates a retention sweeper. schedule is a cron expression,
// e.g. "@every 1h".
func NewSweeper(
	logger arbor.ILogger,
	storage interfaces.StorageManager,
	bus interfaces.EventBus,
	arenas *worker.ArenaManager,
	ttl time.Duration,
	schedule string,
) *Sweeper {
	return &Sweeper{
		logger:   logger,
		storage:  storage,
		bus:      bus,
		arenas:   arenas,
		ttl:      ttl,
		schedule: schedule,
	}
}

// Start schedules the periodic sweep.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()

	s.logger.Info().
		Str("schedule", s.schedule).
		Str("ttl", s.ttl.String()).
		Msg("Retention sweeper started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep removes every terminal job whose completion is older than the TTL.
// Returns the number of jobs removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)

	jobs, err := s.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		StatusGroup: models.StatusGroupTerminal,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	removed := 0
	for _, job := range jobs {
		if job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}

		if err := s.storage.JobLogStorage().DeleteLines(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete job logs")
			continue
		}
		if err := s.arenas.Release(job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to remove arena")
		}
		s.bus.Drop(job.ID)
		if err := s.storage.JobStorage().DeleteJob(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete job")
			continue
		}

		s.logger.Debug().
			Str("job_id", job.ID).
			Str("completed_at", job.CompletedAt.Format(time.RFC3339)).
			Msg("Swept expired job")
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Retention sweep finished")
	}
	return removed, nil
}
