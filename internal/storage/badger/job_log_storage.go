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

// JobLogStorage persists raw engine output lines per job for the paginated
// log view and the debug bundle.
type JobLogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
	counts map[string]int // next line number per job, lazily loaded
}

// NewJobLogStorage creates a new JobLogStorage instance
func NewJobLogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobLogStorage {
	return &JobLogStorage{
		db:     db,
		logger: logger,
		counts: make(map[string]int),
	}
}

func (s *JobLogStorage) AppendLine(ctx context.Context, jobID, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := s.counts[jobID]
	if !ok {
		stored, err := s.countLocked(jobID)
		if err != nil {
			return err
		}
		next = stored
	}
	next++

	line := &models.JobLogLine{
		ID:         fmt.Sprintf("%s:%09d", jobID, next),
		JobID:      jobID,
		LineNumber: next,
		Level:      level,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.db.Store().Upsert(line.ID, line); err != nil {
		return fmt.Errorf("failed to append log line: %w", err)
	}
	s.counts[jobID] = next
	return nil
}

func (s *JobLogStorage) GetLines(ctx context.Context, jobID string, limit, offset int) ([]*models.JobLogLine, error) {
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("LineNumber")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Skip(offset)
	}

	var lines []models.JobLogLine
	if err := s.db.Store().Find(&lines, query); err != nil {
		return nil, fmt.Errorf("failed to get log lines: %w", err)
	}

	result := make([]*models.JobLogLine, len(lines))
	for i := range lines {
		result[i] = &lines[i]
	}
	return result, nil
}

func (s *JobLogStorage) CountLines(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.counts[jobID]; ok {
		return n, nil
	}
	return s.countLocked(jobID)
}

func (s *JobLogStorage) countLocked(jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.JobLogLine{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count log lines: %w", err)
	}
	return int(count), nil
}

func (s *JobLogStorage) DeleteLines(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.JobLogLine{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete log lines: %w", err)
	}
	s.mu.Lock()
	delete(s.counts, jobID)
	s.mu.Unlock()
	return nil
}
