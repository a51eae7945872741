package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
)

// ArenaManager hands out per-job working directories under a single root.
// Engines write configs, logs, and artifacts only inside their arena, which
// makes retention a plain directory removal.
type ArenaManager struct {
	root   string
	logger arbor.ILogger
}

// NewArenaManager creates the manager and ensures the root exists.
func NewArenaManager(logger arbor.ILogger, root string) (*ArenaManager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create arena root: %w", err)
	}
	return &ArenaManager{root: root, logger: logger}, nil
}

// Acquire returns the job's arena path, creating it if needed. Re-acquiring
// an existing arena is allowed: a redelivered job resumes in place.
func (m *ArenaManager) Acquire(jobID string) (string, error) {
	dir := m.Path(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create arena for %s: %w", jobID, err)
	}
	return dir, nil
}

// Path returns the arena path without creating it.
func (m *ArenaManager) Path(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// Release removes the job's arena and everything in it.
func (m *ArenaManager) Release(jobID string) error {
	dir := m.Path(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove arena for %s: %w", jobID, err)
	}
	m.logger.Debug().Str("job_id", jobID).Str("dir", dir).Msg("Arena released")
	return nil
}
