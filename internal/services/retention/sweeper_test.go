package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/common"
	"github.com/fingolabs/fingo/internal/events"
	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
	"github.com/fingolabs/fingo/internal/storage/badger"
	"github.com/fingolabs/fingo/internal/worker"
)

func newTestSweeper(t *testing.T, ttl time.Duration) (*Sweeper, interfaces.StorageManager, *worker.ArenaManager) {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badger.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	arenas, err := worker.NewArenaManager(logger, filepath.Join(t.TempDir(), "arenas"))
	require.NoError(t, err)

	bus := events.NewBus(logger, 100, 16)
	sweeper := NewSweeper(logger, storage, bus, arenas, ttl, "@every 1h")
	return sweeper, storage, arenas
}

func terminalJob(t *testing.T, storage interfaces.StorageManager, completedAgo time.Duration) *models.Job {
	t.Helper()
	ctx := context.Background()

	job := models.NewJob(models.JobKindTraining, map[string]interface{}{"name": "old"})
	require.NoError(t, storage.JobStorage().CreateJob(ctx, job))
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCompleted} {
		_, err := storage.JobStorage().UpdateStatus(ctx, job.ID, status, nil)
		require.NoError(t, err)
	}

	// Backdate the completion timestamp directly.
	stored, err := storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-completedAgo)
	stored.CompletedAt = &past
	require.NoError(t, storage.JobStorage().DeleteJob(ctx, job.ID))
	require.NoError(t, storage.JobStorage().CreateJob(ctx, stored))

	return stored
}

func TestSweepRemovesExpiredTerminalJobs(t *testing.T) {
	sweeper, storage, arenas := newTestSweeper(t, time.Hour)
	ctx := context.Background()

	expired := terminalJob(t, storage, 2*time.Hour)
	fresh := terminalJob(t, storage, 10*time.Minute)

	require.NoError(t, storage.JobLogStorage().AppendLine(ctx, expired.ID, "info", "line one"))
	arenaDir, err := arenas.Acquire(expired.ID)
	require.NoError(t, err)

	removed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = storage.JobStorage().GetJob(ctx, expired.ID)
	assert.True(t, errors.Is(err, models.ErrJobNotFound))

	count, err := storage.JobLogStorage().CountLines(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = os.Stat(arenaDir)
	assert.True(t, os.IsNotExist(err))

	// The fresh job survives.
	_, err = storage.JobStorage().GetJob(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepIgnoresOngoingJobs(t *testing.T) {
	sweeper, storage, _ := newTestSweeper(t, time.Nanosecond)
	ctx := context.Background()

	job := models.NewJob(models.JobKindTraining, nil)
	require.NoError(t, storage.JobStorage().CreateJob(ctx, job))

	removed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, err = storage.JobStorage().GetJob(ctx, job.ID)
	assert.NoError(t, err)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	sweeper, _, _ := newTestSweeper(t, time.Hour)
	sweeper.schedule = "not a schedule"
	assert.Error(t, sweeper.Start())
}
