package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalTransitions(t *testing.T) {
	legal := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusQueued},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusPending, JobStatusFailed},
		{JobStatusQueued, JobStatusRunning},
		{JobStatusQueued, JobStatusCancelled},
		{JobStatusQueued, JobStatusFailed},
		{JobStatusRunning, JobStatusCompleted},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusCancelled},
	}
	for _, edge := range legal {
		assert.True(t, edge.from.CanTransitionTo(edge.to), "%s -> %s should be legal", edge.from, edge.to)
	}

	illegal := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusRunning}, // must pass through queued
		{JobStatusPending, JobStatusCompleted},
		{JobStatusQueued, JobStatusCompleted},
		{JobStatusCompleted, JobStatusRunning},
		{JobStatusFailed, JobStatusQueued},
		{JobStatusCancelled, JobStatusRunning},
		{JobStatusCompleted, JobStatusFailed},
		{JobStatusRunning, JobStatusQueued},
	}
	for _, edge := range illegal {
		assert.False(t, edge.from.CanTransitionTo(edge.to), "%s -> %s should be illegal", edge.from, edge.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}

func TestStatusGroups(t *testing.T) {
	assert.ElementsMatch(t,
		[]JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning},
		StatusGroupOngoing.Statuses())
	assert.ElementsMatch(t,
		[]JobStatus{JobStatusCompleted},
		StatusGroupSuccessful.Statuses())
	assert.ElementsMatch(t,
		[]JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
		StatusGroupTerminal.Statuses())
	assert.Nil(t, StatusGroup("bogus").Statuses())
}

func TestNewJob(t *testing.T) {
	job := NewJob(JobKindTraining, map[string]interface{}{"steps": 100})
	assert.Contains(t, job.ID, "job_")
	assert.Equal(t, JobStatusPending, job.Status)
	assert.False(t, job.CreatedAt.IsZero())
	assert.NotNil(t, job.Artifacts)

	// A nil config still yields a usable snapshot.
	empty := NewJob(JobKindGeneration, nil)
	assert.NotNil(t, empty.Config)
}

func TestMarkTransitionsSetTimestamps(t *testing.T) {
	job := NewJob(JobKindTraining, nil)

	job.MarkRunning()
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	job.MarkFailed(&JobError{Type: ErrorTypeRuntime, Message: "boom"})
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.Error)

	// Completing clears any stale error.
	job.Status = JobStatusRunning
	job.MarkCompleted()
	assert.Nil(t, job.Error)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	job := NewJob(JobKindTraining, map[string]interface{}{"steps": 100})
	job.Artifacts = append(job.Artifacts, Artifact{Name: "ckpt_1"})
	job.Error = &JobError{Type: ErrorTypeRuntime, Message: "original"}

	snap := job.Snapshot()
	snap.Config["steps"] = 999
	snap.Artifacts[0].Name = "mutated"
	snap.Error.Message = "mutated"

	steps, _ := job.GetConfigInt("steps")
	assert.Equal(t, 100, steps)
	assert.Equal(t, "ckpt_1", job.Artifacts[0].Name)
	assert.Equal(t, "original", job.Error.Message)
}

func TestConfigGettersHandleJSONNumbers(t *testing.T) {
	// JSON decoding always produces float64 numbers.
	job := NewJob(JobKindTraining, map[string]interface{}{
		"steps": float64(500),
		"lr":    1e-4,
		"name":  "x",
	})

	steps, ok := job.GetConfigInt("steps")
	require.True(t, ok)
	assert.Equal(t, 500, steps)

	lr, ok := job.GetConfigFloat("lr")
	require.True(t, ok)
	assert.InDelta(t, 0.0001, lr, 1e-9)

	_, ok = job.GetConfigInt("name")
	assert.False(t, ok)
	_, ok = job.GetConfigString("missing")
	assert.False(t, ok)
}
