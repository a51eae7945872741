package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/models"
)

func newTestManager(t *testing.T, visibility time.Duration) *Manager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), Config{
		Path:              filepath.Join(t.TempDir(), "queue.db"),
		QueueName:         "test_jobs",
		VisibilityTimeout: visibility,
		MaxReceive:        3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestEnqueueReceiveAck(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &models.QueueMessage{
		JobID: "job_1",
		Kind:  models.JobKindTraining,
	}))

	msg, _, ack, _, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_1", msg.JobID)
	assert.Equal(t, models.JobKindTraining, msg.Kind)
	require.NoError(t, ack())

	// Acked messages are gone for good.
	_, _, _, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)
}

func TestReceiveEmptyQueue(t *testing.T) {
	m := newTestManager(t, time.Minute)
	_, _, _, _, err := m.Receive(context.Background())
	assert.ErrorIs(t, err, models.ErrNoMessage)
}

func TestNackMakesMessageRedeliverable(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &models.QueueMessage{JobID: "job_1", Kind: models.JobKindTraining}))

	_, _, _, nack, err := m.Receive(ctx)
	require.NoError(t, err)

	// Without the nack the message would stay invisible for a minute.
	require.NoError(t, nack())

	msg, _, ack, _, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_1", msg.JobID)
	require.NoError(t, ack())
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &models.QueueMessage{JobID: "job_1", Kind: models.JobKindGeneration}))

	// First delivery is neither acked nor nacked, simulating a crash.
	_, _, _, _, err := m.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	msg, _, ack, _, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_1", msg.JobID)
	require.NoError(t, ack())
}

func TestExtendKeepsMessageInvisible(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &models.QueueMessage{JobID: "job_1", Kind: models.JobKindTraining}))

	_, msgID, _, _, err := m.Receive(ctx)
	require.NoError(t, err)

	// Heartbeat extends visibility past the original timeout.
	require.NoError(t, m.Extend(ctx, msgID, time.Minute))
	time.Sleep(100 * time.Millisecond)

	_, _, _, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)
}

func TestDeliveryPastBudgetArrivesForCrashCheck(t *testing.T) {
	// MaxReceive is the worker's redelivery budget. The worker marks the job
	// as crashed when delivery budget+1 arrives, so the queue must hand that
	// final delivery out instead of going silent.
	m := newTestManager(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &models.QueueMessage{JobID: "job_1", Kind: models.JobKindTraining}))

	for delivery := 1; delivery <= 4; delivery++ {
		var msg *models.QueueMessage
		var err error
		deadline := time.Now().Add(2 * time.Second)
		for {
			msg, _, _, _, err = m.Receive(ctx)
			if err == nil || time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		require.NoError(t, err, "delivery %d never arrived", delivery)
		assert.Equal(t, "job_1", msg.JobID)
	}

	// Delivery 5 exceeds even the worker's final attempt.
	time.Sleep(100 * time.Millisecond)
	_, _, _, _, err := m.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)
}

func TestOrderingIsFIFO(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"job_a", "job_b", "job_c"} {
		require.NoError(t, m.Enqueue(ctx, &models.QueueMessage{JobID: id, Kind: models.JobKindTraining}))
	}

	for _, want := range []string{"job_a", "job_b", "job_c"} {
		msg, _, ack, _, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, msg.JobID)
		require.NoError(t, ack())
	}
}
