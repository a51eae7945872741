package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

func testBus(t *testing.T, backlog, buffer int) *Bus {
	t.Helper()
	return NewBus(arbor.NewLogger(), backlog, buffer)
}

func progressEvent(step int) models.ProgressEvent {
	return models.ProgressEvent{
		Type:       models.EventProgress,
		Step:       step,
		StepsTotal: 100,
	}
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	bus := testBus(t, 10, 8)

	first := bus.Publish("job_a", progressEvent(1))
	second := bus.Publish("job_a", progressEvent(2))
	other := bus.Publish("job_b", progressEvent(1))

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, uint64(1), other.Sequence, "sequences are per job")
	assert.Equal(t, "job_a", first.JobID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, uint64(2), bus.LastSequence("job_a"))
	assert.Equal(t, uint64(0), bus.LastSequence("job_missing"))
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := testBus(t, 10, 8)

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	bus.Publish("job_a", progressEvent(1))
	bus.Publish("job_a", progressEvent(2))

	ev := <-sub.Events()
	assert.Equal(t, uint64(1), ev.Sequence)
	ev = <-sub.Events()
	assert.Equal(t, uint64(2), ev.Sequence)
	assert.Equal(t, 2, ev.Step)
}

func TestSubscribeReplaysBacklogFromSequence(t *testing.T) {
	bus := testBus(t, 10, 8)

	for i := 1; i <= 5; i++ {
		bus.Publish("job_a", progressEvent(i))
	}

	// Resume after sequence 2: expect 3, 4, 5 replayed in order.
	sub, err := bus.Subscribe("job_a", 2)
	require.NoError(t, err)
	defer sub.Close()

	for want := uint64(3); want <= 5; want++ {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, want, ev.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for replayed event %d", want)
		}
	}
}

func TestSubscribeGapExceeded(t *testing.T) {
	bus := testBus(t, 3, 8)

	// Backlog holds only the last 3 of 10 events (8, 9, 10).
	for i := 1; i <= 10; i++ {
		bus.Publish("job_a", progressEvent(i))
	}

	_, err := bus.Subscribe("job_a", 2)
	assert.ErrorIs(t, err, interfaces.ErrGapExceeded)

	// Resuming from 7 still works: the replay starts at 8.
	sub, err := bus.Subscribe("job_a", 7)
	require.NoError(t, err)
	defer sub.Close()

	ev := <-sub.Events()
	assert.Equal(t, uint64(8), ev.Sequence)
}

func TestTerminalEventClosesSubscribers(t *testing.T) {
	bus := testBus(t, 10, 8)

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)

	bus.Publish("job_a", progressEvent(1))
	bus.Publish("job_a", models.ProgressEvent{Type: models.EventComplete, Status: models.JobStatusCompleted})

	var got []models.ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, models.EventComplete, got[1].Type)

	// Publishing after the terminal event is a no-op.
	after := bus.Publish("job_a", progressEvent(2))
	assert.Equal(t, uint64(0), after.Sequence)
}

func TestSubscribeAfterTerminalReplaysThenCloses(t *testing.T) {
	bus := testBus(t, 10, 8)

	bus.Publish("job_a", progressEvent(1))
	bus.Publish("job_a", models.ProgressEvent{Type: models.EventComplete, Status: models.JobStatusCompleted})

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)

	var got []models.ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, models.EventComplete, got[1].Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := testBus(t, 100, 2)

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 50; i++ {
			bus.Publish("job_a", progressEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.LessOrEqual(t, len(sub.Events()), 2)
}

func TestDropDisconnectsSubscribers(t *testing.T) {
	bus := testBus(t, 10, 8)

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)

	bus.Publish("job_a", progressEvent(1))
	bus.Drop("job_a")

	// Drain: channel must be closed after the buffered event.
	_, open := <-sub.Events()
	assert.True(t, open)
	_, open = <-sub.Events()
	assert.False(t, open)

	assert.Equal(t, uint64(0), bus.LastSequence("job_a"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := testBus(t, 10, 8)

	sub, err := bus.Subscribe("job_a", 0)
	require.NoError(t, err)
	sub.Close()

	// Must not panic writing to a closed subscriber.
	bus.Publish("job_a", progressEvent(1))
}
