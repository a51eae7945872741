package events

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

// Bus is an in-process publish/subscribe hub for job progress events. Each
// job gets its own stream with a monotonically increasing sequence and a
// bounded replay backlog so reconnecting clients can resume without a full
// snapshot when the gap is small.
type Bus struct {
	mu          sync.RWMutex
	streams     map[string]*jobStream
	backlogSize int
	subBuffer   int
	logger      arbor.ILogger
}

type jobStream struct {
	seq     uint64
	backlog []models.ProgressEvent // oldest first, capped at backlogSize
	subs    map[*subscription]struct{}
	closed  bool
}

type subscription struct {
	bus   *Bus
	jobID string
	ch    chan models.ProgressEvent
	once  sync.Once
}

func (s *subscription) Events() <-chan models.ProgressEvent {
	return s.ch
}

// closeChan is safe to call from both the publisher and the subscriber side.
func (s *subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

func (s *subscription) Close() {
	s.bus.unsubscribe(s.jobID, s)
	s.closeChan()
}

// NewBus creates an event bus. backlogSize bounds the per-job replay buffer
// and subBuffer sizes each subscriber channel.
func NewBus(logger arbor.ILogger, backlogSize, subBuffer int) *Bus {
	if backlogSize <= 0 {
		backlogSize = 500
	}
	if subBuffer <= 0 {
		subBuffer = 64
	}
	return &Bus{
		streams:     make(map[string]*jobStream),
		backlogSize: backlogSize,
		subBuffer:   subBuffer,
		logger:      logger,
	}
}

// Publish assigns the next sequence number and timestamp to the event,
// records it in the backlog, and fans it out to all subscribers. Slow
// subscribers have events dropped rather than blocking the publisher.
// A terminal event closes the stream after delivery.
func (b *Bus) Publish(jobID string, event models.ProgressEvent) models.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.streams[jobID]
	if !ok {
		stream = &jobStream{subs: make(map[*subscription]struct{})}
		b.streams[jobID] = stream
	}
	if stream.closed {
		// The job already finished, nothing to deliver to.
		return event
	}

	stream.seq++
	event.JobID = jobID
	event.Sequence = stream.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	stream.backlog = append(stream.backlog, event)
	if len(stream.backlog) > b.backlogSize {
		stream.backlog = stream.backlog[len(stream.backlog)-b.backlogSize:]
	}

	for sub := range stream.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug().
				Str("job_id", jobID).
				Int("sequence", int(event.Sequence)).
				Msg("Dropping event for slow subscriber")
		}
	}

	if event.IsTerminal() {
		stream.closed = true
		for sub := range stream.subs {
			sub.closeChan()
		}
		stream.subs = make(map[*subscription]struct{})
	}

	return event
}

// Subscribe registers a listener on the job's stream. Backlogged events with
// sequence greater than fromSequence are replayed first, in order. If the
// backlog no longer reaches back to fromSequence the caller gets
// interfaces.ErrGapExceeded and should refetch an authoritative snapshot.
func (b *Bus) Subscribe(jobID string, fromSequence uint64) (interfaces.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.streams[jobID]
	if !ok {
		stream = &jobStream{subs: make(map[*subscription]struct{})}
		b.streams[jobID] = stream
	}

	var replay []models.ProgressEvent
	if fromSequence < stream.seq {
		oldest := stream.seq - uint64(len(stream.backlog)) + 1
		if len(stream.backlog) == 0 || oldest > fromSequence+1 {
			return nil, interfaces.ErrGapExceeded
		}
		start := int(fromSequence + 1 - oldest)
		replay = stream.backlog[start:]
	}

	sub := &subscription{
		bus:   b,
		jobID: jobID,
		ch:    make(chan models.ProgressEvent, b.subBuffer+len(replay)),
	}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if stream.closed {
		// Terminal stream: deliver the replay, then signal end of stream.
		sub.closeChan()
		return sub, nil
	}

	stream.subs[sub] = struct{}{}
	return sub, nil
}

// LastSequence returns the highest sequence published for the job, or zero
// when no events exist yet.
func (b *Bus) LastSequence(jobID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if stream, ok := b.streams[jobID]; ok {
		return stream.seq
	}
	return 0
}

// Drop discards the job's stream and disconnects any remaining subscribers.
// Used by retention when a job's records are deleted.
func (b *Bus) Drop(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.streams[jobID]
	if !ok {
		return
	}
	for sub := range stream.subs {
		sub.closeChan()
	}
	delete(b.streams, jobID)
}

func (b *Bus) unsubscribe(jobID string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stream, ok := b.streams[jobID]; ok {
		delete(stream.subs, sub)
	}
}
