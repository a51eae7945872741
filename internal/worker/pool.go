package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/common"
	"github.com/fingolabs/fingo/internal/models"
	"github.com/fingolabs/fingo/internal/queue"
)

// Pool runs a fixed number of worker slots that poll the queue and hand
// deliveries to the runner.
type Pool struct {
	runner       *Runner
	queueMgr     *queue.Manager
	logger       arbor.ILogger
	concurrency  int
	pollInterval time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a worker pool.
func NewPool(logger arbor.ILogger, runner *Runner, queueMgr *queue.Manager, concurrency int, pollInterval time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		runner:       runner,
		queueMgr:     queueMgr,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the worker slots.
func (p *Pool) Start() {
	p.logger.Info().
		Int("concurrency", p.concurrency).
		Msg("Starting worker pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops the pool and waits for in-flight jobs to wind down. Running
// engines are killed and their deliveries returned to the queue.
func (p *Pool) Stop() {
	p.logger.Info().Msg("Stopping worker pool...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) worker(slot int) {
	defer p.wg.Done()

	workerID := common.NewWorkerID()

	// Stagger startup so slots do not hammer the queue in lockstep
	select {
	case <-time.After(time.Duration(slot) * 100 * time.Millisecond):
	case <-p.ctx.Done():
		return
	}

	p.logger.Debug().Str("worker_id", workerID).Int("slot", slot).Msg("Worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Str("worker_id", workerID).Msg("Worker stopping")
			return
		case <-ticker.C:
			p.drain(workerID)
		}
	}
}

// drain processes deliveries until the queue is empty or the pool stops.
func (p *Pool) drain(workerID string) {
	for {
		if p.ctx.Err() != nil {
			return
		}

		msg, msgID, ack, nack, err := p.queueMgr.Receive(p.ctx)
		if err != nil {
			if !errors.Is(err, models.ErrNoMessage) && !errors.Is(err, context.Canceled) {
				p.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Queue receive failed")
			}
			return
		}

		p.logger.Info().
			Str("worker_id", workerID).
			Str("job_id", msg.JobID).
			Str("kind", string(msg.Kind)).
			Msg("Processing job")

		p.runner.Process(p.ctx, msg, msgID, ack, nack)
	}
}
