package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"

	"github.com/fingolabs/fingo/internal/engines"
	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
	"github.com/fingolabs/fingo/internal/progress"
	"github.com/fingolabs/fingo/internal/queue"
)

const outputTailLines = 20

// Config holds the runner tunables.
type Config struct {
	GraceTimeout      time.Duration // window between interrupt and hard kill
	HeartbeatInterval time.Duration // queue visibility extension cadence
	VisibilityTimeout time.Duration // extension applied on each heartbeat
	CheckpointSteps   int           // artifact scan cadence in steps
	MaxReceive        int           // deliveries before the job fails as crashed
	StalenessWindow   time.Duration
	SmoothingAlpha    float64
}

// Runner executes one dequeued job at a time: it drives the engine process,
// reconciles progress, persists state, and publishes the event stream.
type Runner struct {
	logger  arbor.ILogger
	storage interfaces.StorageManager
	queue   *queue.Manager
	bus     interfaces.EventBus
	engines *engines.Registry
	arenas  *ArenaManager
	config  Config

	mu      sync.Mutex
	cancels map[string]*cancelHandle
}

// cancelHandle signals a running job's reader loop exactly once.
type cancelHandle struct {
	ch   chan struct{}
	once sync.Once
}

func (h *cancelHandle) signal() {
	h.once.Do(func() { close(h.ch) })
}

// NewRunner creates a runner.
func NewRunner(
	logger arbor.ILogger,
	storage interfaces.StorageManager,
	queueMgr *queue.Manager,
	bus interfaces.EventBus,
	registry *engines.Registry,
	arenas *ArenaManager,
	config Config,
) *Runner {
	if config.CheckpointSteps <= 0 {
		config.CheckpointSteps = 100
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = 3
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = time.Minute
	}
	if config.GraceTimeout <= 0 {
		config.GraceTimeout = 15 * time.Second
	}
	return &Runner{
		logger:  logger,
		storage: storage,
		queue:   queueMgr,
		bus:     bus,
		engines: registry,
		arenas:  arenas,
		config:  config,
		cancels: make(map[string]*cancelHandle),
	}
}

// Cancel implements interfaces.JobCanceller. Cancelling a terminal job is a
// no-op. A running job gets a graceful interrupt first; pending and queued
// jobs (and running jobs orphaned by a dead worker) are cancelled directly.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	job, err := r.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	r.mu.Lock()
	handle, live := r.cancels[jobID]
	r.mu.Unlock()
	if live {
		r.logger.Info().Str("job_id", jobID).Msg("Cancellation requested for running job")
		handle.signal()
		return nil
	}

	updated, err := r.storage.JobStorage().UpdateStatus(ctx, jobID, models.JobStatusCancelled, nil)
	if err != nil {
		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) {
			return nil // lost the race with a terminal transition
		}
		return err
	}

	r.logger.Info().Str("job_id", jobID).Str("was", string(job.Status)).Msg("Job cancelled before execution")
	r.bus.Publish(jobID, models.ProgressEvent{
		Type:   models.EventComplete,
		Status: updated.Status,
	})
	return nil
}

// Process handles one queue delivery end to end. ack removes the message;
// nack hands it back for redelivery.
func (r *Runner) Process(ctx context.Context, msg *models.QueueMessage, msgID goqite.ID, ack, nack func() error) {
	job, err := r.storage.JobStorage().GetJob(ctx, msg.JobID)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("Dropping message for unknown job")
		r.ackOrLog(ack, msg.JobID)
		return
	}
	if job.IsTerminal() {
		// Cancelled while waiting in the queue
		r.ackOrLog(ack, job.ID)
		return
	}

	attempts, err := r.storage.JobStorage().IncrementAttempts(ctx, job.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record delivery attempt")
		r.nackOrLog(nack, job.ID)
		return
	}
	if attempts > r.config.MaxReceive {
		r.finishJob(ctx, job.ID, models.JobStatusFailed, &models.JobError{
			Type:    models.ErrorTypeWorkerCrash,
			Message: fmt.Sprintf("gave up after %d deliveries", attempts-1),
		})
		r.ackOrLog(ack, job.ID)
		return
	}

	// A job already marked running was orphaned by a crashed worker. Skip
	// the transition and re-run it in place; artifact dedup makes the
	// rerun safe.
	if job.Status != models.JobStatusRunning {
		updated, err := r.storage.JobStorage().UpdateStatus(ctx, job.ID, models.JobStatusRunning, nil)
		if err != nil {
			var invalid *models.InvalidTransitionError
			if errors.As(err, &invalid) {
				if invalid.From.IsTerminal() {
					// Finished (or cancelled) under us; the message is spent.
					r.ackOrLog(ack, job.ID)
					return
				}
				// A non-terminal job that cannot go running yet, e.g. one
				// delivered before the submitter committed the queued mark.
				// Ack here would delete the message and strand the job.
				r.logger.Warn().
					Str("job_id", job.ID).
					Str("status", string(invalid.From)).
					Msg("Job not ready to run, returning message for redelivery")
				r.nackOrLog(nack, job.ID)
				return
			}
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
			r.nackOrLog(nack, job.ID)
			return
		}
		job = updated
		r.bus.Publish(job.ID, models.ProgressEvent{Type: models.EventStatus, Status: models.JobStatusRunning})
	} else {
		r.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", attempts).
			Msg("Resuming redelivered job")
	}

	r.execute(ctx, job, msgID, ack, nack)
}

// runState carries the per-run bookkeeping the reader loop accumulates.
type runState struct {
	engine    interfaces.Engine
	workDir   string
	seen      map[string]struct{} // artifact name@step
	seenNames map[string]struct{}
	tail      []string
	lastScan  int
	gpu       *models.GPUMetrics
}

func newRunState(engine interfaces.Engine, workDir string, job *models.Job) *runState {
	state := &runState{
		engine:    engine,
		workDir:   workDir,
		seen:      make(map[string]struct{}),
		seenNames: make(map[string]struct{}),
		lastScan:  job.Progress.CurrentStep,
	}
	for _, a := range job.Artifacts {
		state.seen[artifactKey(a)] = struct{}{}
		state.seenNames[a.Name] = struct{}{}
	}
	return state
}

func artifactKey(a models.Artifact) string {
	return fmt.Sprintf("%s@%d", a.Name, a.Step)
}

func (s *runState) pushTail(line string) {
	s.tail = append(s.tail, line)
	if len(s.tail) > outputTailLines {
		s.tail = s.tail[1:]
	}
}

func (s *runState) tailString() string {
	return strings.Join(s.tail, " | ")
}

func (r *Runner) execute(ctx context.Context, job *models.Job, msgID goqite.ID, ack, nack func() error) {
	workDir, err := r.arenas.Acquire(job.ID)
	if err != nil {
		r.finishJob(ctx, job.ID, models.JobStatusFailed, &models.JobError{Type: models.ErrorTypeLaunch, Message: err.Error()})
		r.ackOrLog(ack, job.ID)
		return
	}

	engine, err := r.engines.Get(job.Kind)
	if err != nil {
		r.finishJob(ctx, job.ID, models.JobStatusFailed, &models.JobError{Type: models.ErrorTypeLaunch, Message: err.Error()})
		r.ackOrLog(ack, job.ID)
		return
	}

	rec := progress.NewReconciler(r.config.StalenessWindow, r.config.SmoothingAlpha)
	seed := job.Progress
	if seed.TotalSteps == 0 {
		seed.TotalSteps = engine.TotalSteps(job.Config)
	}
	rec.Seed(seed)

	proc, err := engine.Launch(ctx, job, workDir)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Engine launch failed")
		r.appendLog(ctx, job.ID, "error", err.Error())
		r.finishJob(ctx, job.ID, models.JobStatusFailed, &models.JobError{Type: models.ErrorTypeLaunch, Message: err.Error()})
		r.ackOrLog(ack, job.ID)
		return
	}

	handle := &cancelHandle{ch: make(chan struct{})}
	r.mu.Lock()
	r.cancels[job.ID] = handle
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, job.ID)
		r.mu.Unlock()
	}()

	state := newRunState(engine, workDir, job)

	heartbeat := time.NewTicker(r.config.HeartbeatInterval)
	defer heartbeat.Stop()

	lines := proc.Lines()
	cancelCh := handle.ch
	var killAt <-chan time.Time
	cancelled := false

	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			r.handleLine(ctx, job, rec, state, line)

		case <-cancelCh:
			cancelCh = nil
			cancelled = true
			r.appendLog(ctx, job.ID, "info", "cancellation requested, interrupting engine")
			if err := proc.Interrupt(); err != nil {
				r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Interrupt failed, killing engine")
				if err := proc.Kill(); err != nil {
					r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Kill failed")
				}
			} else {
				killAt = time.After(r.config.GraceTimeout)
			}

		case <-killAt:
			killAt = nil
			r.logger.Warn().Str("job_id", job.ID).Msg("Grace window expired, killing engine")
			if err := proc.Kill(); err != nil {
				r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Kill failed")
			}

		case <-heartbeat.C:
			if err := r.queue.Extend(ctx, msgID, r.config.VisibilityTimeout); err != nil {
				r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to extend queue visibility")
			}

		case <-ctx.Done():
			// Server shutdown: kill the engine and hand the delivery back
			// so the job is retried on the next start.
			if err := proc.Kill(); err != nil {
				r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Kill on shutdown failed")
			}
			for range lines {
			}
			_ = proc.Wait()
			r.nackOrLog(nack, job.ID)
			return
		}
	}

	waitErr := proc.Wait()

	r.recordArtifacts(context.Background(), job, state)
	final := rec.Current()
	if err := r.storage.JobStorage().UpdateProgress(context.Background(), job.ID, final); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist final progress")
	}

	switch {
	case cancelled:
		r.finishJob(ctx, job.ID, models.JobStatusCancelled, nil)

	case waitErr != nil:
		message := waitErr.Error()
		if tail := state.tailString(); tail != "" {
			message = message + "; last output: " + tail
		}
		r.finishJob(ctx, job.ID, models.JobStatusFailed, &models.JobError{Type: models.ErrorTypeRuntime, Message: message})

	default:
		required := engine.FinalArtifact(job)
		if required != "" {
			if _, ok := state.seenNames[required]; !ok {
				r.finishJob(ctx, job.ID, models.JobStatusFailed, &models.JobError{
					Type:    models.ErrorTypeRuntime,
					Message: fmt.Sprintf("engine exited cleanly but final artifact %q is missing", required),
				})
				break
			}
		}
		r.finishJob(ctx, job.ID, models.JobStatusCompleted, nil)
	}

	r.ackOrLog(ack, job.ID)
}

// handleLine persists the raw line, publishes it, and folds any progress it
// carries into the reconciled view.
func (r *Runner) handleLine(ctx context.Context, job *models.Job, rec *progress.Reconciler, state *runState, line string) {
	r.appendLog(ctx, job.ID, "info", line)
	state.pushTail(line)
	r.bus.Publish(job.ID, models.ProgressEvent{Type: models.EventLog, Message: line})

	if gpu, ok := progress.ParseGPULine(line); ok {
		state.gpu = gpu
		return
	}

	var (
		current models.Progress
		changed bool
		lr      *float64
	)
	if obs, ok := progress.ParseStructured(line); ok {
		current, changed = rec.ObserveStructured(obs)
		lr = obs.LR
	} else {
		current, changed = rec.ObserveLine(line)
	}
	if !changed {
		return
	}

	r.bus.Publish(job.ID, models.ProgressEvent{
		Type:       models.EventProgress,
		Status:     models.JobStatusRunning,
		Step:       current.CurrentStep,
		StepsTotal: current.TotalSteps,
		Percent:    current.Percent,
		Loss:       current.Loss,
		LR:         lr,
		ETASeconds: current.ETASeconds,
		Speed:      current.IterationSpeed,
		GPU:        state.gpu,
	})

	if err := r.storage.JobStorage().UpdateProgress(ctx, job.ID, current); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist progress")
	}

	if current.CurrentStep >= state.lastScan+r.config.CheckpointSteps {
		state.lastScan = current.CurrentStep
		r.recordArtifacts(ctx, job, state)
	}
}

// recordArtifacts scans the arena and records anything new. Previously seen
// artifacts (including ones from a pre-crash attempt) are skipped.
func (r *Runner) recordArtifacts(ctx context.Context, job *models.Job, state *runState) {
	artifacts, err := state.engine.ScanArtifacts(job, state.workDir)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Artifact scan failed")
		return
	}

	for _, artifact := range artifacts {
		key := artifactKey(artifact)
		if _, ok := state.seen[key]; ok {
			continue
		}
		state.seen[key] = struct{}{}
		state.seenNames[artifact.Name] = struct{}{}

		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = time.Now().UTC()
		}
		if err := r.storage.JobStorage().AppendArtifact(ctx, job.ID, artifact); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Str("artifact", artifact.Name).Msg("Failed to record artifact")
			continue
		}

		recorded := artifact
		r.bus.Publish(job.ID, models.ProgressEvent{Type: models.EventArtifact, Artifact: &recorded})
	}
}

// finishJob applies the terminal transition and publishes the closing event.
func (r *Runner) finishJob(ctx context.Context, jobID string, status models.JobStatus, jobErr *models.JobError) {
	updated, err := r.storage.JobStorage().UpdateStatus(ctx, jobID, status, jobErr)
	if err != nil {
		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) {
			r.logger.Warn().
				Str("job_id", jobID).
				Str("to", string(status)).
				Msg("Terminal transition already applied elsewhere")
			return
		}
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to finish job")
		return
	}

	r.logger.Info().
		Str("job_id", jobID).
		Str("status", string(updated.Status)).
		Msg("Job finished")

	r.bus.Publish(jobID, models.ProgressEvent{
		Type:   models.EventComplete,
		Status: updated.Status,
		Error:  updated.Error,
	})
}

func (r *Runner) appendLog(ctx context.Context, jobID, level, message string) {
	if err := r.storage.JobLogStorage().AppendLine(ctx, jobID, level, message); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to append job log")
	}
}

func (r *Runner) ackOrLog(ack func() error, jobID string) {
	if err := ack(); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete message from queue")
	}
}

func (r *Runner) nackOrLog(nack func() error, jobID string) {
	if err := nack(); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to return message to queue")
	}
}
