// -----------------------------------------------------------------------
// Job - core record tracked through the orchestration lifecycle
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies which external engine a job runs against.
type JobKind string

const (
	JobKindTraining   JobKind = "training"   // LoRA fine-tune via ai-toolkit subprocess
	JobKindGeneration JobKind = "generation" // image/video generation via ComfyUI
)

// JobStatus represents the execution state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// legalTransitions defines the only edges a job status may follow.
// Anything else is rejected by the store with InvalidTransitionError.
var legalTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusQueued:    true,
		JobStatusCancelled: true,
		JobStatusFailed:    true,
	},
	JobStatusQueued: {
		JobStatusRunning:   true,
		JobStatusCancelled: true,
		JobStatusFailed:    true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
}

// CanTransitionTo reports whether moving from s to next follows a legal edge.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return legalTransitions[s][next]
}

// IsTerminal returns true once a job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// StatusGroup is a named set of statuses used for list filtering.
type StatusGroup string

const (
	StatusGroupOngoing    StatusGroup = "ongoing"    // pending, queued, running
	StatusGroupSuccessful StatusGroup = "successful" // completed
	StatusGroupTerminal   StatusGroup = "terminal"   // completed, failed, cancelled
)

// Statuses expands the group into its member statuses.
func (g StatusGroup) Statuses() []JobStatus {
	switch g {
	case StatusGroupOngoing:
		return []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning}
	case StatusGroupSuccessful:
		return []JobStatus{JobStatusCompleted}
	case StatusGroupTerminal:
		return []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	default:
		return nil
	}
}

// ProgressSource identifies which signal produced the current progress value.
type ProgressSource string

const (
	ProgressSourceStructured ProgressSource = "structured"
	ProgressSourceLogDerived ProgressSource = "log-derived"
)

// Progress is the mutable progress block of a job. CurrentStep is
// non-decreasing for the lifetime of the job.
type Progress struct {
	CurrentStep    int            `json:"current_step"`
	TotalSteps     int            `json:"total_steps"`
	Percent        float64        `json:"percent"`
	Loss           *float64       `json:"loss,omitempty"`
	IterationSpeed *float64       `json:"iteration_speed,omitempty"`
	ETASeconds     *int64         `json:"eta_seconds,omitempty"`
	Source         ProgressSource `json:"source,omitempty"`
}

// Artifact is one produced output (sample image, checkpoint, final model).
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Step      int       `json:"step,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is the durable record of one training or generation run.
// Config is an immutable snapshot captured at submission; the job itself
// becomes immutable once Status is terminal.
type Job struct {
	ID     string    `json:"id" badgerhold:"key"`
	Kind   JobKind   `json:"kind"`
	Status JobStatus `json:"status"`

	// Immutable snapshot of submitted parameters (resolution, steps,
	// learning rate, preset name, ...). Never mutated after creation.
	Config map[string]interface{} `json:"config"`

	Progress  Progress   `json:"progress"`
	Artifacts []Artifact `json:"artifacts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is set only when Status is failed.
	Error *JobError `json:"error,omitempty"`

	// Attempts counts queue deliveries, used to cap crash redeliveries.
	Attempts int `json:"attempts"`
}

// NewJob creates a pending job with an immutable config snapshot.
func NewJob(kind JobKind, config map[string]interface{}) *Job {
	if config == nil {
		config = make(map[string]interface{})
	}
	return &Job{
		ID:        "job_" + uuid.New().String(),
		Kind:      kind,
		Status:    JobStatusPending,
		Config:    config,
		Artifacts: []Artifact{},
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// MarkRunning records the running transition and start time.
func (j *Job) MarkRunning() {
	j.Status = JobStatusRunning
	now := time.Now().UTC()
	j.StartedAt = &now
}

// MarkCompleted records the completed transition and completion time.
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.Error = nil
}

// MarkFailed records the failed transition with the user-visible error.
func (j *Job) MarkFailed(jobErr *JobError) {
	j.Status = JobStatusFailed
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.Error = jobErr
}

// MarkCancelled records the cancelled transition.
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now().UTC()
	j.CompletedAt = &now
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (j *Job) Snapshot() *Job {
	clone := *j
	clone.Config = make(map[string]interface{}, len(j.Config))
	for k, v := range j.Config {
		clone.Config[k] = v
	}
	clone.Artifacts = make([]Artifact, len(j.Artifacts))
	copy(clone.Artifacts, j.Artifacts)
	if j.Error != nil {
		errCopy := *j.Error
		clone.Error = &errCopy
	}
	return &clone
}

// GetConfigString retrieves a string value from the config snapshot.
func (j *Job) GetConfigString(key string) (string, bool) {
	val, ok := j.Config[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetConfigInt retrieves an int value from the config snapshot.
// Handles both int and float64 (JSON unmarshaling converts numbers to float64).
func (j *Job) GetConfigInt(key string) (int, bool) {
	val, ok := j.Config[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// GetConfigFloat retrieves a float value from the config snapshot.
func (j *Job) GetConfigFloat(key string) (float64, bool) {
	val, ok := j.Config[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
