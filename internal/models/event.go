// -----------------------------------------------------------------------
// Progress Event - sequenced wire event for streaming subscribers
// -----------------------------------------------------------------------

package models

import "time"

// EventType classifies events on a job's stream.
type EventType string

const (
	EventSnapshot EventType = "snapshot" // full authoritative state, sent on open and on replay-gap fallback
	EventStatus   EventType = "status"   // status transition
	EventProgress EventType = "progress" // reconciled progress update
	EventLog      EventType = "log"      // raw engine output line
	EventArtifact EventType = "artifact" // new artifact recorded
	EventComplete EventType = "complete" // terminal event, closes the stream
)

// GPUMetrics is informational telemetry attached to progress events.
// It never affects state transitions.
type GPUMetrics struct {
	UtilizationPct float64 `json:"utilization_pct"`
	MemoryUsedGB   float64 `json:"memory_used_gb"`
	MemoryTotalGB  float64 `json:"memory_total_gb"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerWatts     float64 `json:"power_watts"`
}

// ProgressEvent is one event on a job's stream. Sequence is a per-job
// monotonically increasing integer assigned by the event bus; it is the
// ordering authority and the resume token for reconnecting subscribers.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	Status     JobStatus `json:"status,omitempty"`
	Step       int       `json:"step,omitempty"`
	StepsTotal int       `json:"steps_total,omitempty"`
	Percent    float64   `json:"percent,omitempty"`
	Loss       *float64  `json:"loss,omitempty"`
	LR         *float64  `json:"lr,omitempty"`
	ETASeconds *int64    `json:"eta_seconds,omitempty"`
	Speed      *float64  `json:"iteration_speed,omitempty"`
	Message    string    `json:"message,omitempty"`

	GPU      *GPUMetrics `json:"gpu,omitempty"`
	Artifact *Artifact   `json:"artifact,omitempty"`
	Error    *JobError   `json:"error,omitempty"`

	// Job is populated only on snapshot events.
	Job *Job `json:"job,omitempty"`
}

// IsTerminal reports whether this event closes the stream.
func (e *ProgressEvent) IsTerminal() bool {
	return e.Type == EventComplete
}
