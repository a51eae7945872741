package models

import (
	"errors"
	"fmt"
)

// ErrorType classifies job failures for API consumers. Clients only ever
// see type + message; full diagnostic detail lives in the debug bundle.
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"         // rejected at submission, never queued
	ErrorTypeLaunch            ErrorType = "launch"             // engine process could not start
	ErrorTypeRuntime           ErrorType = "runtime"            // engine exited non-zero or final artifact missing
	ErrorTypeInvalidTransition ErrorType = "invalid_transition" // ordering bug, state left unchanged
	ErrorTypeWorkerCrash       ErrorType = "worker_crash"       // redelivery budget exhausted
	ErrorTypeCancelled         ErrorType = "cancelled"
)

// JobError is the user-visible failure detail stored on a failed job.
type JobError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrJobNotFound is returned when a job id is unknown to the store.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned when creating a job whose id is already stored.
var ErrJobExists = errors.New("job already exists")

// ErrNoMessage is returned when the queue is empty.
var ErrNoMessage = errors.New("no messages in queue")

// InvalidTransitionError rejects a status change that does not follow the
// state machine. The stored job is left unchanged.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// ValidationError rejects a job spec before it ever touches the queue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LaunchError means the engine process could not be started at all.
// Jobs failing this way never transition through running.
type LaunchError struct {
	Cause error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("engine launch failed: %v", e.Cause)
}

func (e *LaunchError) Unwrap() error {
	return e.Cause
}
