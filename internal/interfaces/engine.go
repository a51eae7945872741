package interfaces

import (
	"context"

	"github.com/fingolabs/fingo/internal/models"
)

// EngineProcess is a handle on one running engine invocation.
type EngineProcess interface {
	// Lines streams the engine's combined stdout/stderr (or synthesized
	// progress lines for HTTP-backed engines). Closed when the engine
	// finishes producing output.
	Lines() <-chan string

	// Interrupt asks the engine to stop gracefully so it can flush
	// partial checkpoints.
	Interrupt() error

	// Kill terminates the engine immediately.
	Kill() error

	// Wait blocks until the engine exits and returns its terminal error.
	Wait() error
}

// Engine abstracts an external training/generation backend. Engines are
// opaque collaborators: they are launched, stream output, and exit.
type Engine interface {
	Kind() models.JobKind

	// Capabilities the controller validates submissions against.
	Capabilities() models.EngineCapabilities

	// ValidateConfig rejects configs the engine cannot run, with a
	// *models.ValidationError describing the offending field.
	ValidateConfig(config map[string]interface{}) error

	// TotalSteps extracts the step budget from a config snapshot.
	TotalSteps(config map[string]interface{}) int

	// Launch starts the engine for the job inside workDir (the job's
	// arena). A failure here is a launch failure: the job never reaches
	// running.
	Launch(ctx context.Context, job *models.Job, workDir string) (EngineProcess, error)

	// ScanArtifacts lists outputs currently present for the job.
	ScanArtifacts(job *models.Job, workDir string) ([]models.Artifact, error)

	// FinalArtifact names the artifact that must exist for a clean exit
	// to count as completed. Empty means none is required.
	FinalArtifact(job *models.Job) string
}
