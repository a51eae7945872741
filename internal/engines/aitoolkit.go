package engines

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/fingolabs/fingo/internal/common"
	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

const aiToolkitMaxSteps = 20000

// checkpointStepPattern extracts the step counter from checkpoint filenames
// like "my_lora_000000500.safetensors".
var checkpointStepPattern = regexp.MustCompile(`_(\d{6,})\.safetensors$`)

// AIToolkit runs LoRA training as an ai-toolkit subprocess. The engine
// writes the run config into the job arena, launches the trainer, and
// streams its merged output.
type AIToolkit struct {
	logger arbor.ILogger
	binary string
	script string
}

// NewAIToolkit creates the training engine.
func NewAIToolkit(logger arbor.ILogger, config common.AIToolkitConfig) *AIToolkit {
	return &AIToolkit{
		logger: logger,
		binary: config.Binary,
		script: config.Script,
	}
}

func (e *AIToolkit) Kind() models.JobKind {
	return models.JobKindTraining
}

func (e *AIToolkit) Capabilities() models.EngineCapabilities {
	return models.EngineCapabilities{
		Kind:        models.JobKindTraining,
		Optimizers:  []string{"adamw", "adamw8bit", "prodigy", "lion"},
		Schedulers:  []string{"constant", "cosine", "linear", "constant_with_warmup"},
		Resolutions: []int{512, 768, 1024},
		MaxSteps:    aiToolkitMaxSteps,
	}
}

func (e *AIToolkit) ValidateConfig(config map[string]interface{}) error {
	job := &models.Job{Config: config}
	caps := e.Capabilities()

	name, ok := job.GetConfigString("name")
	if !ok || strings.TrimSpace(name) == "" {
		return &models.ValidationError{Field: "name", Message: "output name is required"}
	}
	if strings.ContainsAny(name, `/\`) {
		return &models.ValidationError{Field: "name", Message: "output name must not contain path separators"}
	}

	steps, ok := job.GetConfigInt("steps")
	if !ok || steps < 1 {
		return &models.ValidationError{Field: "steps", Message: "steps must be a positive integer"}
	}
	if steps > caps.MaxSteps {
		return &models.ValidationError{Field: "steps", Message: fmt.Sprintf("steps must not exceed %d", caps.MaxSteps)}
	}

	if _, ok := job.GetConfigString("dataset_path"); !ok {
		return &models.ValidationError{Field: "dataset_path", Message: "dataset_path is required"}
	}

	if opt, ok := job.GetConfigString("optimizer"); ok && !models.Supports(caps.Optimizers, opt) {
		return &models.ValidationError{Field: "optimizer", Message: fmt.Sprintf("unsupported optimizer %q", opt)}
	}
	if sched, ok := job.GetConfigString("scheduler"); ok && !models.Supports(caps.Schedulers, sched) {
		return &models.ValidationError{Field: "scheduler", Message: fmt.Sprintf("unsupported scheduler %q", sched)}
	}
	if res, ok := job.GetConfigInt("resolution"); ok && !caps.SupportsResolution(res) {
		return &models.ValidationError{Field: "resolution", Message: fmt.Sprintf("unsupported resolution %d", res)}
	}
	if lr, ok := job.GetConfigFloat("lr"); ok && (lr <= 0 || lr >= 1) {
		return &models.ValidationError{Field: "lr", Message: "lr must be between 0 and 1"}
	}

	return nil
}

func (e *AIToolkit) TotalSteps(config map[string]interface{}) int {
	job := &models.Job{Config: config}
	steps, _ := job.GetConfigInt("steps")
	return steps
}

// Launch renders the trainer config into the arena and starts the
// subprocess with the arena as its working directory.
func (e *AIToolkit) Launch(ctx context.Context, job *models.Job, workDir string) (interfaces.EngineProcess, error) {
	configPath := filepath.Join(workDir, "config.yaml")
	if err := e.writeRunConfig(job, workDir, configPath); err != nil {
		return nil, &models.LaunchError{Cause: err}
	}

	cmd := exec.CommandContext(ctx, e.binary, e.script, "--config", configPath)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	proc, err := startLineProcess(cmd)
	if err != nil {
		return nil, &models.LaunchError{Cause: err}
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Int("pid", cmd.Process.Pid).
		Str("config", configPath).
		Msg("Trainer subprocess started")

	return proc, nil
}

// writeRunConfig translates the job's config snapshot into the YAML layout
// ai-toolkit expects.
func (e *AIToolkit) writeRunConfig(job *models.Job, workDir, configPath string) error {
	name, _ := job.GetConfigString("name")
	steps, _ := job.GetConfigInt("steps")
	dataset, _ := job.GetConfigString("dataset_path")

	optimizer, ok := job.GetConfigString("optimizer")
	if !ok {
		optimizer = "adamw8bit"
	}
	scheduler, ok := job.GetConfigString("scheduler")
	if !ok {
		scheduler = "constant"
	}
	resolution, ok := job.GetConfigInt("resolution")
	if !ok {
		resolution = 1024
	}
	lr, ok := job.GetConfigFloat("lr")
	if !ok {
		lr = 1e-4
	}
	baseModel, ok := job.GetConfigString("base_model")
	if !ok {
		baseModel = "black-forest-labs/FLUX.1-dev"
	}
	rank, ok := job.GetConfigInt("rank")
	if !ok {
		rank = 16
	}
	saveEvery, ok := job.GetConfigInt("save_every")
	if !ok {
		saveEvery = 250
	}

	doc := map[string]interface{}{
		"job": "extension",
		"config": map[string]interface{}{
			"name": name,
			"process": []interface{}{
				map[string]interface{}{
					"type":            "sd_trainer",
					"training_folder": filepath.Join(workDir, "output"),
					"device":          "cuda:0",
					"network": map[string]interface{}{
						"type":   "lora",
						"linear": rank,
					},
					"save": map[string]interface{}{
						"dtype":          "float16",
						"save_every":     saveEvery,
						"max_step_saves": 4,
					},
					"datasets": []interface{}{
						map[string]interface{}{
							"folder_path": dataset,
							"resolution":  []interface{}{resolution},
						},
					},
					"train": map[string]interface{}{
						"steps":        steps,
						"lr":           lr,
						"optimizer":    optimizer,
						"lr_scheduler": scheduler,
						"batch_size":   1,
						"dtype":        "bf16",
					},
					"model": map[string]interface{}{
						"name_or_path": baseModel,
					},
					"sample": map[string]interface{}{
						"sample_every": saveEvery,
						"width":        resolution,
						"height":       resolution,
					},
				},
			},
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to render trainer config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write trainer config: %w", err)
	}
	return nil
}

// ScanArtifacts lists the checkpoints and sample images the trainer has
// written so far. Safe to call while the trainer is running.
func (e *AIToolkit) ScanArtifacts(job *models.Job, workDir string) ([]models.Artifact, error) {
	outputDir := filepath.Join(workDir, "output")

	var artifacts []models.Artifact
	walkErr := filepath.WalkDir(outputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Output dir may not exist yet early in the run
			return nil
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		switch filepath.Ext(name) {
		case ".safetensors":
			step := 0
			if m := checkpointStepPattern.FindStringSubmatch(name); m != nil {
				step, _ = strconv.Atoi(m[1])
			}
			artifacts = append(artifacts, models.Artifact{Name: name, Path: path, Step: step})
		case ".png", ".jpg":
			artifacts = append(artifacts, models.Artifact{Name: name, Path: path})
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to scan artifacts: %w", walkErr)
	}
	return artifacts, nil
}

// FinalArtifact is the finished LoRA weights file. A clean trainer exit
// without it is treated as a failure.
func (e *AIToolkit) FinalArtifact(job *models.Job) string {
	name, _ := job.GetConfigString("name")
	if name == "" {
		return ""
	}
	return name + ".safetensors"
}
