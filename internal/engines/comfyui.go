package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/common"
	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/models"
)

const comfyMaxSteps = 150

// ComfyUI runs image generation against a ComfyUI server. The workflow is
// submitted over HTTP and progress arrives on the server's WebSocket feed;
// the engine converts those frames into the same line format the trainer
// emits so downstream progress handling is uniform.
type ComfyUI struct {
	logger  arbor.ILogger
	baseURL string
	client  *http.Client
}

// NewComfyUI creates the generation engine.
func NewComfyUI(logger arbor.ILogger, config common.ComfyUIConfig) *ComfyUI {
	return &ComfyUI{
		logger:  logger,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *ComfyUI) Kind() models.JobKind {
	return models.JobKindGeneration
}

func (e *ComfyUI) Capabilities() models.EngineCapabilities {
	return models.EngineCapabilities{
		Kind:        models.JobKindGeneration,
		Samplers:    []string{"euler", "euler_ancestral", "dpmpp_2m", "dpmpp_2m_sde", "ddim"},
		Schedulers:  []string{"normal", "karras", "exponential"},
		Resolutions: []int{512, 768, 1024},
		MaxSteps:    comfyMaxSteps,
	}
}

func (e *ComfyUI) ValidateConfig(config map[string]interface{}) error {
	job := &models.Job{Config: config}
	caps := e.Capabilities()

	prompt, ok := job.GetConfigString("prompt")
	if !ok || strings.TrimSpace(prompt) == "" {
		return &models.ValidationError{Field: "prompt", Message: "prompt is required"}
	}

	if steps, ok := job.GetConfigInt("steps"); ok {
		if steps < 1 || steps > caps.MaxSteps {
			return &models.ValidationError{Field: "steps", Message: fmt.Sprintf("steps must be between 1 and %d", caps.MaxSteps)}
		}
	}
	if sampler, ok := job.GetConfigString("sampler"); ok && !models.Supports(caps.Samplers, sampler) {
		return &models.ValidationError{Field: "sampler", Message: fmt.Sprintf("unsupported sampler %q", sampler)}
	}
	if sched, ok := job.GetConfigString("scheduler"); ok && !models.Supports(caps.Schedulers, sched) {
		return &models.ValidationError{Field: "scheduler", Message: fmt.Sprintf("unsupported scheduler %q", sched)}
	}
	if width, ok := job.GetConfigInt("width"); ok && !caps.SupportsResolution(width) {
		return &models.ValidationError{Field: "width", Message: fmt.Sprintf("unsupported width %d", width)}
	}
	if height, ok := job.GetConfigInt("height"); ok && !caps.SupportsResolution(height) {
		return &models.ValidationError{Field: "height", Message: fmt.Sprintf("unsupported height %d", height)}
	}

	return nil
}

func (e *ComfyUI) TotalSteps(config map[string]interface{}) int {
	job := &models.Job{Config: config}
	if steps, ok := job.GetConfigInt("steps"); ok {
		return steps
	}
	return 20
}

// Launch connects to the server's WebSocket feed, submits the workflow, and
// returns a process handle that synthesizes progress lines from the feed.
func (e *ComfyUI) Launch(ctx context.Context, job *models.Job, workDir string) (interfaces.EngineProcess, error) {
	clientID := uuid.New().String()

	wsURL, err := e.websocketURL(clientID)
	if err != nil {
		return nil, &models.LaunchError{Cause: err}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &models.LaunchError{Cause: fmt.Errorf("failed to connect to generation server: %w", err)}
	}

	promptID, err := e.submitWorkflow(ctx, job, clientID)
	if err != nil {
		conn.Close()
		return nil, &models.LaunchError{Cause: err}
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("prompt_id", promptID).
		Msg("Generation workflow submitted")

	p := &comfyProcess{
		engine:   e,
		conn:     conn,
		promptID: promptID,
		workDir:  workDir,
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (e *ComfyUI) websocketURL(clientID string) (string, error) {
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid generation server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = "clientId=" + clientID
	return u.String(), nil
}

func (e *ComfyUI) submitWorkflow(ctx context.Context, job *models.Job, clientID string) (string, error) {
	payload := map[string]interface{}{
		"prompt":    buildWorkflow(job),
		"client_id": clientID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generation server rejected workflow: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode workflow response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("generation server returned no prompt id")
	}
	return result.PromptID, nil
}

// buildWorkflow renders the job config into a minimal text-to-image graph.
func buildWorkflow(job *models.Job) map[string]interface{} {
	prompt, _ := job.GetConfigString("prompt")
	negative, _ := job.GetConfigString("negative_prompt")
	checkpoint, ok := job.GetConfigString("checkpoint")
	if !ok {
		checkpoint = "sd_xl_base_1.0.safetensors"
	}
	sampler, ok := job.GetConfigString("sampler")
	if !ok {
		sampler = "euler"
	}
	scheduler, ok := job.GetConfigString("scheduler")
	if !ok {
		scheduler = "normal"
	}
	steps, ok := job.GetConfigInt("steps")
	if !ok {
		steps = 20
	}
	width, ok := job.GetConfigInt("width")
	if !ok {
		width = 1024
	}
	height, ok := job.GetConfigInt("height")
	if !ok {
		height = 1024
	}
	cfgScale, ok := job.GetConfigFloat("cfg_scale")
	if !ok {
		cfgScale = 7.0
	}
	seed, ok := job.GetConfigInt("seed")
	if !ok {
		seed = int(time.Now().UnixNano() & 0x7fffffff)
	}

	return map[string]interface{}{
		"1": map[string]interface{}{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]interface{}{"ckpt_name": checkpoint},
		},
		"2": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]interface{}{"text": prompt, "clip": []interface{}{"1", 1}},
		},
		"3": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]interface{}{"text": negative, "clip": []interface{}{"1", 1}},
		},
		"4": map[string]interface{}{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]interface{}{"width": width, "height": height, "batch_size": 1},
		},
		"5": map[string]interface{}{
			"class_type": "KSampler",
			"inputs": map[string]interface{}{
				"model":        []interface{}{"1", 0},
				"positive":     []interface{}{"2", 0},
				"negative":     []interface{}{"3", 0},
				"latent_image": []interface{}{"4", 0},
				"sampler_name": sampler,
				"scheduler":    scheduler,
				"steps":        steps,
				"cfg":          cfgScale,
				"seed":         seed,
				"denoise":      1.0,
			},
		},
		"6": map[string]interface{}{
			"class_type": "VAEDecode",
			"inputs":     map[string]interface{}{"samples": []interface{}{"5", 0}, "vae": []interface{}{"1", 2}},
		},
		"7": map[string]interface{}{
			"class_type": "SaveImage",
			"inputs":     map[string]interface{}{"images": []interface{}{"6", 0}, "filename_prefix": "fingo"},
		},
	}
}

// ScanArtifacts lists images the process has downloaded into the arena.
func (e *ComfyUI) ScanArtifacts(job *models.Job, workDir string) ([]models.Artifact, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan artifacts: %w", err)
	}

	var artifacts []models.Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".png", ".jpg", ".webp":
			artifacts = append(artifacts, models.Artifact{
				Name: entry.Name(),
				Path: filepath.Join(workDir, entry.Name()),
			})
		}
	}
	return artifacts, nil
}

// FinalArtifact is empty: a generation run is judged by its clean exit, and
// whatever images were produced are recorded via ScanArtifacts.
func (e *ComfyUI) FinalArtifact(job *models.Job) string {
	return ""
}

// interruptRun asks the server to stop the currently executing workflow.
func (e *ComfyUI) interruptRun() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to interrupt generation: %w", err)
	}
	resp.Body.Close()
	return nil
}

// downloadImage fetches a produced image from the server into the arena.
func (e *ComfyUI) downloadImage(workDir, filename, subfolder, imageType string) error {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", imageType)

	resp, err := e.client.Get(e.baseURL + "/view?" + q.Encode())
	if err != nil {
		return fmt.Errorf("failed to fetch image %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch image %s: %s", filename, resp.Status)
	}

	out, err := os.Create(filepath.Join(workDir, filepath.Base(filename)))
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// comfyProcess adapts the WebSocket feed to the EngineProcess contract.
type comfyProcess struct {
	engine   *ComfyUI
	conn     *websocket.Conn
	promptID string
	workDir  string

	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	runErr  error
	stopped bool
}

func (p *comfyProcess) Lines() <-chan string {
	return p.lines
}

// run reads server frames until the workflow finishes or errors, emitting
// progress lines in the "step: N/M" format the reconciler understands.
func (p *comfyProcess) run() {
	defer close(p.done)
	defer close(p.lines)
	defer p.conn.Close()

	type frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.finish(p.readError(err))
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames carry preview images, not progress
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case "progress":
			var d struct {
				Value int `json:"value"`
				Max   int `json:"max"`
			}
			if json.Unmarshal(f.Data, &d) == nil && d.Max > 0 {
				p.lines <- fmt.Sprintf("step: %d/%d", d.Value, d.Max)
			}

		case "executed":
			var d struct {
				PromptID string `json:"prompt_id"`
				Output   struct {
					Images []struct {
						Filename  string `json:"filename"`
						Subfolder string `json:"subfolder"`
						Type      string `json:"type"`
					} `json:"images"`
				} `json:"output"`
			}
			if json.Unmarshal(f.Data, &d) != nil || d.PromptID != p.promptID {
				continue
			}
			for _, img := range d.Output.Images {
				if err := p.engine.downloadImage(p.workDir, img.Filename, img.Subfolder, img.Type); err != nil {
					p.lines <- fmt.Sprintf("warning: %v", err)
					continue
				}
				p.lines <- fmt.Sprintf("saved image %s", img.Filename)
			}

		case "executing":
			var d struct {
				Node     *string `json:"node"`
				PromptID string  `json:"prompt_id"`
			}
			if json.Unmarshal(f.Data, &d) == nil && d.PromptID == p.promptID && d.Node == nil {
				// Null node means the whole workflow finished
				p.finish(nil)
				return
			}

		case "execution_error":
			var d struct {
				PromptID  string `json:"prompt_id"`
				NodeType  string `json:"node_type"`
				Exception string `json:"exception_message"`
			}
			if json.Unmarshal(f.Data, &d) == nil && d.PromptID == p.promptID {
				p.lines <- fmt.Sprintf("error in %s: %s", d.NodeType, d.Exception)
				p.finish(fmt.Errorf("workflow failed in %s: %s", d.NodeType, d.Exception))
				return
			}
		}
	}
}

// readError maps a socket error after Interrupt/Kill to a clean shutdown.
func (p *comfyProcess) readError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("generation interrupted")
	}
	return fmt.Errorf("lost connection to generation server: %w", err)
}

func (p *comfyProcess) finish(err error) {
	p.mu.Lock()
	p.runErr = err
	p.mu.Unlock()
}

func (p *comfyProcess) Interrupt() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return p.engine.interruptRun()
}

func (p *comfyProcess) Kill() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if err := p.engine.interruptRun(); err != nil {
		return err
	}
	// Closing the socket unblocks the reader immediately
	return p.conn.Close()
}

func (p *comfyProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}
