package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Queue       QueueConfig      `toml:"queue"`
	Worker      WorkerConfig     `toml:"worker"`
	Events      EventsConfig     `toml:"events"`
	Reconciler  ReconcilerConfig `toml:"reconciler"`
	Engines     EnginesConfig    `toml:"engines"`
	Retention   RetentionConfig  `toml:"retention"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	Path              string `toml:"path"`               // SQLite file backing the queue
	QueueName         string `toml:"queue_name"`         // Queue name in the goqite table
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent worker slots
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before the job is failed as worker_crash
}

type WorkerConfig struct {
	ArenaRoot         string `toml:"arena_root"`         // Root directory for per-job working dirs
	GraceTimeout      string `toml:"grace_timeout"`      // Window between graceful interrupt and hard kill
	HeartbeatInterval string `toml:"heartbeat_interval"` // How often a running job extends its queue visibility
	CheckpointSteps   int    `toml:"checkpoint_steps"`   // Artifact scan cadence in steps (not every line)
}

type EventsConfig struct {
	Backlog           int    `toml:"backlog"`            // Replayable events retained per job
	SubscriberBuffer  int    `toml:"subscriber_buffer"`  // Per-subscriber channel buffer
	KeepaliveInterval string `toml:"keepalive_interval"` // Stream keepalive ping cadence
	ProgressThrottle  string `toml:"progress_throttle"`  // Min interval between progress frames on WebSocket
}

type ReconcilerConfig struct {
	StalenessWindow string  `toml:"staleness_window"` // How long a structured value stays authoritative
	SmoothingAlpha  float64 `toml:"smoothing_alpha"`  // EMA factor for iteration speed
}

type EnginesConfig struct {
	AIToolkit AIToolkitConfig `toml:"aitoolkit"`
	ComfyUI   ComfyUIConfig   `toml:"comfyui"`
}

// AIToolkitConfig configures the LoRA trainer subprocess
type AIToolkitConfig struct {
	Binary string `toml:"binary"` // Interpreter or executable, e.g. "python"
	Script string `toml:"script"` // Trainer entrypoint, e.g. "./ai-toolkit/run.py"
}

// ComfyUIConfig configures the generation backend HTTP endpoint
type ComfyUIConfig struct {
	BaseURL      string `toml:"base_url"`
	PollInterval string `toml:"poll_interval"`
}

type RetentionConfig struct {
	TTL      string `toml:"ttl"`      // How long terminal jobs and arenas are kept
	Schedule string `toml:"schedule"` // Cron schedule for the sweeper
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/fingo",
			},
		},
		Queue: QueueConfig{
			Path:              "./data/queue.db",
			QueueName:         "fingo_jobs",
			PollInterval:      "1s",
			Concurrency:       2,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Worker: WorkerConfig{
			ArenaRoot:         "./data/jobs",
			GraceTimeout:      "15s",
			HeartbeatInterval: "60s",
			CheckpointSteps:   50,
		},
		Events: EventsConfig{
			Backlog:           500,
			SubscriberBuffer:  64,
			KeepaliveInterval: "15s",
			ProgressThrottle:  "250ms",
		},
		Reconciler: ReconcilerConfig{
			// Tunable: only needs to outlive the trainer's structured
			// event cadence. See DESIGN.md.
			StalenessWindow: "10s",
			SmoothingAlpha:  0.3,
		},
		Engines: EnginesConfig{
			AIToolkit: AIToolkitConfig{
				Binary: "python",
				Script: "./ai-toolkit/run.py",
			},
			ComfyUI: ComfyUIConfig{
				BaseURL:      "http://127.0.0.1:8188",
				PollInterval: "1s",
			},
		},
		Retention: RetentionConfig{
			TTL:      "168h",
			Schedule: "@every 1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies FINGO_* environment variables over file values.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FINGO_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("FINGO_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("FINGO_STORAGE_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("FINGO_QUEUE_PATH"); v != "" {
		config.Queue.Path = v
	}
	if v := os.Getenv("FINGO_COMFYUI_URL"); v != "" {
		config.Engines.ComfyUI.BaseURL = v
	}
	if v := os.Getenv("FINGO_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority).
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxReceive <= 0 {
		return fmt.Errorf("queue max_receive must be positive, got %d", c.Queue.MaxReceive)
	}
	if c.Events.Backlog <= 0 {
		return fmt.Errorf("events backlog must be positive, got %d", c.Events.Backlog)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout},
		{"worker.grace_timeout", c.Worker.GraceTimeout},
		{"worker.heartbeat_interval", c.Worker.HeartbeatInterval},
		{"events.keepalive_interval", c.Events.KeepaliveInterval},
		{"events.progress_throttle", c.Events.ProgressThrottle},
		{"reconciler.staleness_window", c.Reconciler.StalenessWindow},
		{"retention.ttl", c.Retention.TTL},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", field.name, field.value)
		}
	}
	return nil
}

// ParseDuration parses a config duration string, falling back to def when
// the value is empty or malformed. Validate catches malformed values at
// load time; the fallback keeps call sites total.
func ParseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
