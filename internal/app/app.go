package app

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fingolabs/fingo/internal/common"
	"github.com/fingolabs/fingo/internal/engines"
	"github.com/fingolabs/fingo/internal/events"
	"github.com/fingolabs/fingo/internal/handlers"
	"github.com/fingolabs/fingo/internal/interfaces"
	"github.com/fingolabs/fingo/internal/queue"
	"github.com/fingolabs/fingo/internal/services/retention"
	"github.com/fingolabs/fingo/internal/storage/badger"
	"github.com/fingolabs/fingo/internal/worker"
)

// App wires the storage, queue, event bus, engines, workers and handlers
// together and owns their lifecycle.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Storage  interfaces.StorageManager
	QueueMgr *queue.Manager
	Bus      *events.Bus
	Registry *engines.Registry
	Arenas   *worker.ArenaManager
	Runner   *worker.Runner
	Pool     *worker.Pool
	Sweeper  *retention.Sweeper

	APIHandler       *handlers.APIHandler
	JobHandler       *handlers.JobHandler
	StreamHandler    *handlers.StreamHandler
	WebSocketHandler *handlers.WebSocketHandler
	LogsHandler      *handlers.LogsHandler
}

// New builds the application from configuration.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: config, Logger: logger}

	storage, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = storage

	queueMgr, err := queue.NewManager(logger, queue.Config{
		Path:              config.Queue.Path,
		QueueName:         config.Queue.QueueName,
		PollInterval:      common.ParseDuration(config.Queue.PollInterval, time.Second),
		VisibilityTimeout: common.ParseDuration(config.Queue.VisibilityTimeout, 5*time.Minute),
		MaxReceive:        config.Queue.MaxReceive,
		Concurrency:       config.Queue.Concurrency,
	})
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.QueueMgr = queueMgr

	a.Bus = events.NewBus(logger, config.Events.Backlog, config.Events.SubscriberBuffer)
	a.Registry = engines.NewRegistry(logger, &config.Engines)

	arenas, err := worker.NewArenaManager(logger, config.Worker.ArenaRoot)
	if err != nil {
		queueMgr.Close()
		storage.Close()
		return nil, fmt.Errorf("failed to initialize arenas: %w", err)
	}
	a.Arenas = arenas

	a.Runner = worker.NewRunner(logger, storage, queueMgr, a.Bus, a.Registry, arenas, worker.Config{
		GraceTimeout:      common.ParseDuration(config.Worker.GraceTimeout, 10*time.Second),
		HeartbeatInterval: common.ParseDuration(config.Worker.HeartbeatInterval, time.Minute),
		VisibilityTimeout: common.ParseDuration(config.Queue.VisibilityTimeout, 5*time.Minute),
		CheckpointSteps:   config.Worker.CheckpointSteps,
		MaxReceive:        config.Queue.MaxReceive,
		StalenessWindow:   common.ParseDuration(config.Reconciler.StalenessWindow, 10*time.Second),
		SmoothingAlpha:    config.Reconciler.SmoothingAlpha,
	})

	a.Pool = worker.NewPool(logger, a.Runner, queueMgr,
		config.Queue.Concurrency,
		common.ParseDuration(config.Queue.PollInterval, time.Second),
	)

	a.Sweeper = retention.NewSweeper(logger, storage, a.Bus, arenas,
		common.ParseDuration(config.Retention.TTL, 168*time.Hour),
		config.Retention.Schedule,
	)

	keepalive := common.ParseDuration(config.Events.KeepaliveInterval, 15*time.Second)
	a.APIHandler = handlers.NewAPIHandler(logger)
	a.JobHandler = handlers.NewJobHandler(storage, queueMgr, a.Bus, a.Registry, a.Runner, logger)
	a.StreamHandler = handlers.NewStreamHandler(storage, a.Bus, logger, keepalive)
	a.WebSocketHandler = handlers.NewWebSocketHandler(storage, a.Bus, logger,
		common.ParseDuration(config.Events.ProgressThrottle, 250*time.Millisecond), keepalive)
	a.LogsHandler = handlers.NewLogsHandler(storage, logger)

	return a, nil
}

// Start launches the background components.
func (a *App) Start() error {
	a.Pool.Start()
	if err := a.Sweeper.Start(); err != nil {
		return err
	}
	return nil
}

// Close stops the background components and releases resources.
func (a *App) Close() error {
	a.Sweeper.Stop()
	a.Pool.Stop()

	var firstErr error
	if err := a.QueueMgr.Close(); err != nil {
		firstErr = err
	}
	if err := a.Storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
