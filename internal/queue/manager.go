package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"
	_ "modernc.org/sqlite"

	"github.com/fingolabs/fingo/internal/models"
)

// Manager is a thin wrapper around goqite.
// It provides ONLY queue operations, no business logic.
type Manager struct {
	db     *sql.DB
	q      *goqite.Queue
	logger arbor.ILogger
}

// NewManager opens the SQLite-backed queue at config.Path and prepares the
// goqite tables. Visibility timeout and max receive count come from config.
func NewManager(logger arbor.ILogger, config Config) (*Manager, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// SQLite handles one writer at a time
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil {
		// Ignore "already exists" errors - this is expected on subsequent startups
		if !strings.Contains(err.Error(), "already exists") {
			db.Close()
			return nil, fmt.Errorf("failed to set up queue schema: %w", err)
		}
	}

	// Workers fail a job as crashed when delivery MaxReceive+1 arrives, so
	// goqite must allow one receive beyond the budget. Capping goqite at the
	// budget itself would silence the final delivery and leave the job
	// running forever.
	maxReceive := config.MaxReceive
	if maxReceive > 0 {
		maxReceive++
	}

	q := goqite.New(goqite.NewOpts{
		DB:         db,
		Name:       config.QueueName,
		Timeout:    config.VisibilityTimeout,
		MaxReceive: maxReceive,
	})

	logger.Info().
		Str("path", config.Path).
		Str("queue", config.QueueName).
		Msg("Queue manager initialized")

	return &Manager{db: db, q: q, logger: logger}, nil
}

// Enqueue adds a job message to the queue.
// This is the ONLY way work reaches the workers.
func (m *Manager) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}

	return m.q.Send(ctx, goqite.Message{
		Body: data,
	})
}

// Receive pulls the next message from the queue. Returns the decoded message,
// its delivery ID for visibility extension, an ack function that removes the
// message, and a nack function that makes it immediately redeliverable.
// Returns models.ErrNoMessage when the queue is empty.
func (m *Manager) Receive(ctx context.Context) (*models.QueueMessage, goqite.ID, func() error, func() error, error) {
	gMsg, err := m.q.Receive(ctx)
	if err != nil {
		return nil, "", nil, nil, err
	}

	// Handle nil message (empty queue)
	if gMsg == nil {
		return nil, "", nil, nil, models.ErrNoMessage
	}

	msg, err := models.QueueMessageFromJSON(gMsg.Body)
	if err != nil {
		// Poison message, drop it so it cannot wedge the queue
		m.logger.Warn().Err(err).Msg("Dropping undecodable queue message")
		if delErr := m.deleteWithTimeout(gMsg.ID); delErr != nil {
			m.logger.Warn().Err(delErr).Msg("Failed to delete undecodable queue message")
		}
		return nil, "", nil, nil, models.ErrNoMessage
	}

	// Ack and nack use fresh contexts with timeouts so they still work after
	// the original Receive context has expired
	ackFn := func() error {
		return m.deleteWithTimeout(gMsg.ID)
	}
	nackFn := func() error {
		nackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.q.Extend(nackCtx, gMsg.ID, 0)
	}

	return msg, gMsg.ID, ackFn, nackFn, nil
}

// Extend extends the visibility timeout for a long-running job.
// Call this periodically during job execution to prevent re-delivery.
func (m *Manager) Extend(ctx context.Context, messageID goqite.ID, duration time.Duration) error {
	return m.q.Extend(ctx, messageID, duration)
}

func (m *Manager) deleteWithTimeout(id goqite.ID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.q.Delete(ctx, id)
}

// Close closes the underlying queue database.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
