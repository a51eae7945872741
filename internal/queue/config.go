package queue

import "time"

// Config holds configuration for the queue manager
type Config struct {
	// Path is the SQLite file backing the queue
	Path string

	// QueueName is the name of the queue in the goqite table
	QueueName string

	// PollInterval is how often workers poll for messages
	PollInterval time.Duration

	// VisibilityTimeout is the message visibility timeout for redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the worker's redelivery budget. The queue hands out one
	// delivery beyond it so the worker can observe the exhausted budget and
	// fail the job as crashed.
	MaxReceive int

	// Concurrency is the number of concurrent worker slots
	Concurrency int
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		Path:              "./data/queue.db",
		QueueName:         "fingo_jobs",
		PollInterval:      1 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
		MaxReceive:        3,
		Concurrency:       2,
	}
}
