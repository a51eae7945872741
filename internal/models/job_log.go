package models

import "time"

// JobLogLine is one persisted line of engine output, used by the paginated
// log view and the debug bundle.
type JobLogLine struct {
	ID         string    `json:"id" badgerhold:"key"` // <job_id>:<line_number>, zero-padded for ordering
	JobID      string    `json:"job_id"`
	LineNumber int       `json:"line_number"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}
