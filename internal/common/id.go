package common

import (
	"github.com/google/uuid"
)

// NewWorkerID generates a unique worker slot ID with the "wrk_" prefix
// Format: wrk_<uuid>
func NewWorkerID() string {
	return "wrk_" + uuid.New().String()
}
