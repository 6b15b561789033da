package model

import (
	"time"

	"github.com/google/uuid"
)

// WriteState is the durable queue state of a buffered write.
type WriteState string

const (
	WritePending  WriteState = "pending"
	WriteInFlight WriteState = "in_flight"
	WriteFailed   WriteState = "failed"
)

// WriteKind distinguishes buffered payloads.
type WriteKind string

const (
	WriteCreateMemory WriteKind = "create_memory"
	WriteUpdateMemory WriteKind = "update_memory"
)

// BufferedWrite is a durably queued memory write. Rows survive restarts and
// are removed only after a successful flush; after the attempt ceiling they
// are parked as failed and surfaced on the failure channel.
type BufferedWrite struct {
	ID            uuid.UUID      `json:"id"`
	UserID        uuid.UUID      `json:"user_id"`
	MemoryID      uuid.UUID      `json:"memory_id"`
	Kind          WriteKind      `json:"kind"`
	Payload       map[string]any `json:"payload"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	State         WriteState     `json:"state"`
	LastError     string         `json:"last_error,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

// WriteFailure is delivered on the worker's failure channel when a buffered
// write exhausts its attempts or a scan discovers an unprocessable row.
type WriteFailure struct {
	WriteID  uuid.UUID
	UserID   uuid.UUID
	MemoryID uuid.UUID
	Reason   string
}
