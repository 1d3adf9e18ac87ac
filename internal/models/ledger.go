package models

import (
	"time"

	"github.com/google/uuid"
)

type LedgerStage string

const (
	// LedgerStageReceived is appended before any side effect of an event.
	LedgerStageReceived LedgerStage = "received"
	// LedgerStageProcessed is appended once every effect of the event is durable.
	LedgerStageProcessed LedgerStage = "processed"
)

// LedgerEntry is an append-only record of a processor event. Rows are never updated or deleted.
type LedgerEntry struct {
	ID        uuid.UUID   `json:"id"`
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	JobID     *uuid.UUID  `json:"job_id,omitempty"`
	Stage     LedgerStage `json:"stage"`
	Note      string      `json:"note,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
