package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStatus represents the lifecycle state of a queued event
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
)

// Event types
const (
	EventTypeCellUpdate = "cell_update"
)

// Event represents one unit of queued asynchronous work in the event queue
type Event struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	DocumentID    uuid.UUID       `json:"document_id" db:"document_id"`
	EventType     string          `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        EventStatus     `json:"status" db:"status"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// IsTerminal reports whether the event has reached a state the processor will
// never pick up again. A failed event with remaining attempts is not terminal.
func (e Event) IsTerminal(maxAttempts int) bool {
	switch e.Status {
	case EventStatusCompleted:
		return true
	case EventStatusFailed:
		return e.RetryCount >= maxAttempts
	default:
		return false
	}
}

// Summary converts the event into the shape pushed on the status stream.
func (e Event) Summary() EventSummary {
	return EventSummary{
		ID:         e.ID,
		EventType:  e.EventType,
		Status:     e.Status,
		RetryCount: e.RetryCount,
		LastError:  e.LastError,
		CreatedAt:  e.CreatedAt,
	}
}

// SummarizeEvents maps a queue snapshot to stream summaries, preserving order.
func SummarizeEvents(events []Event) []EventSummary {
	summaries := make([]EventSummary, 0, len(events))
	for _, e := range events {
		summaries = append(summaries, e.Summary())
	}
	return summaries
}

// CellUpdatePayload is the handler-specific payload carried by cell_update events
type CellUpdatePayload struct {
	RowIndex int    `json:"rowIndex"`
	ColIndex int    `json:"colIndex"`
	Content  string `json:"content"`
}
