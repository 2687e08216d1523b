package models

import (
	"time"

	"github.com/google/uuid"
)

// StreamMessageType identifies the kind of message pushed on a status stream
type StreamMessageType string

const (
	StreamTypeConnected    StreamMessageType = "connected"
	StreamTypeStatusUpdate StreamMessageType = "status_update"
	StreamTypeCellUpdate   StreamMessageType = "cell_update"
	StreamTypeError        StreamMessageType = "error"
)

// CellStatus is the per-cell state reported on the status stream
type CellStatus string

const (
	CellStatusPending    CellStatus = "pending"
	CellStatusProcessing CellStatus = "processing"
	CellStatusCompleted  CellStatus = "completed"
	CellStatusError      CellStatus = "error"
)

// StreamMessage is one JSON message delivered to a status stream subscriber
type StreamMessage struct {
	Type      StreamMessageType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Data      *StreamData       `json:"data,omitempty"`
}

// StreamData carries the payload of status_update and cell_update messages
type StreamData struct {
	PendingEvents []EventSummary `json:"pendingEvents,omitempty"`
	CellUpdate    *CellUpdate    `json:"cellUpdate,omitempty"`
}

// EventSummary is the queue-snapshot entry pushed inside status_update messages
type EventSummary struct {
	ID         uuid.UUID   `json:"id"`
	EventType  string      `json:"eventType"`
	Status     EventStatus `json:"status"`
	RetryCount int         `json:"retryCount"`
	LastError  *string     `json:"lastError,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// CellUpdate describes one cell's new status and content on the stream
type CellUpdate struct {
	RowIndex int        `json:"rowIndex"`
	ColIndex int        `json:"colIndex"`
	Status   CellStatus `json:"status"`
	Content  string     `json:"content,omitempty"`
	Progress int        `json:"progress,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// NewConnectedMessage builds the greeting sent immediately after subscribe
func NewConnectedMessage(documentID uuid.UUID) StreamMessage {
	return StreamMessage{
		Type:      StreamTypeConnected,
		Timestamp: time.Now().UTC(),
		Message:   "subscribed to document " + documentID.String(),
	}
}

// NewStatusUpdateMessage wraps a queue snapshot into a stream message
func NewStatusUpdateMessage(events []EventSummary) StreamMessage {
	return StreamMessage{
		Type:      StreamTypeStatusUpdate,
		Timestamp: time.Now().UTC(),
		Data:      &StreamData{PendingEvents: events},
	}
}

// NewCellUpdateMessage wraps a single cell transition into a stream message
func NewCellUpdateMessage(update CellUpdate) StreamMessage {
	return StreamMessage{
		Type:      StreamTypeCellUpdate,
		Timestamp: time.Now().UTC(),
		Data:      &StreamData{CellUpdate: &update},
	}
}

// NewErrorMessage reports a delivery-layer problem, not a domain error
func NewErrorMessage(message string) StreamMessage {
	return StreamMessage{
		Type:      StreamTypeError,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}
