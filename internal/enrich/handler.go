package enrich

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gridworks/sheet-enricher/internal/models"
)

// CellStore persists enrichment results back into the document grid.
type CellStore interface {
	Upsert(ctx context.Context, documentID uuid.UUID, rowIndex, colIndex int, content string) error
}

// CellUpdateHandler processes cell_update events: it enriches the source
// cell's content via the agent service and writes the result into the
// adjacent output cell (same row, next column).
type CellUpdateHandler struct {
	enricher Enricher
	cells    CellStore
}

// NewCellUpdateHandler creates a handler backed by the given enricher and cell store.
func NewCellUpdateHandler(enricher Enricher, cells CellStore) *CellUpdateHandler {
	return &CellUpdateHandler{
		enricher: enricher,
		cells:    cells,
	}
}

// Handle enriches the event's cell content and stores the result.
func (h *CellUpdateHandler) Handle(ctx context.Context, event models.Event) (*models.CellUpdate, error) {
	var payload models.CellUpdatePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid cell_update payload: %w", err)
	}

	if payload.RowIndex < 0 || payload.ColIndex < 0 {
		return nil, fmt.Errorf("invalid cell coordinates (%d, %d)", payload.RowIndex, payload.ColIndex)
	}

	content, err := h.enricher.Enrich(ctx, payload.Content)
	if err != nil {
		return nil, fmt.Errorf("enrichment failed for cell (%d, %d): %w", payload.RowIndex, payload.ColIndex, err)
	}

	outputCol := payload.ColIndex + 1
	if err := h.cells.Upsert(ctx, event.DocumentID, payload.RowIndex, outputCol, content); err != nil {
		return nil, fmt.Errorf("failed to store enrichment result: %w", err)
	}

	return &models.CellUpdate{
		RowIndex: payload.RowIndex,
		ColIndex: outputCol,
		Status:   models.CellStatusCompleted,
		Content:  content,
	}, nil
}
