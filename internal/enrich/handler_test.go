package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/sheet-enricher/internal/models"
)

type fakeEnricher struct {
	result string
	err    error
	// captured
	lastQuery string
}

func (f *fakeEnricher) Enrich(ctx context.Context, query string) (string, error) {
	f.lastQuery = query
	if f.err != nil {
		return "", f.err
	}
	return f.result, nil
}

func (f *fakeEnricher) IsHealthy(ctx context.Context) bool {
	return f.err == nil
}

type upsertCall struct {
	documentID uuid.UUID
	rowIndex   int
	colIndex   int
	content    string
}

type fakeCellStore struct {
	err   error
	calls []upsertCall
}

func (f *fakeCellStore) Upsert(ctx context.Context, documentID uuid.UUID, rowIndex, colIndex int, content string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, upsertCall{documentID, rowIndex, colIndex, content})
	return nil
}

func cellUpdateEvent(t *testing.T, documentID uuid.UUID, rowIndex, colIndex int, content string) models.Event {
	t.Helper()

	payload, err := json.Marshal(models.CellUpdatePayload{
		RowIndex: rowIndex,
		ColIndex: colIndex,
		Content:  content,
	})
	require.NoError(t, err)

	return models.Event{
		ID:         uuid.New(),
		DocumentID: documentID,
		EventType:  models.EventTypeCellUpdate,
		Payload:    payload,
		Status:     models.EventStatusProcessing,
		CreatedAt:  time.Now(),
	}
}

func TestCellUpdateHandler_Handle(t *testing.T) {
	documentID := uuid.New()

	enricher := &fakeEnricher{result: "Paris has a population of about 2.1 million"}
	cells := &fakeCellStore{}
	handler := NewCellUpdateHandler(enricher, cells)

	update, err := handler.Handle(context.Background(), cellUpdateEvent(t, documentID, 2, 0, "population of Paris"))
	require.NoError(t, err)
	require.NotNil(t, update)

	assert.Equal(t, "population of Paris", enricher.lastQuery)

	// Result lands in the column right of the source cell
	require.Len(t, cells.calls, 1)
	assert.Equal(t, documentID, cells.calls[0].documentID)
	assert.Equal(t, 2, cells.calls[0].rowIndex)
	assert.Equal(t, 1, cells.calls[0].colIndex)
	assert.Equal(t, enricher.result, cells.calls[0].content)

	assert.Equal(t, 2, update.RowIndex)
	assert.Equal(t, 1, update.ColIndex)
	assert.Equal(t, models.CellStatusCompleted, update.Status)
	assert.Equal(t, enricher.result, update.Content)
}

func TestCellUpdateHandler_Handle_InvalidPayload(t *testing.T) {
	handler := NewCellUpdateHandler(&fakeEnricher{}, &fakeCellStore{})

	event := models.Event{
		ID:         uuid.New(),
		DocumentID: uuid.New(),
		EventType:  models.EventTypeCellUpdate,
		Payload:    json.RawMessage(`{not json`),
	}

	update, err := handler.Handle(context.Background(), event)
	require.Error(t, err)
	assert.Nil(t, update)
	assert.Contains(t, err.Error(), "invalid cell_update payload")
}

func TestCellUpdateHandler_Handle_NegativeCoordinates(t *testing.T) {
	enricher := &fakeEnricher{result: "unused"}
	cells := &fakeCellStore{}
	handler := NewCellUpdateHandler(enricher, cells)

	update, err := handler.Handle(context.Background(), cellUpdateEvent(t, uuid.New(), -1, 0, "query"))
	require.Error(t, err)
	assert.Nil(t, update)
	assert.Empty(t, enricher.lastQuery)
	assert.Empty(t, cells.calls)
}

func TestCellUpdateHandler_Handle_EnricherFailure(t *testing.T) {
	enricher := &fakeEnricher{err: errors.New("circuit breaker is open")}
	cells := &fakeCellStore{}
	handler := NewCellUpdateHandler(enricher, cells)

	update, err := handler.Handle(context.Background(), cellUpdateEvent(t, uuid.New(), 0, 0, "query"))
	require.Error(t, err)
	assert.Nil(t, update)
	assert.Contains(t, err.Error(), "enrichment failed for cell (0, 0)")
	assert.Empty(t, cells.calls)
}

func TestCellUpdateHandler_Handle_StoreFailure(t *testing.T) {
	enricher := &fakeEnricher{result: "result"}
	cells := &fakeCellStore{err: errors.New("connection refused")}
	handler := NewCellUpdateHandler(enricher, cells)

	update, err := handler.Handle(context.Background(), cellUpdateEvent(t, uuid.New(), 0, 0, "query"))
	require.Error(t, err)
	assert.Nil(t, update)
	assert.Contains(t, err.Error(), "failed to store enrichment result")
}
