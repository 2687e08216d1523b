package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/sheet-enricher/internal/broadcast"
	"github.com/gridworks/sheet-enricher/internal/cells"
	"github.com/gridworks/sheet-enricher/internal/enrich"
	"github.com/gridworks/sheet-enricher/internal/models"
	"github.com/gridworks/sheet-enricher/internal/processor"
	"github.com/gridworks/sheet-enricher/internal/queue"
	"github.com/gridworks/sheet-enricher/tests/helpers"
)

// fakeAgentServer answers /enrich with a deterministic transformation of the query
func fakeAgentServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/enrich":
			var req enrich.EnrichRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(enrich.EnrichResponse{Content: "enriched: " + req.Query})
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

type pipelineFixture struct {
	db         *helpers.TestDatabase
	queue      *queue.Store
	cells      *cells.Store
	hub        *broadcast.Hub
	processor  *processor.Processor
	documentID uuid.UUID
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	db := helpers.NewTestDatabase(t)
	t.Cleanup(db.Close)

	userID := db.CreateTestUser(t, uuid.NewString()+"@example.com", helpers.DefaultTestUser.Password)
	documentID := db.CreateTestDocument(t, userID, helpers.DefaultTestDocument.Title, helpers.DefaultTestDocument.Columns)
	t.Cleanup(func() { db.CleanupDocument(t, documentID.String()) })

	queueStore := queue.NewStore(db.Pool)
	cellStore := cells.NewStore(db.Pool)
	hub := broadcast.NewHub(queueStore)

	client := enrich.NewClient()
	client.SetBaseURL(fakeAgentServer(t).URL)

	proc := processor.New(queueStore, hub, nil, processor.DefaultConfig())
	proc.Register(models.EventTypeCellUpdate, enrich.NewCellUpdateHandler(client, cellStore))

	return &pipelineFixture{
		db:         db,
		queue:      queueStore,
		cells:      cellStore,
		hub:        hub,
		processor:  proc,
		documentID: documentID,
	}
}

func (f *pipelineFixture) enqueueCellUpdate(t *testing.T, rowIndex, colIndex int, content string) models.Event {
	t.Helper()

	payload, err := json.Marshal(models.CellUpdatePayload{
		RowIndex: rowIndex,
		ColIndex: colIndex,
		Content:  content,
	})
	require.NoError(t, err)

	event, err := f.queue.Enqueue(context.Background(), f.documentID, models.EventTypeCellUpdate, payload)
	require.NoError(t, err)
	return event
}

func receiveUntil(t *testing.T, sub *broadcast.Subscription, match func(models.StreamMessage) bool) models.StreamMessage {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, open := <-sub.C:
			if !open {
				t.Fatal("subscription closed before expected message arrived")
			}
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream message")
		}
	}
}

func TestEnrichmentPipeline_SingleEvent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	sub := f.hub.Subscribe(f.documentID)
	defer f.hub.Unsubscribe(sub)

	event := f.enqueueCellUpdate(t, 0, 0, "weather in NYC")

	processed, err := f.processor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// Event reached its terminal state
	stored, err := f.queue.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, stored.Status)
	require.NotNil(t, stored.ProcessedAt)
	assert.Nil(t, stored.LastError)

	// Result written to the output cell, one column right of the source
	grid, err := f.cells.ReadGrid(ctx, f.documentID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, grid.RowCount, 1)
	require.GreaterOrEqual(t, grid.ColumnCount, 2)
	assert.Equal(t, "enriched: weather in NYC", grid.Rows[0][1])

	// Subscriber saw the completed cell update
	msg := receiveUntil(t, sub, func(m models.StreamMessage) bool {
		return m.Type == models.StreamTypeCellUpdate &&
			m.Data != nil && m.Data.CellUpdate != nil &&
			m.Data.CellUpdate.Status == models.CellStatusCompleted
	})
	assert.Equal(t, 0, msg.Data.CellUpdate.RowIndex)
	assert.Equal(t, 1, msg.Data.CellUpdate.ColIndex)
	assert.Equal(t, "enriched: weather in NYC", msg.Data.CellUpdate.Content)
}

func TestEnrichmentPipeline_BatchOfTwo(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.enqueueCellUpdate(t, 0, 0, "population of Paris")
	f.enqueueCellUpdate(t, 1, 0, "population of Rome")

	processed, err := f.processor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	// No outstanding events remain
	pending, err := f.queue.ListPending(ctx, f.documentID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Export reflects both results
	grid, err := f.cells.ReadGrid(ctx, f.documentID)
	require.NoError(t, err)
	require.Equal(t, 2, grid.RowCount)
	assert.Equal(t, "enriched: population of Paris", grid.Rows[0][1])
	assert.Equal(t, "enriched: population of Rome", grid.Rows[1][1])

	csvText, err := cells.DelimitedText(grid)
	require.NoError(t, err)
	assert.Contains(t, csvText, "Query,Result")
	assert.Contains(t, csvText, "enriched: population of Paris")
	assert.Contains(t, csvText, "enriched: population of Rome")
}

func TestEnrichmentPipeline_SnapshotMatchesQueue(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	event := f.enqueueCellUpdate(t, 0, 0, "pending query")

	snapshot, err := f.hub.Snapshot(ctx, f.documentID)
	require.NoError(t, err)
	require.Equal(t, models.StreamTypeStatusUpdate, snapshot.Type)
	require.NotNil(t, snapshot.Data)
	require.Len(t, snapshot.Data.PendingEvents, 1)
	assert.Equal(t, event.ID, snapshot.Data.PendingEvents[0].ID)
	assert.Equal(t, models.EventStatusPending, snapshot.Data.PendingEvents[0].Status)

	direct, err := f.queue.ListPending(ctx, f.documentID)
	require.NoError(t, err)
	assert.Equal(t, models.SummarizeEvents(direct), snapshot.Data.PendingEvents)
}

func TestEnrichmentPipeline_FailedEventRetries(t *testing.T) {
	db := helpers.NewTestDatabase(t)
	t.Cleanup(db.Close)

	userID := db.CreateTestUser(t, uuid.NewString()+"@example.com", helpers.DefaultTestUser.Password)
	documentID := db.CreateTestDocument(t, userID, "Retry Sheet", []string{"Query", "Result"})
	t.Cleanup(func() { db.CleanupDocument(t, documentID.String()) })

	queueStore := queue.NewStore(db.Pool)
	cellStore := cells.NewStore(db.Pool)
	hub := broadcast.NewHub(queueStore)

	// Agent that always fails
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := enrich.NewClient()
	client.SetBaseURL(server.URL)

	cfg := processor.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.Backoff.BaseDelay = time.Nanosecond
	cfg.Backoff.MaxDelay = time.Nanosecond
	proc := processor.New(queueStore, hub, nil, cfg)
	proc.Register(models.EventTypeCellUpdate, enrich.NewCellUpdateHandler(client, cellStore))

	ctx := context.Background()
	payload, err := json.Marshal(models.CellUpdatePayload{RowIndex: 0, ColIndex: 0, Content: "doomed query"})
	require.NoError(t, err)
	event, err := queueStore.Enqueue(ctx, documentID, models.EventTypeCellUpdate, payload)
	require.NoError(t, err)

	// First attempt fails and schedules a retry
	processed, err := proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored, err := queueStore.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.LastError)
	assert.Nil(t, stored.ProcessedAt)

	// Second attempt exhausts the retry allowance and the failure becomes permanent
	time.Sleep(5 * time.Millisecond)
	processed, err = proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored, err = queueStore.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	require.NotNil(t, stored.ProcessedAt)

	// A permanently failed event is never claimed again
	processed, err = proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}
