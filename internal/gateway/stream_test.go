package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/sheet-enricher/internal/auth"
	"github.com/gridworks/sheet-enricher/internal/broadcast"
	"github.com/gridworks/sheet-enricher/internal/models"
)

type snapshotSource struct {
	events []models.Event
}

func (s *snapshotSource) ListPending(ctx context.Context, documentID uuid.UUID) ([]models.Event, error) {
	return s.events, nil
}

func newStreamServer(t *testing.T, hub *broadcast.Hub, docs *stubDocuments) (*httptest.Server, uuid.UUID) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	userID := uuid.New()
	handler := NewHandler(&stubQueue{}, docs, &stubRunner{}, hub, nil, nil, nil)

	router := gin.New()
	router.GET("/api/ws/documents/:id", func(c *gin.Context) {
		c.Set(auth.UserIDKey, userID.String())
	}, handler.StreamDocument)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, userID
}

func dialStream(t *testing.T, server *httptest.Server, documentID uuid.UUID) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/documents/" + documentID.String()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStreamMessage(t *testing.T, conn *websocket.Conn) models.StreamMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg models.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamDocument_ConnectedAndSnapshot(t *testing.T) {
	documentID := uuid.New()
	source := &snapshotSource{events: []models.Event{
		{ID: uuid.New(), DocumentID: documentID, EventType: models.EventTypeCellUpdate, Status: models.EventStatusPending, CreatedAt: time.Now()},
	}}
	hub := broadcast.NewHub(source)

	server, _ := newStreamServer(t, hub, &stubDocuments{owner: true})
	conn := dialStream(t, server, documentID)

	connected := readStreamMessage(t, conn)
	assert.Equal(t, models.StreamTypeConnected, connected.Type)
	assert.Contains(t, connected.Message, documentID.String())

	snapshot := readStreamMessage(t, conn)
	assert.Equal(t, models.StreamTypeStatusUpdate, snapshot.Type)
	require.NotNil(t, snapshot.Data)
	require.Len(t, snapshot.Data.PendingEvents, 1)
	assert.Equal(t, models.EventStatusPending, snapshot.Data.PendingEvents[0].Status)
}

func TestStreamDocument_ReceivesCellUpdates(t *testing.T) {
	documentID := uuid.New()
	hub := broadcast.NewHub(&snapshotSource{})

	server, _ := newStreamServer(t, hub, &stubDocuments{owner: true})
	conn := dialStream(t, server, documentID)

	// Drain the greeting and snapshot
	readStreamMessage(t, conn)
	readStreamMessage(t, conn)

	// The hub fans out after the subscriber is registered; wait for that
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(documentID) == 1
	}, time.Second, 10*time.Millisecond)

	hub.PublishCellUpdate(documentID, models.CellUpdate{
		RowIndex: 0,
		ColIndex: 1,
		Status:   models.CellStatusCompleted,
		Content:  "Sunny, 24C",
	})

	msg := readStreamMessage(t, conn)
	assert.Equal(t, models.StreamTypeCellUpdate, msg.Type)
	require.NotNil(t, msg.Data)
	require.NotNil(t, msg.Data.CellUpdate)
	assert.Equal(t, 1, msg.Data.CellUpdate.ColIndex)
	assert.Equal(t, models.CellStatusCompleted, msg.Data.CellUpdate.Status)
	assert.Equal(t, "Sunny, 24C", msg.Data.CellUpdate.Content)
}

func TestStreamDocument_RejectsNonOwner(t *testing.T) {
	hub := broadcast.NewHub(&snapshotSource{})
	server, _ := newStreamServer(t, hub, &stubDocuments{owner: false})

	documentID := uuid.New()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/documents/" + documentID.String()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDocument_UnsubscribesOnDisconnect(t *testing.T) {
	documentID := uuid.New()
	hub := broadcast.NewHub(&snapshotSource{})

	server, _ := newStreamServer(t, hub, &stubDocuments{owner: true})
	conn := dialStream(t, server, documentID)

	readStreamMessage(t, conn)
	readStreamMessage(t, conn)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount(documentID) == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount(documentID) == 0
	}, time.Second, 10*time.Millisecond)
}
