package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gridworks/sheet-enricher/internal/models"
)

var streamTracer = otel.Tracer("status-stream")

const streamWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking for production
		return true
	},
}

// StreamDocument handles WebSocket /api/ws/documents/:id
// @Summary Stream document status updates
// @Description WebSocket endpoint streaming event status and cell updates for a document
// @Tags documents
// @Param id path string true "Document ID"
// @Param token query string false "JWT token (alternative to Authorization header)"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} map[string]string
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/documents/{id} [get]
func (h *Handler) StreamDocument(c *gin.Context) {
	ctx, span := streamTracer.Start(c.Request.Context(), "stream.document")
	defer span.End()

	documentID, ok := h.authorizedDocument(c, ctx, span)
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("document.id", documentID.String()))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"error","message":"Failed to upgrade connection","error":"%v","document_id":"%s"}`, err, documentID)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(documentID)
	defer h.hub.Unsubscribe(sub)

	log.Printf(`{"level":"info","message":"Status stream opened","document_id":"%s"}`, documentID)

	// Greeting plus a full snapshot so the client starts from current state
	if err := writeStreamMessage(conn, models.NewConnectedMessage(documentID)); err != nil {
		span.RecordError(err)
		return
	}

	snapshot, err := h.hub.Snapshot(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		snapshot = models.NewErrorMessage("failed to load status snapshot")
	}
	if err := writeStreamMessage(conn, snapshot); err != nil {
		span.RecordError(err)
		return
	}

	// Read pump: we ignore client payloads but need reads to detect disconnect
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump: drain the subscription until the client goes away or the
	// subscription is closed
	for {
		select {
		case msg, open := <-sub.C:
			if !open {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			if err := writeStreamMessage(conn, msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					span.RecordError(err)
					log.Printf(`{"level":"warn","message":"Status stream write failed","error":"%v","document_id":"%s"}`, err, documentID)
				}
				return
			}
		case <-readerDone:
			log.Printf(`{"level":"info","message":"Status stream client disconnected","document_id":"%s"}`, documentID)
			return
		}
	}
}

func writeStreamMessage(conn *websocket.Conn, msg models.StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}
