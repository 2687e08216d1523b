package broadcast

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridworks/sheet-enricher/internal/models"
)

var tracer = otel.Tracer("status-broadcaster")

// subscriptionBuffer bounds how far a slow viewer can lag before messages
// are dropped. Delivery is best-effort; a reconnecting viewer re-derives
// status from a fresh snapshot.
const subscriptionBuffer = 32

// StatusSource supplies the live queue snapshot for status_update messages
type StatusSource interface {
	ListPending(ctx context.Context, documentID uuid.UUID) ([]models.Event, error)
}

// Subscription is one viewer's ephemeral, in-memory push channel. It is
// created on connect and destroyed on disconnect, never persisted. Messages
// arrive in the order the underlying transitions occurred.
type Subscription struct {
	DocumentID uuid.UUID
	C          <-chan models.StreamMessage

	id uint64
	ch chan models.StreamMessage
}

// Hub fans queue and cell state changes out to every subscribed viewer of a
// document. It is transport-independent: the gateway drains subscriptions
// onto WebSocket connections, tests read the channels directly.
type Hub struct {
	source StatusSource
	tracer trace.Tracer

	mu     sync.RWMutex
	subs   map[uuid.UUID]map[uint64]*Subscription
	nextID uint64
}

// NewHub creates a broadcaster backed by the given status source
func NewHub(source StatusSource) *Hub {
	return &Hub{
		source: source,
		tracer: tracer,
		subs:   make(map[uuid.UUID]map[uint64]*Subscription),
	}
}

// Subscribe opens a push channel for a document. The caller is responsible
// for sending the connected greeting and the initial snapshot, then draining
// sub.C until Unsubscribe.
func (h *Hub) Subscribe(documentID uuid.UUID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		DocumentID: documentID,
		id:         h.nextID,
		ch:         make(chan models.StreamMessage, subscriptionBuffer),
	}
	sub.C = sub.ch

	if h.subs[documentID] == nil {
		h.subs[documentID] = make(map[uint64]*Subscription)
	}
	h.subs[documentID][sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Further
// messages for it are silently dropped. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	docSubs, ok := h.subs[sub.DocumentID]
	if !ok {
		return
	}
	if _, ok := docSubs[sub.id]; !ok {
		return
	}
	delete(docSubs, sub.id)
	if len(docSubs) == 0 {
		delete(h.subs, sub.DocumentID)
	}
	close(sub.ch)
}

// SubscriberCount reports how many viewers are connected to a document
func (h *Hub) SubscriberCount(documentID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[documentID])
}

// Snapshot builds the status_update message that reflects the queue state at
// this instant. Used both for the initial message after subscribe and for
// broadcast pushes.
func (h *Hub) Snapshot(ctx context.Context, documentID uuid.UUID) (models.StreamMessage, error) {
	events, err := h.source.ListPending(ctx, documentID)
	if err != nil {
		return models.StreamMessage{}, err
	}
	return models.NewStatusUpdateMessage(models.SummarizeEvents(events)), nil
}

// PublishStatus pushes a fresh queue snapshot to every subscriber of the
// document. A snapshot failure degrades to an error message; it never blocks
// or aborts processing.
func (h *Hub) PublishStatus(ctx context.Context, documentID uuid.UUID) {
	ctx, span := h.tracer.Start(ctx, "broadcast.publish_status")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", documentID.String()))

	msg, err := h.Snapshot(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"warn","message":"Failed to build status snapshot","document_id":"%s","error":"%v"}`, documentID, err)
		msg = models.NewErrorMessage("failed to load status snapshot")
	}
	h.publish(documentID, msg)
}

// PublishCellUpdate pushes a single cell transition to every subscriber of
// the document.
func (h *Hub) PublishCellUpdate(documentID uuid.UUID, update models.CellUpdate) {
	h.publish(documentID, models.NewCellUpdateMessage(update))
}

// publish fans one message out without blocking: a subscriber whose buffer is
// full loses the message. Closing only happens under the write lock, so a
// send under the read lock can never hit a closed channel.
func (h *Hub) publish(documentID uuid.UUID, msg models.StreamMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[documentID] {
		select {
		case sub.ch <- msg:
		default:
			log.Printf(`{"level":"warn","message":"Dropping stream message for slow subscriber","document_id":"%s","type":"%s"}`, documentID, msg.Type)
		}
	}
}
