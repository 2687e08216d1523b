package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridworks/sheet-enricher/internal/metrics"
	"github.com/gridworks/sheet-enricher/internal/models"
)

var tracer = otel.Tracer("background-processor")

// Queue is the slice of the event queue the processor drives
type Queue interface {
	ClaimBatch(ctx context.Context, limit int) ([]models.Event, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, nextAttemptAt time.Time, permanent bool) error
}

// Notifier receives state-change notifications for connected viewers
type Notifier interface {
	PublishStatus(ctx context.Context, documentID uuid.UUID)
	PublishCellUpdate(documentID uuid.UUID, update models.CellUpdate)
}

// Handler executes one event. A non-nil CellUpdate describes the resulting
// cell transition to push to viewers.
type Handler interface {
	Handle(ctx context.Context, event models.Event) (*models.CellUpdate, error)
}

// Config tunes the processing loop
type Config struct {
	Interval     time.Duration // poll cadence of the background loop
	BatchSize    int           // max events claimed per run
	EventTimeout time.Duration // bound on a single handler invocation
	MaxAttempts  int           // attempts before an event fails permanently
	Backoff      BackoffConfig
}

// DefaultConfig returns the standard processor tuning
func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		BatchSize:    10,
		EventTimeout: 45 * time.Second,
		MaxAttempts:  5,
		Backoff:      DefaultBackoff(),
	}
}

// Processor drives the event queue to empty. It is constructed once by the
// application entry point and owns its own lifecycle: Start is idempotent,
// Stop cancels the loop and waits for the in-flight batch to finish.
type Processor struct {
	queue    Queue
	notifier Notifier
	metrics  *metrics.EventMetrics
	cfg      Config
	handlers map[string]Handler
	rng      *rand.Rand
	tracer   trace.Tracer

	runMu sync.Mutex // serializes RunOnce invocations

	mu      sync.Mutex // guards lifecycle state
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a processor. Handlers are registered per event type before Start.
func New(queue Queue, notifier Notifier, eventMetrics *metrics.EventMetrics, cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultConfig().EventTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Backoff.BaseDelay == 0 && cfg.Backoff.MaxDelay == 0 {
		cfg.Backoff = DefaultBackoff()
	}

	return &Processor{
		queue:    queue,
		notifier: notifier,
		metrics:  eventMetrics,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		tracer:   tracer,
	}
}

// Register installs the handler invoked for eventType
func (p *Processor) Register(eventType string, h Handler) {
	p.handlers[eventType] = h
}

// Start launches the background polling loop. A second call while running is
// a no-op, observable only in the log.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		log.Printf(`{"level":"info","message":"Processor already started, ignoring duplicate start"}`)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.loop(runCtx, p.done)
	log.Printf(`{"level":"info","message":"Processor started","interval":"%s","batch_size":%d}`, p.cfg.Interval, p.cfg.BatchSize)
}

// Stop cancels the loop and blocks until the in-flight batch has finished.
// Safe to call when not running.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.started = false
	p.mu.Unlock()

	cancel()
	<-done
	log.Printf(`{"level":"info","message":"Processor stopped"}`)
}

func (p *Processor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// drain anything already queued before the first tick
	if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.Printf(`{"level":"error","message":"Initial batch failed","error":"%v"}`, err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf(`{"level":"error","message":"Batch failed","error":"%v"}`, err)
			}
		}
	}
}

// RunOnce claims one batch and processes it sequentially, returning the number
// of claimed events it drove to a terminal transition attempt. A storage
// failure during the claim aborts the batch; an individual handler failure
// does not, the loop continues with the next event.
//
// RunOnce never overlaps with itself: the internal mutex serializes the timer
// loop and on-demand triggers, and the queue's atomic claim makes even
// external concurrent callers safe.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	ctx, span := p.tracer.Start(ctx, "processor.run_once")
	defer span.End()

	events, err := p.queue.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.size", len(events)))

	touched := make(map[uuid.UUID]struct{})
	processed := 0
	for _, event := range events {
		touched[event.DocumentID] = struct{}{}
		p.notifyCellTransition(event, models.CellStatusProcessing, "", "")

		p.processEvent(ctx, event)
		processed++
	}

	for documentID := range touched {
		p.notifier.PublishStatus(ctx, documentID)
	}

	return processed, nil
}

func (p *Processor) processEvent(ctx context.Context, event models.Event) {
	ctx, span := p.tracer.Start(ctx, "processor.process_event")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.id", event.ID.String()),
		attribute.String("event.type", event.EventType),
		attribute.Int("event.retry_count", event.RetryCount),
	)

	if p.metrics != nil {
		p.metrics.RecordEventStarted(ctx, event.DocumentID.String(), event.EventType)
	}
	start := time.Now()

	eventCtx, cancel := context.WithTimeout(ctx, p.cfg.EventTimeout)
	update, err := p.dispatch(eventCtx, event)
	cancel()

	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		attempt := event.RetryCount + 1
		permanent := attempt >= p.cfg.MaxAttempts
		next := NextAttemptAt(time.Now().UTC(), attempt, p.cfg.Backoff, p.rng)

		if markErr := p.queue.MarkFailed(ctx, event.ID, err.Error(), next, permanent); markErr != nil {
			log.Printf(`{"level":"error","message":"Failed to mark event failed","event_id":"%s","error":"%v"}`, event.ID, markErr)
		}
		if p.metrics != nil {
			p.metrics.RecordEventFailed(ctx, event.DocumentID.String(), event.EventType, duration)
		}
		log.Printf(`{"level":"warn","message":"Event failed","event_id":"%s","event_type":"%s","attempt":%d,"permanent":%v,"error":"%v"}`,
			event.ID, event.EventType, attempt, permanent, err)

		p.notifyCellTransition(event, models.CellStatusError, "", err.Error())
		return
	}

	if markErr := p.queue.MarkCompleted(ctx, event.ID); markErr != nil {
		log.Printf(`{"level":"error","message":"Failed to mark event completed","event_id":"%s","error":"%v"}`, event.ID, markErr)
	}
	if p.metrics != nil {
		p.metrics.RecordEventCompleted(ctx, event.DocumentID.String(), event.EventType, duration)
	}

	if update != nil {
		p.notifier.PublishCellUpdate(event.DocumentID, *update)
	}
}

func (p *Processor) dispatch(ctx context.Context, event models.Event) (*models.CellUpdate, error) {
	handler, ok := p.handlers[event.EventType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for event type %q", event.EventType)
	}
	return handler.Handle(ctx, event)
}

// notifyCellTransition pushes an intermediate cell status for events that
// target a cell. Events with other payload shapes only surface through
// status_update snapshots.
func (p *Processor) notifyCellTransition(event models.Event, status models.CellStatus, content, message string) {
	if event.EventType != models.EventTypeCellUpdate {
		return
	}
	var payload models.CellUpdatePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return
	}
	p.notifier.PublishCellUpdate(event.DocumentID, models.CellUpdate{
		RowIndex: payload.RowIndex,
		ColIndex: payload.ColIndex,
		Status:   status,
		Content:  content,
		Message:  message,
	})
}
