package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridworks/sheet-enricher/internal/models"
)

var tracer = otel.Tracer("event-queue")

// DefaultMaxAttempts is the attempt ceiling after which a failed event is
// never re-claimed.
const DefaultMaxAttempts = 5

// ErrEventNotFound is returned when an event id does not exist
var ErrEventNotFound = errors.New("event not found")

// Store is the durable, ordered log of mutation-intents backed by Postgres.
// It is the single source of truth for what work remains.
type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
	tracer      trace.Tracer
}

// NewStore creates an event queue store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		maxAttempts: DefaultMaxAttempts,
		tracer:      tracer,
	}
}

// MaxAttempts returns the retry ceiling enforced by the claim query
func (s *Store) MaxAttempts() int {
	return s.maxAttempts
}

const eventColumns = `id, document_id, event_type, payload, status, retry_count, last_error, next_attempt_at, created_at, processed_at`

// Enqueue creates a pending event with a fresh id and timestamp.
// It fails only when storage is unavailable.
func (s *Store) Enqueue(ctx context.Context, documentID uuid.UUID, eventType string, payload json.RawMessage) (models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "queue.enqueue")
	defer span.End()

	span.SetAttributes(
		attribute.String("document.id", documentID.String()),
		attribute.String("event.type", eventType),
	)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO events (id, document_id, event_type, payload, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, now())
		RETURNING `+eventColumns,
		uuid.New(), documentID, eventType, payload,
	)

	event, err := scanEvent(row)
	if err != nil {
		span.RecordError(err)
		return models.Event{}, fmt.Errorf("failed to enqueue event: %w", err)
	}

	span.SetAttributes(attribute.String("event.id", event.ID.String()))
	return event, nil
}

// ClaimBatch atomically selects up to limit claimable events oldest-first and
// transitions them to processing in the same statement. An event can only be
// claimed by one caller; concurrent claims never return the same id.
//
// Claimable means pending, or failed non-permanently (no processed_at) with
// attempts left and a due retry time.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "queue.claim_batch")
	defer span.End()

	span.SetAttributes(attribute.Int("claim.limit", limit))

	rows, err := s.pool.Query(ctx, `
		UPDATE events
		SET status = 'processing'
		WHERE id IN (
			SELECT id FROM events
			WHERE status = 'pending'
			   OR (status = 'failed' AND processed_at IS NULL
			       AND retry_count < $2 AND next_attempt_at <= now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING `+eventColumns,
		limit, s.maxAttempts,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating claimed events: %w", err)
	}

	// RETURNING does not guarantee row order; restore FIFO for the caller.
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	span.SetAttributes(attribute.Int("claim.count", len(events)))
	return events, nil
}

// MarkCompleted performs the terminal completed transition. It only applies
// to events currently processing, so a repeated call or a call against an
// already-terminal event is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "queue.mark_completed")
	defer span.End()

	span.SetAttributes(attribute.String("event.id", id.String()))

	_, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = 'completed', processed_at = now(), last_error = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark event completed: %w", err)
	}
	return nil
}

// MarkFailed records a failure, increments the retry counter and schedules
// the next attempt. When permanent is true the event also gets its terminal
// processed_at timestamp and will never be re-claimed. Like MarkCompleted it
// only applies to events currently processing.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, nextAttemptAt time.Time, permanent bool) error {
	ctx, span := s.tracer.Start(ctx, "queue.mark_failed")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.id", id.String()),
		attribute.Bool("event.permanent_failure", permanent),
	)

	_, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    last_error = $2,
		    next_attempt_at = $3,
		    processed_at = CASE WHEN $4 THEN now() ELSE processed_at END
		WHERE id = $1 AND status = 'processing'
	`, id, lastErr, nextAttemptAt.UTC(), permanent)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// ListPending returns the live queue snapshot for a document: pending,
// processing and failed events in FIFO order. Read-only, used for reporting
// and status broadcasts, never for claiming.
func (s *Store) ListPending(ctx context.Context, documentID uuid.UUID) ([]models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "queue.list_pending")
	defer span.End()

	span.SetAttributes(attribute.String("document.id", documentID.String()))

	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE document_id = $1 AND status IN ('pending', 'processing', 'failed')
		ORDER BY created_at
	`, documentID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Get retrieves a single event by id
func (s *Store) Get(ctx context.Context, id uuid.UUID) (models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "queue.get")
	defer span.End()

	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Event{}, ErrEventNotFound
		}
		span.RecordError(err)
		return models.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var e models.Event
	err := row.Scan(
		&e.ID,
		&e.DocumentID,
		&e.EventType,
		&e.Payload,
		&e.Status,
		&e.RetryCount,
		&e.LastError,
		&e.NextAttemptAt,
		&e.CreatedAt,
		&e.ProcessedAt,
	)
	return e, err
}
