package cells

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridworks/sheet-enricher/internal/models"
)

var tracer = otel.Tracer("cell-store")

// ErrDocumentNotFound is returned when a document id does not exist
var ErrDocumentNotFound = errors.New("document not found")

// Store is the durable key-value surface over (document, row, column).
// Document and column lookups live here too; the pipeline treats them as
// read-only collaborators.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStore creates a cell store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		tracer: tracer,
	}
}

// Upsert writes content to (documentID, row, col) as a single atomic
// statement: insert if absent, overwrite content and updated_at if present.
// The latest write wins; there is no historical versioning.
func (s *Store) Upsert(ctx context.Context, documentID uuid.UUID, row, col int, content string) error {
	ctx, span := s.tracer.Start(ctx, "cells.upsert")
	defer span.End()

	span.SetAttributes(
		attribute.String("document.id", documentID.String()),
		attribute.Int("cell.row", row),
		attribute.Int("cell.col", col),
	)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO cells (document_id, row_index, col_index, content, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (document_id, row_index, col_index)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()
	`, documentID, row, col, content)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert cell: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by id
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error) {
	ctx, span := s.tracer.Start(ctx, "cells.get_document")
	defer span.End()

	var doc models.Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, owner_user_id, created_at
		FROM documents
		WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Title, &doc.OwnerUserID, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Document{}, ErrDocumentNotFound
		}
		span.RecordError(err)
		return models.Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// IsOwner reports whether userID owns the document
func (s *Store) IsOwner(ctx context.Context, documentID, userID uuid.UUID) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "cells.is_owner")
	defer span.End()

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM documents WHERE id = $1 AND owner_user_id = $2
	`, documentID, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to check document ownership: %w", err)
	}
	return true, nil
}

// Columns returns the ordered column list of a document
func (s *Store) Columns(ctx context.Context, documentID uuid.UUID) ([]models.Column, error) {
	ctx, span := s.tracer.Start(ctx, "cells.columns")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, title, position
		FROM document_columns
		WHERE document_id = $1
		ORDER BY position
	`, documentID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var col models.Column
		if err := rows.Scan(&col.ID, &col.DocumentID, &col.Title, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

// ReadGrid materializes the full grid for a document: the maximum populated
// row and the larger of the known column count and the maximum populated
// column delimit the grid; missing cells are backfilled with empty strings.
func (s *Store) ReadGrid(ctx context.Context, documentID uuid.UUID) (models.Grid, error) {
	ctx, span := s.tracer.Start(ctx, "cells.read_grid")
	defer span.End()

	span.SetAttributes(attribute.String("document.id", documentID.String()))

	columns, err := s.Columns(ctx, documentID)
	if err != nil {
		return models.Grid{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT row_index, col_index, content
		FROM cells
		WHERE document_id = $1
		ORDER BY row_index, col_index
	`, documentID)
	if err != nil {
		span.RecordError(err)
		return models.Grid{}, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()

	var populated []models.Cell
	for rows.Next() {
		var c models.Cell
		if err := rows.Scan(&c.RowIndex, &c.ColIndex, &c.Content); err != nil {
			return models.Grid{}, fmt.Errorf("failed to scan cell: %w", err)
		}
		populated = append(populated, c)
	}
	if err := rows.Err(); err != nil {
		return models.Grid{}, fmt.Errorf("error iterating cells: %w", err)
	}

	grid := MaterializeGrid(columns, populated)
	span.SetAttributes(
		attribute.Int("grid.rows", grid.RowCount),
		attribute.Int("grid.columns", grid.ColumnCount),
	)
	return grid, nil
}
