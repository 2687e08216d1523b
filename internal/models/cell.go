package models

import (
	"time"

	"github.com/google/uuid"
)

// Document represents a tabular document owned by a user
type Document struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	OwnerUserID uuid.UUID `json:"owner_user_id" db:"owner_user_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Column represents one ordered column of a document
type Column struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	Title      string    `json:"title" db:"title"`
	Position   int       `json:"position" db:"position"`
}

// Cell is one addressable content unit, keyed by (document, row, column)
type Cell struct {
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	RowIndex   int       `json:"row_index" db:"row_index"`
	ColIndex   int       `json:"col_index" db:"col_index"`
	Content    string    `json:"content" db:"content"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// GridColumn is the column header entry of a materialized grid export
type GridColumn struct {
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// Grid is the full rows x columns materialization of a document's cells.
// Unset positions within the column range are backfilled with empty strings.
type Grid struct {
	Columns     []GridColumn `json:"columns"`
	Rows        [][]string   `json:"rows"`
	RowCount    int          `json:"rowCount"`
	ColumnCount int          `json:"columnCount"`
}
