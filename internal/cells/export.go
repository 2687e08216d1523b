package cells

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/gridworks/sheet-enricher/internal/models"
)

// MaterializeGrid builds the rows x columns view from the known column list
// and the populated cells. The grid spans the maximum populated row and the
// larger of the declared column count and the maximum populated column index;
// unset positions become empty strings.
func MaterializeGrid(columns []models.Column, populated []models.Cell) models.Grid {
	colCount := len(columns)
	rowCount := 0
	for _, c := range populated {
		if c.RowIndex+1 > rowCount {
			rowCount = c.RowIndex + 1
		}
		if c.ColIndex+1 > colCount {
			colCount = c.ColIndex + 1
		}
	}

	gridColumns := make([]models.GridColumn, colCount)
	for i := range gridColumns {
		if i < len(columns) {
			gridColumns[i] = models.GridColumn{Title: columns[i].Title, Position: columns[i].Position}
		} else {
			// Cells written past the declared columns (e.g. enrichment output
			// in the rightmost column) still need a header slot.
			gridColumns[i] = models.GridColumn{Title: fmt.Sprintf("Column %d", i+1), Position: i}
		}
	}

	rows := make([][]string, rowCount)
	for i := range rows {
		rows[i] = make([]string, colCount)
	}
	for _, c := range populated {
		if c.RowIndex >= 0 && c.ColIndex >= 0 {
			rows[c.RowIndex][c.ColIndex] = c.Content
		}
	}

	return models.Grid{
		Columns:     gridColumns,
		Rows:        rows,
		RowCount:    rowCount,
		ColumnCount: colCount,
	}
}

// DelimitedText renders the grid as CSV whose first line is the column titles
func DelimitedText(grid models.Grid) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	header := make([]string, len(grid.Columns))
	for i, col := range grid.Columns {
		header[i] = col.Title
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("failed to write export header: %w", err)
	}
	for _, row := range grid.Rows {
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("failed to write export row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush export: %w", err)
	}
	return sb.String(), nil
}

// ExportFilename derives a download filename from the document title,
// replacing every non-alphanumeric character with an underscore.
func ExportFilename(title string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, title)
	if sanitized == "" {
		sanitized = "document"
	}
	return sanitized + ".csv"
}
