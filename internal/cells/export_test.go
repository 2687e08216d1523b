package cells

import (
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/sheet-enricher/internal/models"
)

func threeColumns() []models.Column {
	return []models.Column{
		{Title: "Query", Position: 0},
		{Title: "Result", Position: 1},
		{Title: "Notes", Position: 2},
	}
}

func TestMaterializeGrid_BackfillsEmptyCells(t *testing.T) {
	populated := []models.Cell{
		{RowIndex: 0, ColIndex: 0, Content: "weather NYC"},
		{RowIndex: 0, ColIndex: 1, Content: "sunny, 21C"},
		{RowIndex: 1, ColIndex: 2, Content: "follow up"},
	}

	grid := MaterializeGrid(threeColumns(), populated)

	assert.Equal(t, 2, grid.RowCount)
	assert.Equal(t, 3, grid.ColumnCount)
	assert.Equal(t, [][]string{
		{"weather NYC", "sunny, 21C", ""},
		{"", "", "follow up"},
	}, grid.Rows)
}

func TestMaterializeGrid_CellBeyondDeclaredColumns(t *testing.T) {
	columns := []models.Column{{Title: "Query", Position: 0}}
	populated := []models.Cell{
		{RowIndex: 0, ColIndex: 0, Content: "weather NYC"},
		{RowIndex: 0, ColIndex: 1, Content: "sunny, 21C"},
	}

	grid := MaterializeGrid(columns, populated)

	require.Equal(t, 2, grid.ColumnCount)
	assert.Equal(t, "Query", grid.Columns[0].Title)
	assert.Equal(t, "Column 2", grid.Columns[1].Title)
	assert.Equal(t, [][]string{{"weather NYC", "sunny, 21C"}}, grid.Rows)
}

func TestMaterializeGrid_Empty(t *testing.T) {
	grid := MaterializeGrid(threeColumns(), nil)

	assert.Equal(t, 0, grid.RowCount)
	assert.Equal(t, 3, grid.ColumnCount)
	assert.Empty(t, grid.Rows)
}

func TestDelimitedText_RoundTrip(t *testing.T) {
	populated := []models.Cell{
		{RowIndex: 0, ColIndex: 0, Content: "weather NYC"},
		{RowIndex: 0, ColIndex: 1, Content: "sunny, 21C"},
		{RowIndex: 1, ColIndex: 0, Content: "population, Tokyo"},
	}
	grid := MaterializeGrid(threeColumns(), populated)

	text, err := DelimitedText(grid)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(text)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []string{"Query", "Result", "Notes"}, records[0])
	assert.Equal(t, grid.Rows[0], records[1])
	assert.Equal(t, grid.Rows[1], records[2])
	// Empty-string cells within the column range survive the round trip.
	assert.Equal(t, "", records[2][1])
	assert.Equal(t, "", records[2][2])
}

func TestExportFilename(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		expected string
	}{
		{"plain", "Research", "Research.csv"},
		{"spaces_and_punctuation", "Q3 Results (final)!", "Q3_Results__final__.csv"},
		{"unicode", "données 2026", "donn_es_2026.csv"},
		{"empty", "", "document.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExportFilename(tt.title))
		})
	}
}
