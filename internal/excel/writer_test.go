package excel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func TestWriteResults(t *testing.T) {
	source := writeWorkbook(t, [][]any{
		validRow("P-1"),
		validRow("P-2"),
	})

	w, err := NewWriter(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	processedAt := time.Date(2025, 3, 6, 12, 0, 0, 0, time.UTC)
	outPath, err := w.WriteResults(source, []Annotation{
		{
			RowIndex:    2,
			Status:      "success",
			ClaimID:     "claim-1",
			Response:    `{"ok":true}`,
			ProcessedAt: processedAt,
		},
	})
	require.NoError(t, err)

	f, err := excelize.OpenFile(outPath)
	require.NoError(t, err)
	defer f.Close()
	sheet := f.GetSheetList()[0]

	firstResultCol := len(testHeaders) + 1

	headerCell, _ := excelize.CoordinatesToCellName(firstResultCol, 1)
	header, err := f.GetCellValue(sheet, headerCell)
	require.NoError(t, err)
	assert.Equal(t, "Processing Status", header)

	statusCell, _ := excelize.CoordinatesToCellName(firstResultCol, 2)
	status, err := f.GetCellValue(sheet, statusCell)
	require.NoError(t, err)
	assert.Equal(t, "success", status)

	claimCell, _ := excelize.CoordinatesToCellName(firstResultCol+1, 2)
	claimID, err := f.GetCellValue(sheet, claimCell)
	require.NoError(t, err)
	assert.Equal(t, "claim-1", claimID)

	// Row 3 had no annotation and must stay untouched.
	row3Cell, _ := excelize.CoordinatesToCellName(firstResultCol, 3)
	row3, err := f.GetCellValue(sheet, row3Cell)
	require.NoError(t, err)
	assert.Empty(t, row3)
}

func TestWriteResultsPreservesOriginalColumns(t *testing.T) {
	source := writeWorkbook(t, [][]any{validRow("P-1")})

	w, err := NewWriter(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	outPath, err := w.WriteResults(source, nil)
	require.NoError(t, err)
	assert.Equal(t, ".xlsx", filepath.Ext(outPath))

	f, err := excelize.OpenFile(outPath)
	require.NoError(t, err)
	defer f.Close()
	sheet := f.GetSheetList()[0]

	patientID, err := f.GetCellValue(sheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, "P-1", patientID)
}
