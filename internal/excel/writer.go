package excel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// Annotation is the per-row processing result appended to the output
// workbook. RowIndex is the 1-based source row the annotation belongs
// to; rows without an annotation are left untouched.
type Annotation struct {
	RowIndex    int
	Status      string
	ClaimID     string
	Response    string
	ErrMessage  string
	ProcessedAt time.Time
}

var resultHeaders = []string{
	"Processing Status",
	"Claim ID",
	"Response Data",
	"Error Message",
	"Processed At",
}

// Writer produces annotated copies of processed spreadsheets.
type Writer struct {
	outputDir string
	logger    *zap.Logger
}

// NewWriter creates a writer that saves result files under outputDir.
func NewWriter(outputDir string, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{outputDir: outputDir, logger: logger}, nil
}

// WriteResults copies the source workbook and appends the result
// columns, aligning annotations with source rows by index. Returns the
// path of the written file.
func (w *Writer) WriteResults(sourcePath string, annotations []Annotation) (string, error) {
	f, err := excelize.OpenFile(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open source workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("source workbook has no sheets")
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet)
	if err != nil {
		return "", fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("sheet %s is empty", sheet)
	}

	firstResultCol := len(rows[0]) + 1
	for i, header := range resultHeaders {
		cell, err := excelize.CoordinatesToCellName(firstResultCol+i, 1)
		if err != nil {
			return "", fmt.Errorf("result header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return "", fmt.Errorf("set header %s: %w", header, err)
		}
	}

	for _, a := range annotations {
		if a.RowIndex < 2 {
			continue
		}
		values := []string{
			a.Status,
			a.ClaimID,
			a.Response,
			a.ErrMessage,
			a.ProcessedAt.UTC().Format(time.RFC3339),
		}
		for i, v := range values {
			cell, err := excelize.CoordinatesToCellName(firstResultCol+i, a.RowIndex)
			if err != nil {
				return "", fmt.Errorf("result cell for row %d: %w", a.RowIndex, err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return "", fmt.Errorf("annotate row %d: %w", a.RowIndex, err)
			}
		}
	}

	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	outPath := filepath.Join(w.outputDir, fmt.Sprintf("results_%s_%d.xlsx", base, time.Now().UnixMilli()))

	if err := f.SaveAs(outPath); err != nil {
		return "", fmt.Errorf("save result file: %w", err)
	}

	w.logger.Info("Result file written",
		zap.String("path", outPath),
		zap.Int("annotated_rows", len(annotations)))

	return outPath, nil
}
