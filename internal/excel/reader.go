// Package excel streams claim records out of spreadsheet uploads and
// writes annotated result copies.
package excel

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/claims"
)

// Column names the reader expects on the header row. Exact names
// matter; unknown columns are ignored.
const (
	colPatientID           = "patientId"
	colPatientName         = "patientName"
	colPatientGender       = "patientGender"
	colPatientBirthDate    = "patientBirthDate"
	colPatientNationalID   = "patientIdentifiersID"
	colProviderFID         = "providerFID"
	colProviderName        = "providerName"
	colProviderLevel       = "providerLevel"
	colProviderSlade       = "providerIdentifiersSlade"
	colProviderActive      = "providerActive"
	colUse                 = "use"
	colClaimSubType        = "claimSubType"
	colProductCode         = "productOrServiceCode"
	colProductName         = "productOrServiceInterventionName"
	colProductQuantity     = "productOrServiceQuantity"
	colProductUnitPrice    = "productOrServiceUnitPrice"
	colProductNet          = "productOrServiceNetValue"
	colProductPeriodStart  = "productOrServiceServicePeriodStart"
	colProductPeriodEnd    = "productOrServiceServicePeriodEnd"
	colProductSequence     = "productOrServiceSequence"
	colBillablePeriodStart = "billablePeriodStart"
	colBillablePeriodEnd   = "billablePeriodEnd"
	colCreateDate          = "CreateDate"
	colTotalValue          = "totalValue"
	colCurrency            = "currency"
	colApprovedAmount      = "approvedAmount"
	colRelatedClaimID      = "relatedClaimId"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01-02-06",
	"1/2/2006",
	"2006/01/02",
}

// Reader streams batches of normalized claim records from an xlsx
// file. The sequence is finite and not restartable: reaching the end
// requires reopening the source to read it again.
type Reader struct {
	file      *excelize.File
	rows      *excelize.Rows
	header    map[string]int
	batchSize int
	rowIndex  int
	skipped   int
	now       func() time.Time
	logger    *zap.Logger
}

// NewReader opens the first sheet of the workbook and consumes the
// header row. Rows lacking a patient identifier are skipped (and
// counted); rows that fail normalization are yielded flagged so the
// pipeline can surface them as failed outcomes instead of silently
// dropping them.
func NewReader(path string, batchSize int, logger *zap.Logger) (*Reader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("workbook has no sheets")
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("iterate sheet %s: %w", sheets[0], err)
	}

	if !rows.Next() {
		rows.Close()
		f.Close()
		return nil, fmt.Errorf("sheet %s has no header row", sheets[0])
	}
	headerCells, err := rows.Columns()
	if err != nil {
		rows.Close()
		f.Close()
		return nil, fmt.Errorf("read header row: %w", err)
	}

	header := make(map[string]int, len(headerCells))
	for i, name := range headerCells {
		name = strings.TrimSpace(name)
		if name != "" {
			header[name] = i
		}
	}
	if _, ok := header[colPatientID]; !ok {
		rows.Close()
		f.Close()
		return nil, fmt.Errorf("header row is missing the %s column", colPatientID)
	}

	return &Reader{
		file:      f,
		rows:      rows,
		header:    header,
		batchSize: batchSize,
		rowIndex:  1,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Next returns the next batch of at most batchSize rows. The final
// partial batch is still returned; after that Next returns io.EOF.
func (r *Reader) Next() ([]claims.ParsedRow, error) {
	var batch []claims.ParsedRow

	for r.rows.Next() {
		r.rowIndex++

		cells, err := r.rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", r.rowIndex, err)
		}

		if r.cell(cells, colPatientID) == "" {
			r.skipped++
			continue
		}

		batch = append(batch, r.mapRow(cells, r.rowIndex))
		if len(batch) >= r.batchSize {
			return batch, nil
		}
	}

	if err := r.rows.Error(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	if len(batch) > 0 {
		return batch, nil
	}
	return nil, io.EOF
}

// SkippedRows reports how many rows were skipped for lacking a patient
// identifier.
func (r *Reader) SkippedRows() int {
	return r.skipped
}

// Close releases the underlying workbook.
func (r *Reader) Close() error {
	if err := r.rows.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

func (r *Reader) cell(cells []string, name string) string {
	idx, ok := r.header[name]
	if !ok || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

// mapRow normalizes one data row. Numeric parse failures flag the row
// rather than aborting the stream; monetary amounts are never
// defaulted when a value is present but malformed.
func (r *Reader) mapRow(cells []string, rowIndex int) claims.ParsedRow {
	fail := func(field, raw string) claims.ParsedRow {
		r.logger.Warn("Row failed normalization",
			zap.Int("row", rowIndex),
			zap.String("field", field),
			zap.String("value", raw))
		return claims.ParsedRow{
			Record: claims.ClaimRecord{RowIndex: rowIndex},
			Err:    claims.NewValidationError(field, fmt.Sprintf("cannot parse %q as a number", raw)),
		}
	}

	unitPrice, raw, err := r.amount(cells, colProductUnitPrice)
	if err != nil {
		return fail(colProductUnitPrice, raw)
	}
	netValue, raw, err := r.amount(cells, colProductNet)
	if err != nil {
		return fail(colProductNet, raw)
	}
	totalValue, raw, err := r.amount(cells, colTotalValue)
	if err != nil {
		return fail(colTotalValue, raw)
	}
	approved, raw, err := r.amount(cells, colApprovedAmount)
	if err != nil {
		return fail(colApprovedAmount, raw)
	}

	quantity := 1.0
	if rawQty := r.cell(cells, colProductQuantity); rawQty != "" {
		quantity, err = strconv.ParseFloat(rawQty, 64)
		if err != nil {
			return fail(colProductQuantity, rawQty)
		}
	}

	sequence := 1
	if rawSeq := r.cell(cells, colProductSequence); rawSeq != "" {
		if n, err := strconv.Atoi(rawSeq); err == nil {
			sequence = n
		}
	}

	currency := r.cell(cells, colCurrency)
	if currency == "" {
		currency = "KES"
	}

	patientID := r.cell(cells, colPatientID)
	patientIdentifiers := []claims.Identifier{{System: "SHA", Value: patientID}}
	if nationalID := r.cell(cells, colPatientNationalID); nationalID != "" {
		patientIdentifiers = append(patientIdentifiers, claims.Identifier{System: "NationalID", Value: nationalID})
	}

	providerID := r.cell(cells, colProviderFID)
	var providerIdentifiers []claims.Identifier
	if slade := r.cell(cells, colProviderSlade); slade != "" {
		providerIdentifiers = append(providerIdentifiers, claims.Identifier{System: "slade_code", Value: slade})
	}
	if providerID != "" {
		providerIdentifiers = append(providerIdentifiers, claims.Identifier{System: "FID", Value: providerID})
	}

	use := claims.UseType(r.cell(cells, colUse))
	if use == "" {
		use = claims.UseClaim
	}

	return claims.ParsedRow{
		Record: claims.ClaimRecord{
			RowIndex: rowIndex,
			Patient: claims.Patient{
				ID:          patientID,
				Name:        r.cell(cells, colPatientName),
				Gender:      r.cell(cells, colPatientGender),
				BirthDate:   r.date(cells, colPatientBirthDate),
				Identifiers: patientIdentifiers,
			},
			Provider: claims.Provider{
				ID:          providerID,
				Name:        r.cell(cells, colProviderName),
				Level:       r.cell(cells, colProviderLevel),
				Active:      strings.EqualFold(r.cell(cells, colProviderActive), "true"),
				Identifiers: providerIdentifiers,
			},
			Use:          use,
			ClaimSubType: r.cell(cells, colClaimSubType),
			Items: []claims.LineItem{
				{
					Sequence:  sequence,
					Code:      r.cell(cells, colProductCode),
					Display:   r.cell(cells, colProductName),
					Quantity:  quantity,
					UnitPrice: claims.Money{Value: unitPrice, Currency: currency},
					Net:       claims.Money{Value: netValue, Currency: currency},
					ServicePeriod: claims.Period{
						Start: r.date(cells, colProductPeriodStart),
						End:   r.date(cells, colProductPeriodEnd),
					},
				},
			},
			BillablePeriod: claims.BillablePeriod{
				Start:   r.date(cells, colBillablePeriodStart),
				End:     r.date(cells, colBillablePeriodEnd),
				Created: r.date(cells, colCreateDate),
			},
			Total:          claims.Money{Value: totalValue, Currency: currency},
			ApprovedAmount: approved,
			RelatedClaimID: r.cell(cells, colRelatedClaimID),
		},
	}
}

// amount parses a monetary cell. Empty cells are zero; a non-empty
// cell that does not parse is an error, never a silent zero.
func (r *Reader) amount(cells []string, name string) (float64, string, error) {
	raw := r.cell(cells, name)
	if raw == "" {
		return 0, raw, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0, raw, err
	}
	return v, raw, nil
}

// date normalizes a date cell to YYYY-MM-DD, falling back to today
// when the cell is empty or unparseable.
func (r *Reader) date(cells []string, name string) string {
	raw := r.cell(cells, name)
	if raw == "" {
		return r.now().UTC().Format("2006-01-02")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return r.now().UTC().Format("2006-01-02")
}
