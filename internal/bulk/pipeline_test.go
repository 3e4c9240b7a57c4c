package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/claims"
	"github.com/medisync-ke/claims-pipeline/internal/excel"
	"github.com/medisync-ke/claims-pipeline/internal/fhirclient"
)

var sheetHeaders = []string{
	"patientId", "patientName", "patientGender", "patientBirthDate", "patientIdentifiersID",
	"providerFID", "providerName", "providerLevel", "providerIdentifiersSlade", "providerActive",
	"use", "claimSubType",
	"productOrServiceCode", "productOrServiceInterventionName", "productOrServiceQuantity",
	"productOrServiceUnitPrice", "productOrServiceNetValue",
	"productOrServiceServicePeriodStart", "productOrServiceServicePeriodEnd", "productOrServiceSequence",
	"billablePeriodStart", "billablePeriodEnd", "CreateDate",
	"totalValue", "currency", "approvedAmount", "relatedClaimId",
}

func sheetRow(patientID, use string) []any {
	return []any{
		patientID, "Jane Akinyi", "female", "1990-04-12", "12345678",
		"FID-1", "Garissa Referral", "Level 5", "SL-9", "true",
		use, "ip",
		"SHA-INT-001", "Inpatient care", "1",
		"1500", "1500",
		"2025-03-01", "2025-03-02", "1",
		"2025-03-01", "2025-03-02", "2025-03-03",
		"1500", "KES", "1200", "",
	}
}

func writeClaimsWorkbook(t *testing.T, dir string, rows [][]any) string {
	t.Helper()

	f := excelize.NewFile()
	sheet := f.GetSheetList()[0]

	header := make([]any, len(sheetHeaders))
	for i, h := range sheetHeaders {
		header[i] = h
	}
	require.NoError(t, f.SetSheetRow(sheet, "A1", &header))

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}

	path := dir + "/claims.xlsx"
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

// recordingService answers like the remote service and keeps every
// submitted Claim resource for inspection.
type recordingService struct {
	mu     sync.Mutex
	claims []claims.ClaimResource
}

func (r *recordingService) SubmitBundle(_ context.Context, _ fhirclient.Environment, bundle any) fhirclient.Result {
	b, ok := bundle.(*claims.Bundle)
	if !ok {
		return fhirclient.Result{StatusCode: 400, Err: &fhirclient.RemoteCallError{Op: "submit", StatusCode: 400}}
	}

	var claimRes claims.ClaimResource
	for _, entry := range b.Entry {
		if c, ok := entry.Resource.(claims.ClaimResource); ok {
			claimRes = c
		}
	}

	r.mu.Lock()
	r.claims = append(r.claims, claimRes)
	r.mu.Unlock()

	if claimRes.Use == "preauthorization" {
		return okResult(bundleBody("pre-1"))
	}
	return okResult(bundleBody("final-1"))
}

func (r *recordingService) GetClaim(context.Context, fhirclient.Environment, string) fhirclient.Result {
	return okResult(stateBody("approved"))
}

func (r *recordingService) submitted() []claims.ClaimResource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]claims.ClaimResource(nil), r.claims...)
}

func TestPipelineEndToEnd(t *testing.T) {
	sourceDir := t.TempDir()
	processedDir := t.TempDir()

	sourcePath := writeClaimsWorkbook(t, sourceDir, [][]any{
		sheetRow("CR100", "claim"),
		sheetRow("CR200", "preauth-claim"),
	})

	svc := &recordingService{}
	logger := zap.NewNop()

	resultWriter, err := excel.NewWriter(processedDir, logger)
	require.NoError(t, err)

	openSource := func(path string, batchSize int) (BatchSource, error) {
		reader, err := excel.NewReader(path, batchSize, logger)
		if err != nil {
			return nil, err
		}
		return reader, nil
	}

	cfg := DefaultCoordinatorConfig()
	cfg.BatchDelay = time.Millisecond
	cfg.Submitter = fastConfig()
	builder := claims.NewBundleBuilder(claims.DefaultServerURLs())
	c := NewCoordinator(context.Background(), cfg, NewRegistry(), svc, builder, openSource, resultWriter, nil, logger)

	jobID, err := c.Start(context.Background(), sourcePath, qaOptions())
	require.NoError(t, err)
	c.Wait()

	job, ok := c.Status(jobID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalClaims)
	assert.Equal(t, 2, job.ProcessedClaims)
	assert.Equal(t, 2, job.SuccessfulClaims)
	assert.Zero(t, job.FailedClaims)
	require.NotEmpty(t, job.ResultFilePath)

	// Preauthorization then two final claims went over the wire, and
	// the preauthorized record's final claim references its preauth.
	submitted := svc.submitted()
	require.Len(t, submitted, 3)
	var related int
	for _, claimRes := range submitted {
		if claimRes.Use == "claim" && len(claimRes.Related) > 0 {
			related++
			assert.Equal(t, "pre-1", claimRes.Related[0].Claim.Identifier.Value)
		}
	}
	assert.Equal(t, 1, related, "exactly one final claim carries the preauth reference")

	// The result copy is annotated per source row.
	f, err := excelize.OpenFile(job.ResultFilePath)
	require.NoError(t, err)
	defer f.Close()
	sheet := f.GetSheetList()[0]

	statusCol := len(sheetHeaders) + 1
	headerCell, err := excelize.CoordinatesToCellName(statusCol, 1)
	require.NoError(t, err)
	header, err := f.GetCellValue(sheet, headerCell)
	require.NoError(t, err)
	assert.Equal(t, "Processing Status", header)

	for _, row := range []int{2, 3} {
		cell, err := excelize.CoordinatesToCellName(statusCol, row)
		require.NoError(t, err)
		status, err := f.GetCellValue(sheet, cell)
		require.NoError(t, err)
		assert.Equal(t, "success", status, "row %d", row)
	}
}
