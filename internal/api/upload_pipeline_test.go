package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/bulk"
	"github.com/medisync-ke/claims-pipeline/internal/claims"
	"github.com/medisync-ke/claims-pipeline/internal/excel"
	"github.com/medisync-ke/claims-pipeline/internal/fhirclient"
)

type stubSource struct {
	mu      sync.Mutex
	batches [][]claims.ParsedRow
	next    int
}

func (s *stubSource) Next() ([]claims.ParsedRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.batches) {
		return nil, io.EOF
	}
	batch := s.batches[s.next]
	s.next++
	return batch, nil
}

func (s *stubSource) Close() error { return nil }

type stubClaimsService struct {
	mu      sync.Mutex
	submits int
}

func (s *stubClaimsService) SubmitBundle(context.Context, fhirclient.Environment, any) fhirclient.Result {
	s.mu.Lock()
	s.submits++
	n := s.submits
	s.mu.Unlock()
	body := fmt.Sprintf(
		`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Claim","id":"claim-%d"}}]}`, n)
	return fhirclient.Result{Success: true, StatusCode: 200, Body: []byte(body)}
}

func (s *stubClaimsService) GetClaim(context.Context, fhirclient.Environment, string) fhirclient.Result {
	return fhirclient.Result{Success: true, StatusCode: 200}
}

type stubSink struct{}

func (stubSink) WriteResults(sourcePath string, _ []excel.Annotation) (string, error) {
	return sourcePath + ".results", nil
}

func uploadRow(rowIndex int) claims.ParsedRow {
	return claims.ParsedRow{Record: claims.ClaimRecord{
		RowIndex: rowIndex,
		Patient:  claims.Patient{ID: "CR7201834", Name: "Jane Achieng"},
		Provider: claims.Provider{ID: "FID-27-100339", Name: "Nairobi West Hospital"},
		Use:      claims.UseClaim,
		Items: []claims.LineItem{{
			Sequence:  1,
			Code:      "SHA-04-001",
			Quantity:  1,
			UnitPrice: claims.Money{Value: 1500, Currency: "KES"},
			Net:       claims.Money{Value: 1500, Currency: "KES"},
		}},
		Total: claims.Money{Value: 1500, Currency: "KES"},
	}}
}

// Jobs started over HTTP must keep running after the upload response
// is written, even though net/http cancels the request context at
// that point.
func TestUploadedJobOutlivesRequest(t *testing.T) {
	src := &stubSource{batches: [][]claims.ParsedRow{
		{uploadRow(2)},
		{uploadRow(3)},
		{uploadRow(4)},
	}}
	open := func(string, int) (bulk.BatchSource, error) { return src, nil }

	cfg := bulk.DefaultCoordinatorConfig()
	cfg.BatchDelay = time.Millisecond
	cfg.Submitter = bulk.SubmitterConfig{
		Concurrency: 2,
		WindowDelay: time.Millisecond,
		PollRetries: 1,
		PollDelay:   time.Millisecond,
	}
	coordinator := bulk.NewCoordinator(context.Background(), cfg, bulk.NewRegistry(),
		&stubClaimsService{}, claims.NewBundleBuilder(claims.DefaultServerURLs()),
		open, stubSink{}, nil, zap.NewNop())

	uploadDir := t.TempDir()
	handlers := NewHandlers(coordinator, &fakeHealth{result: fhirclient.Result{Success: true, StatusCode: 200}},
		nil, testEnvironments(), uploadDir, zap.NewNop())
	server := NewServer(DefaultServerConfig(), handlers, zap.NewNop())

	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	body, contentType := multipartUpload(t, "claims.xlsx", nil)
	resp, err := http.Post(ts.URL+"/api/v1/claims/bulk/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	jobID := accepted.Data.(map[string]any)["jobId"].(string)
	require.NotEmpty(t, jobID)

	// The 202 has been written and the request context is gone.
	coordinator.Wait()

	statusResp, err := http.Get(ts.URL + "/api/v1/claims/bulk/status/" + jobID)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status Response
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	job := status.Data.(map[string]any)

	assert.Equal(t, string(bulk.StatusCompleted), job["status"])
	assert.Equal(t, float64(3), job["totalClaims"])
	assert.Equal(t, float64(3), job["processedClaims"])
	assert.Equal(t, float64(3), job["successfulClaims"])
	assert.Equal(t, float64(0), job["failedClaims"])
}
