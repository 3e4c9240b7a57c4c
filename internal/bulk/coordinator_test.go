package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/claims"
	"github.com/medisync-ke/claims-pipeline/internal/excel"
	"github.com/medisync-ke/claims-pipeline/internal/fhirclient"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]claims.ParsedRow
	next    int
	err     error // returned once the batches run out, instead of EOF
	closed  bool
	hook    func(call int)
}

func (f *fakeSource) Next() ([]claims.ParsedRow, error) {
	f.mu.Lock()
	f.next++
	call := f.next
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(call)
	}
	if call > len(f.batches) {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	return f.batches[call-1], nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeSink struct {
	mu          sync.Mutex
	sourcePath  string
	annotations []excel.Annotation
	err         error
}

func (f *fakeSink) WriteResults(sourcePath string, annotations []excel.Annotation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sourcePath = sourcePath
	f.annotations = annotations
	return filepath.Join("processed", "results_claims.xlsx"), nil
}

type fakeHistory struct {
	mu   sync.Mutex
	jobs []Job
}

func (f *fakeHistory) RecordJob(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeHistory) recorded() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Job(nil), f.jobs...)
}

func opener(src *fakeSource) SourceOpener {
	return func(string, int) (BatchSource, error) { return src, nil }
}

func newTestCoordinator(svc ClaimsService, open SourceOpener, sink ResultSink, history HistoryStore) *Coordinator {
	cfg := DefaultCoordinatorConfig()
	cfg.BatchDelay = time.Millisecond
	cfg.Submitter = fastConfig()
	builder := claims.NewBundleBuilder(claims.DefaultServerURLs())
	return NewCoordinator(context.Background(), cfg, NewRegistry(), svc, builder, open, sink, history, zap.NewNop())
}

func qaOptions() Options {
	return Options{Environment: fhirclient.Environment{Name: "qa", BaseURL: "https://qa.example.com", APIKey: "test-key"}}
}

func TestJobRunsToCompletion(t *testing.T) {
	svc := &fakeService{
		submitFn: func(call int) fhirclient.Result { return okResult(bundleBody(fmt.Sprintf("claim-%d", call))) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{
		{validRow(2, claims.UseClaim), validRow(3, claims.UseClaim)},
		{validRow(4, claims.UseClaim)},
	}}
	sink := &fakeSink{}
	history := &fakeHistory{}
	c := newTestCoordinator(svc, opener(src), sink, history)

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	c.Wait()

	job, ok := c.Status(jobID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalClaims)
	assert.Equal(t, 3, job.ProcessedClaims)
	assert.Equal(t, 3, job.SuccessfulClaims)
	assert.Zero(t, job.FailedClaims)
	assert.NotEmpty(t, job.ResultFilePath)
	require.NotNil(t, job.EndTime)
	assert.Len(t, job.Outcomes, 3)

	assert.True(t, src.closed)
	assert.Equal(t, "uploads/claims.xlsx", sink.sourcePath)
	assert.Len(t, sink.annotations, 3)

	recorded := history.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, jobID, recorded[0].ID)
	assert.Equal(t, StatusCompleted, recorded[0].Status)
}

func TestJobCountsFailedRecords(t *testing.T) {
	svc := &fakeService{
		submitFn: func(call int) fhirclient.Result { return okResult(bundleBody(fmt.Sprintf("claim-%d", call))) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{{
		validRow(2, claims.UseClaim),
		{Record: claims.ClaimRecord{RowIndex: 3}, Err: errors.New("quantity not numeric")},
	}}}
	sink := &fakeSink{}
	c := newTestCoordinator(svc, opener(src), sink, nil)

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	c.Wait()

	job, _ := c.Status(jobID)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 2, job.ProcessedClaims)
	assert.Equal(t, 1, job.SuccessfulClaims)
	assert.Equal(t, 1, job.FailedClaims)

	// The malformed row still reaches the result file as a failure.
	var failedAnn *excel.Annotation
	for i := range sink.annotations {
		if sink.annotations[i].RowIndex == 3 {
			failedAnn = &sink.annotations[i]
		}
	}
	require.NotNil(t, failedAnn)
	assert.Equal(t, string(OutcomeFailed), failedAnn.Status)
	assert.Contains(t, failedAnn.ErrMessage, "quantity not numeric")
}

func TestJobFailsOnUnreadableSource(t *testing.T) {
	c := newTestCoordinator(&fakeService{}, func(string, int) (BatchSource, error) {
		return nil, errors.New("no such file")
	}, &fakeSink{}, nil)

	_, err := c.Start(context.Background(), "uploads/missing.xlsx", qaOptions())
	require.Error(t, err)
	assert.Empty(t, c.List(), "no job is registered when setup fails")
}

func TestJobFailsOnMidStreamReadError(t *testing.T) {
	svc := &fakeService{
		submitFn: func(int) fhirclient.Result { return okResult(bundleBody("claim-1")) },
	}
	src := &fakeSource{
		batches: [][]claims.ParsedRow{{validRow(2, claims.UseClaim)}},
		err:     errors.New("corrupt sheet"),
	}
	history := &fakeHistory{}
	c := newTestCoordinator(svc, opener(src), &fakeSink{}, history)

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	c.Wait()

	job, _ := c.Status(jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "corrupt sheet")
	assert.Equal(t, 1, job.ProcessedClaims, "the batch before the error still counts")

	recorded := history.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, StatusFailed, recorded[0].Status)
}

func TestJobFailsWhenResultWriteFails(t *testing.T) {
	svc := &fakeService{
		submitFn: func(int) fhirclient.Result { return okResult(bundleBody("claim-1")) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{{validRow(2, claims.UseClaim)}}}
	c := newTestCoordinator(svc, opener(src), &fakeSink{err: errors.New("disk full")}, nil)

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	c.Wait()

	job, _ := c.Status(jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "disk full")
}

func TestCancelStopsFurtherBatches(t *testing.T) {
	svc := &fakeService{
		submitFn: func(call int) fhirclient.Result { return okResult(bundleBody(fmt.Sprintf("claim-%d", call))) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{
		{validRow(2, claims.UseClaim), validRow(3, claims.UseClaim)},
		{validRow(4, claims.UseClaim)},
	}}
	sink := &fakeSink{}
	c := newTestCoordinator(svc, opener(src), sink, nil)

	ready := make(chan string, 1)
	src.hook = func(call int) {
		if call == 2 {
			assert.True(t, c.Cancel(<-ready))
		}
	}

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	ready <- jobID
	c.Wait()

	job, _ := c.Status(jobID)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Less(t, job.ProcessedClaims, job.TotalClaims)
	assert.Empty(t, job.ResultFilePath, "a cancelled job produces no result file")
	assert.Empty(t, sink.sourcePath)
}

func TestCancelRejectsUnknownAndTerminalJobs(t *testing.T) {
	svc := &fakeService{
		submitFn: func(int) fhirclient.Result { return okResult(bundleBody("claim-1")) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{{validRow(2, claims.UseClaim)}}}
	c := newTestCoordinator(svc, opener(src), &fakeSink{}, nil)

	assert.False(t, c.Cancel("no-such-job"))

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	c.Wait()

	assert.False(t, c.Cancel(jobID), "completed jobs cannot be cancelled")
	job, _ := c.Status(jobID)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestEventsTrackJobProgress(t *testing.T) {
	svc := &fakeService{
		submitFn: func(call int) fhirclient.Result { return okResult(bundleBody(fmt.Sprintf("claim-%d", call))) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{
		{validRow(2, claims.UseClaim)},
		{validRow(3, claims.UseClaim)},
	}}
	c := newTestCoordinator(svc, opener(src), &fakeSink{}, nil)

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	c.Wait()

	var types []EventType
	var lastBatch Event
drain:
	for {
		select {
		case e := <-c.Events():
			types = append(types, e.Type)
			if e.Type == EventBatchProcessed {
				lastBatch = e
			}
		default:
			break drain
		}
	}

	assert.Equal(t, []EventType{EventBatchProcessed, EventBatchProcessed, EventJobCompleted}, types)
	assert.Equal(t, jobID, lastBatch.JobID)
	assert.Equal(t, 2, lastBatch.TotalProcessed)
	assert.Equal(t, 2, lastBatch.Successful)
}

func TestCleanupSweepsJobsAndFiles(t *testing.T) {
	svc := &fakeService{
		submitFn: func(int) fhirclient.Result { return okResult(bundleBody("claim-1")) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{{validRow(2, claims.UseClaim)}}}

	uploadDir := t.TempDir()
	processedDir := t.TempDir()

	stale := filepath.Join(uploadDir, "claims_old.xlsx")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	fresh := filepath.Join(processedDir, "results_new.xlsx")
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))

	cfg := DefaultCoordinatorConfig()
	cfg.BatchDelay = time.Millisecond
	cfg.Submitter = fastConfig()
	cfg.UploadDir = uploadDir
	cfg.ProcessedDir = processedDir
	builder := claims.NewBundleBuilder(claims.DefaultServerURLs())
	c := NewCoordinator(context.Background(), cfg, NewRegistry(), svc, builder, opener(src), &fakeSink{}, nil, zap.NewNop())

	jobID, err := c.Start(context.Background(), "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	c.Wait()

	jobs, files := c.Cleanup(time.Hour)
	assert.Zero(t, jobs, "a freshly finished job survives an hour-long cutoff")
	assert.Equal(t, 1, files)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)

	jobs, _ = c.Cleanup(0)
	assert.Equal(t, 1, jobs)
	_, ok := c.Status(jobID)
	assert.False(t, ok)
}

func TestJobOutlivesCallerContext(t *testing.T) {
	svc := &fakeService{
		submitFn: func(call int) fhirclient.Result { return okResult(bundleBody(fmt.Sprintf("claim-%d", call))) },
	}
	src := &fakeSource{batches: [][]claims.ParsedRow{
		{validRow(2, claims.UseClaim)},
		{validRow(3, claims.UseClaim)},
		{validRow(4, claims.UseClaim)},
	}}
	c := newTestCoordinator(svc, opener(src), &fakeSink{}, nil)

	callerCtx, cancel := context.WithCancel(context.Background())
	jobID, err := c.Start(callerCtx, "uploads/claims.xlsx", qaOptions())
	require.NoError(t, err)
	cancel()
	c.Wait()

	job, ok := c.Status(jobID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 3, job.ProcessedClaims)
	assert.Equal(t, 3, job.SuccessfulClaims)
}

func TestStartRejectsDeadContext(t *testing.T) {
	src := &fakeSource{batches: [][]claims.ParsedRow{{validRow(2, claims.UseClaim)}}}
	c := newTestCoordinator(&fakeService{}, opener(src), &fakeSink{}, nil)

	dead, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Start(dead, "uploads/claims.xlsx", qaOptions())
	require.Error(t, err)
	assert.Empty(t, c.List())
}
