package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/claims"
	"github.com/medisync-ke/claims-pipeline/internal/excel"
	"github.com/medisync-ke/claims-pipeline/internal/fhirclient"
)

// BatchSource yields record batches from an uploaded spreadsheet.
type BatchSource interface {
	Next() ([]claims.ParsedRow, error)
	Close() error
}

// SourceOpener opens a batch source for a job. Injected so tests can
// drive the coordinator without workbook files.
type SourceOpener func(path string, batchSize int) (BatchSource, error)

// ResultSink writes the annotated result copy of a processed source.
type ResultSink interface {
	WriteResults(sourcePath string, annotations []excel.Annotation) (string, error)
}

// HistoryStore persists terminal job summaries. Optional.
type HistoryStore interface {
	RecordJob(ctx context.Context, job Job) error
}

// CoordinatorConfig tunes job processing.
type CoordinatorConfig struct {
	// BatchSize is the default number of records pulled per batch.
	BatchSize int

	// BatchDelay is the pause between batches.
	BatchDelay time.Duration

	// UploadDir and ProcessedDir are swept by Cleanup.
	UploadDir    string
	ProcessedDir string

	Submitter SubmitterConfig
}

// DefaultCoordinatorConfig returns the processing defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BatchSize:  1000,
		BatchDelay: 100 * time.Millisecond,
		Submitter:  DefaultSubmitterConfig(),
	}
}

// Options parameterizes one job.
type Options struct {
	// Environment selects the remote endpoint and credential for
	// every call the job makes. Resolved once, passed down.
	Environment fhirclient.Environment

	// BatchSize overrides the configured default when positive.
	BatchSize int
}

// Coordinator owns job lifecycle: it creates jobs, drives the
// reader → submitter loop in a background goroutine per job,
// accumulates counters, publishes events, and finalizes job state.
// All mutations of a job's state flow through its owning goroutine.
type Coordinator struct {
	base       context.Context
	cfg        CoordinatorConfig
	registry   *Registry
	service    ClaimsService
	builder    *claims.BundleBuilder
	openSource SourceOpener
	results    ResultSink
	history    HistoryStore
	logger     *zap.Logger

	events chan Event
	wg     sync.WaitGroup
}

// NewCoordinator wires a coordinator. Job goroutines run on base,
// which should outlive any single request (a nil base means never
// cancelled); history may be nil.
func NewCoordinator(
	base context.Context,
	cfg CoordinatorConfig,
	registry *Registry,
	service ClaimsService,
	builder *claims.BundleBuilder,
	openSource SourceOpener,
	results ResultSink,
	history HistoryStore,
	logger *zap.Logger,
) *Coordinator {
	if base == nil {
		base = context.Background()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultCoordinatorConfig().BatchSize
	}
	return &Coordinator{
		base:       base,
		cfg:        cfg,
		registry:   registry,
		service:    service,
		builder:    builder,
		openSource: openSource,
		results:    results,
		history:    history,
		logger:     logger,
		events:     make(chan Event, 64),
	}
}

// Start accepts a spreadsheet for processing. Setup errors (an
// unreadable source) surface synchronously; once a job id is returned
// the background goroutine owns the job and all further errors land in
// its status. ctx bounds only that synchronous setup. The job itself
// runs on the coordinator's base context, so a caller whose context
// ends with an HTTP response does not take the job down with it.
func (c *Coordinator) Start(ctx context.Context, sourcePath string, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("start bulk job: %w", err)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.cfg.BatchSize
	}

	source, err := c.openSource(sourcePath, batchSize)
	if err != nil {
		return "", fmt.Errorf("open claim source: %w", err)
	}

	jobID := uuid.NewString()
	tracked := newTrackedJob(jobID, sourcePath, opts.Environment.Name)
	c.registry.add(tracked)

	c.logger.Info("Bulk claim job started",
		zap.String("job_id", jobID),
		zap.String("source", sourcePath),
		zap.String("environment", opts.Environment.Name),
		zap.Int("batch_size", batchSize))

	c.wg.Add(1)
	go c.run(c.base, tracked, source, opts)

	return jobID, nil
}

// Status returns a consistent snapshot of the job.
func (c *Coordinator) Status(jobID string) (Job, bool) {
	return c.registry.Snapshot(jobID)
}

// List returns snapshots of all known jobs.
func (c *Coordinator) List() []Job {
	return c.registry.List()
}

// Cancel flags a job for cooperative cancellation. Already dispatched
// windows finish and their outcomes are recorded; no new batch or
// window starts after the flag is observed. Returns false for unknown
// or already terminal jobs.
func (c *Coordinator) Cancel(jobID string) bool {
	tracked, ok := c.registry.get(jobID)
	if !ok {
		return false
	}
	if !tracked.requestCancel() {
		return false
	}
	c.logger.Info("Bulk claim job cancellation requested", zap.String("job_id", jobID))
	return true
}

// Cleanup removes terminal jobs older than the cutoff from the
// registry and sweeps stale files from the upload and processed
// directories. Processing jobs are untouched regardless of age.
func (c *Coordinator) Cleanup(olderThan time.Duration) (jobs, files int) {
	jobs = c.registry.Cleanup(olderThan)
	for _, dir := range []string{c.cfg.UploadDir, c.cfg.ProcessedDir} {
		if dir == "" {
			continue
		}
		files += c.sweepDir(dir, olderThan)
	}
	c.logger.Info("Cleanup finished",
		zap.Int("jobs_removed", jobs),
		zap.Int("files_removed", files))
	return jobs, files
}

// Events exposes the coordinator's notification stream. Publishing
// never blocks job processing; events are dropped if no consumer
// keeps up.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Wait blocks until all background jobs have finished. Used on
// shutdown and in tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, t *trackedJob, source BatchSource, opts Options) {
	defer c.wg.Done()
	defer source.Close()

	submitter := NewSubmitter(c.cfg.Submitter, c.service, c.builder, opts.Environment, c.logger)

	for {
		if ctx.Err() != nil || t.cancelRequested() {
			c.finishCancelled(t)
			return
		}

		batch, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.finishFailed(t, fmt.Errorf("read claim batch: %w", err))
			return
		}

		t.addTotal(len(batch))

		outcomes := submitter.ProcessBatch(ctx, batch, t.cancelRequested)
		t.applyBatch(outcomes)

		snap := t.snapshot()
		c.publish(Event{
			Type:           EventBatchProcessed,
			JobID:          snap.ID,
			BatchSize:      len(batch),
			Successful:     snap.SuccessfulClaims,
			Failed:         snap.FailedClaims,
			TotalProcessed: snap.ProcessedClaims,
		})
		c.logger.Info("Batch processed",
			zap.String("job_id", snap.ID),
			zap.Int("batch_size", len(batch)),
			zap.Int("total_processed", snap.ProcessedClaims),
			zap.Int("successful", snap.SuccessfulClaims),
			zap.Int("failed", snap.FailedClaims))

		// Partial dispatch means cancellation interrupted the batch.
		if len(outcomes) < len(batch) {
			c.finishCancelled(t)
			return
		}

		if err := sleepCtx(ctx, c.cfg.BatchDelay); err != nil {
			c.finishCancelled(t)
			return
		}
	}

	snap := t.snapshot()
	resultPath, err := c.results.WriteResults(snap.SourcePath, annotationsFor(snap.Outcomes))
	if err != nil {
		c.finishFailed(t, fmt.Errorf("write result file: %w", err))
		return
	}

	t.complete(resultPath)
	final := t.snapshot()
	c.publish(Event{Type: EventJobCompleted, JobID: final.ID})
	c.logger.Info("Bulk claim job completed",
		zap.String("job_id", final.ID),
		zap.Int("total", final.TotalClaims),
		zap.Int("successful", final.SuccessfulClaims),
		zap.Int("failed", final.FailedClaims),
		zap.String("result_file", resultPath))
	c.recordHistory(final)
}

func (c *Coordinator) finishFailed(t *trackedJob, err error) {
	t.fail(err)
	snap := t.snapshot()
	c.publish(Event{Type: EventJobFailed, JobID: snap.ID, Error: snap.Error})
	c.logger.Error("Bulk claim job failed",
		zap.String("job_id", snap.ID),
		zap.Error(err))
	c.recordHistory(snap)
}

func (c *Coordinator) finishCancelled(t *trackedJob) {
	t.markCancelled()
	snap := t.snapshot()
	c.publish(Event{Type: EventJobCancelled, JobID: snap.ID})
	c.logger.Info("Bulk claim job cancelled",
		zap.String("job_id", snap.ID),
		zap.Int("processed", snap.ProcessedClaims))
	c.recordHistory(snap)
}

func (c *Coordinator) recordHistory(job Job) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.RecordJob(ctx, job); err != nil {
		c.logger.Warn("Failed to record job history",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) publish(e Event) {
	select {
	case c.events <- e:
	default:
		c.logger.Debug("Event dropped, no consumer keeping up",
			zap.String("type", string(e.Type)),
			zap.String("job_id", e.JobID))
	}
}

func (c *Coordinator) sweepDir(dir string, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	entries, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Warn("Cleanup could not read directory",
			zap.String("dir", dir),
			zap.Error(err))
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			c.logger.Warn("Cleanup could not remove file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// annotationsFor maps outcomes onto result-file annotations, keyed by
// the source row each outcome came from.
func annotationsFor(outcomes []Outcome) []excel.Annotation {
	annotations := make([]excel.Annotation, 0, len(outcomes))
	for _, o := range outcomes {
		errMsg := o.ErrDetail
		if errMsg == "" && o.Status == OutcomeFailed {
			errMsg = o.Message
		}
		annotations = append(annotations, excel.Annotation{
			RowIndex:    o.RowIndex,
			Status:      string(o.Status),
			ClaimID:     o.ClaimID,
			Response:    string(o.Response),
			ErrMessage:  errMsg,
			ProcessedAt: o.Timestamp,
		})
	}
	return annotations
}
