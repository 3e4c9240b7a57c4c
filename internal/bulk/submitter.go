package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/claims"
	"github.com/medisync-ke/claims-pipeline/internal/fhirclient"
)

// ClaimsService is the remote boundary the submitter drives. Retry
// policy lives here, not in the client.
type ClaimsService interface {
	SubmitBundle(ctx context.Context, env fhirclient.Environment, bundle any) fhirclient.Result
	GetClaim(ctx context.Context, env fhirclient.Environment, claimID string) fhirclient.Result
}

// SubmitterConfig tunes the per-batch submission protocol.
type SubmitterConfig struct {
	// Concurrency caps in-flight records per window.
	Concurrency int

	// WindowDelay is the pause between windows, easing pressure on
	// the remote service.
	WindowDelay time.Duration

	// PollRetries is the number of additional fetches after the first
	// when awaiting preauthorization approval.
	PollRetries int

	// PollDelay separates consecutive approval fetches.
	PollDelay time.Duration
}

// DefaultSubmitterConfig mirrors the remote service's expected load
// profile.
func DefaultSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{
		Concurrency: 5,
		WindowDelay: 50 * time.Millisecond,
		PollRetries: 3,
		PollDelay:   5 * time.Second,
	}
}

func (c SubmitterConfig) withDefaults() SubmitterConfig {
	d := DefaultSubmitterConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.WindowDelay < 0 {
		c.WindowDelay = d.WindowDelay
	}
	if c.PollRetries < 0 {
		c.PollRetries = d.PollRetries
	}
	if c.PollDelay <= 0 {
		c.PollDelay = d.PollDelay
	}
	return c
}

// Submitter processes one batch of claim records at a time. Records
// are partitioned into fixed-size windows no larger than the
// concurrency cap; a window's records run concurrently and the whole
// window completes before the next starts.
type Submitter struct {
	cfg     SubmitterConfig
	service ClaimsService
	builder *claims.BundleBuilder
	env     fhirclient.Environment
	logger  *zap.Logger
	now     func() time.Time
}

// NewSubmitter creates a submitter bound to one environment.
func NewSubmitter(cfg SubmitterConfig, service ClaimsService, builder *claims.BundleBuilder, env fhirclient.Environment, logger *zap.Logger) *Submitter {
	return &Submitter{
		cfg:     cfg.withDefaults(),
		service: service,
		builder: builder,
		env:     env,
		logger:  logger,
		now:     time.Now,
	}
}

// ProcessBatch runs the submission protocol for every record in the
// batch and returns one outcome per dispatched record. When cancelled
// reports true (or ctx ends) between windows, no further window is
// dispatched and the outcomes gathered so far are returned; records in
// the in-flight window still finish and are recorded.
func (s *Submitter) ProcessBatch(ctx context.Context, rows []claims.ParsedRow, cancelled func() bool) []Outcome {
	outcomes := make([]Outcome, 0, len(rows))

	for start := 0; start < len(rows); start += s.cfg.Concurrency {
		if ctx.Err() != nil || (cancelled != nil && cancelled()) {
			break
		}

		end := min(start+s.cfg.Concurrency, len(rows))
		window := rows[start:end]
		results := make([]Outcome, len(window))

		var wg sync.WaitGroup
		for i, row := range window {
			wg.Add(1)
			go func(i int, row claims.ParsedRow) {
				defer wg.Done()
				results[i] = s.processRecord(ctx, row)
			}(i, row)
		}
		wg.Wait()

		outcomes = append(outcomes, results...)

		if end < len(rows) {
			if err := sleepCtx(ctx, s.cfg.WindowDelay); err != nil {
				break
			}
		}
	}

	return outcomes
}

// processRecord runs the per-record protocol to a terminal outcome.
// Nothing escapes as an error or panic: a record's failure must never
// abort its siblings.
func (s *Submitter) processRecord(ctx context.Context, row claims.ParsedRow) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Record processing panicked",
				zap.Int("row", row.Record.RowIndex),
				zap.Any("panic", p))
			outcome = s.failed(row.Record.RowIndex, "", "claim processing failed unexpectedly", fmt.Sprintf("%v", p), nil)
		}
	}()

	if row.Err != nil {
		return s.failed(row.Record.RowIndex, "", "row failed validation", row.Err.Error(), nil)
	}
	rec := row.Record

	var priorAuthID string
	if rec.IsPreauth() {
		bundle, err := s.builder.Build(rec, "")
		if err != nil {
			return s.failed(rec.RowIndex, "", "document build failed", err.Error(), nil)
		}

		res := s.service.SubmitBundle(ctx, s.env, bundle)
		if !res.Success {
			return s.failed(rec.RowIndex, "", "preauthorization submission failed", errDetail(res), res.Body)
		}

		priorAuthID = fhirclient.ExtractClaimID(res.Body)
		if priorAuthID == "" {
			extractErr := &ExtractionError{Detail: "preauthorization response carried no Claim entry"}
			return s.failed(rec.RowIndex, "", "could not determine preauthorization id", extractErr.Error(), res.Body)
		}

		if out, approved := s.awaitApproval(ctx, rec.RowIndex, priorAuthID); !approved {
			return out
		}
	}

	bundle, err := s.builder.Build(rec, priorAuthID)
	if err != nil {
		return s.failed(rec.RowIndex, priorAuthID, "document build failed", err.Error(), nil)
	}

	res := s.service.SubmitBundle(ctx, s.env, bundle)
	if !res.Success {
		return s.failed(rec.RowIndex, priorAuthID, "claim submission failed", errDetail(res), res.Body)
	}

	return Outcome{
		Status:    OutcomeSuccess,
		ClaimID:   fhirclient.ExtractClaimID(res.Body),
		Message:   "claim submitted",
		Response:  res.Body,
		RowIndex:  rec.RowIndex,
		Timestamp: s.now(),
	}
}

// awaitApproval polls the preauthorization until it is approved or the
// retry budget runs out: one initial fetch plus PollRetries more, each
// PollDelay apart. A failed fetch ends polling immediately.
func (s *Submitter) awaitApproval(ctx context.Context, rowIndex int, preauthID string) (Outcome, bool) {
	var state string

	for attempt := 0; attempt <= s.cfg.PollRetries; attempt++ {
		res := s.service.GetClaim(ctx, s.env, preauthID)
		if !res.Success {
			return s.failed(rowIndex, preauthID, "failed to retrieve preauthorization state", errDetail(res), res.Body), false
		}

		state = fhirclient.ClaimState(res.Body)
		if state == fhirclient.StateApproved {
			return Outcome{}, true
		}

		if attempt < s.cfg.PollRetries {
			if err := sleepCtx(ctx, s.cfg.PollDelay); err != nil {
				return s.failed(rowIndex, preauthID, "cancelled while awaiting preauthorization", err.Error(), nil), false
			}
		}
	}

	notApproved := &PreauthNotApprovedError{LastState: state, Attempts: s.cfg.PollRetries + 1}
	return s.failed(rowIndex, preauthID, "preauthorization not approved", notApproved.Error(), nil), false
}

func (s *Submitter) failed(rowIndex int, claimID, message, detail string, response []byte) Outcome {
	return Outcome{
		Status:    OutcomeFailed,
		ClaimID:   claimID,
		Message:   message,
		Response:  response,
		ErrDetail: detail,
		RowIndex:  rowIndex,
		Timestamp: s.now(),
	}
}

func errDetail(res fhirclient.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("remote call failed with status %d", res.StatusCode)
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
