// Package history persists terminal bulk-job summaries so throughput
// and failure rates survive process restarts. Live job state stays in
// memory; only finished jobs land here.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/bulk"
	"github.com/medisync-ke/claims-pipeline/pkg/database"
)

// Store is the sqlite-backed job history repository.
type Store struct {
	db     *database.DB
	logger *zap.Logger
}

// NewStore creates a job history store.
func NewStore(db *database.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// RecordJob upserts a terminal job summary. Re-recording the same job
// id overwrites the earlier row, so a retried history write after a
// transient failure cannot duplicate.
func (s *Store) RecordJob(ctx context.Context, job bulk.Job) error {
	query := `
		INSERT INTO job_history (
			job_id, environment, status, total_claims, processed_claims,
			successful_claims, failed_claims, started_at, finished_at,
			result_file, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			total_claims = excluded.total_claims,
			processed_claims = excluded.processed_claims,
			successful_claims = excluded.successful_claims,
			failed_claims = excluded.failed_claims,
			finished_at = excluded.finished_at,
			result_file = excluded.result_file,
			error = excluded.error
	`

	var finishedAt any
	if job.EndTime != nil {
		finishedAt = job.EndTime.UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Environment,
		string(job.Status),
		job.TotalClaims,
		job.ProcessedClaims,
		job.SuccessfulClaims,
		job.FailedClaims,
		job.StartTime.UTC(),
		finishedAt,
		job.ResultFilePath,
		job.Error,
	)
	if err != nil {
		s.logger.Error("Failed to record job history",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return fmt.Errorf("record job history: %w", err)
	}
	return nil
}

// Entry is one persisted job summary.
type Entry struct {
	JobID            string     `json:"jobId"`
	Environment      string     `json:"environment"`
	Status           string     `json:"status"`
	TotalClaims      int        `json:"totalClaims"`
	ProcessedClaims  int        `json:"processedClaims"`
	SuccessfulClaims int        `json:"successfulClaims"`
	FailedClaims     int        `json:"failedClaims"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	ResultFile       string     `json:"resultFile,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Recent returns the most recently started jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, environment, status, total_claims, processed_claims,
			successful_claims, failed_claims, started_at, finished_at,
			result_file, error
		FROM job_history
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var finishedAt sql.NullTime
		var resultFile, errText sql.NullString
		if err := rows.Scan(
			&e.JobID,
			&e.Environment,
			&e.Status,
			&e.TotalClaims,
			&e.ProcessedClaims,
			&e.SuccessfulClaims,
			&e.FailedClaims,
			&e.StartedAt,
			&finishedAt,
			&resultFile,
			&errText,
		); err != nil {
			return nil, fmt.Errorf("scan job history row: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			e.FinishedAt = &t
		}
		e.ResultFile = resultFile.String
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats aggregates persisted job history.
type Stats struct {
	TotalJobs        int `json:"totalJobs"`
	CompletedJobs    int `json:"completedJobs"`
	FailedJobs       int `json:"failedJobs"`
	CancelledJobs    int `json:"cancelledJobs"`
	TotalClaims      int `json:"totalClaims"`
	SuccessfulClaims int `json:"successfulClaims"`
	FailedClaims     int `json:"failedClaims"`
}

// Stats computes aggregate counters over all recorded jobs.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_claims), 0),
			COALESCE(SUM(successful_claims), 0),
			COALESCE(SUM(failed_claims), 0)
		FROM job_history
	`).Scan(
		&st.TotalJobs,
		&st.CompletedJobs,
		&st.FailedJobs,
		&st.CancelledJobs,
		&st.TotalClaims,
		&st.SuccessfulClaims,
		&st.FailedClaims,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("query job stats: %w", err)
	}
	return st, nil
}
