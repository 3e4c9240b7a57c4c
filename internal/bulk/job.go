// Package bulk drives the bulk claim pipeline: it streams record
// batches from an uploaded spreadsheet, runs the two-phase submission
// protocol per record under a concurrency cap, and tracks job
// lifecycle and per-record outcomes.
package bulk

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a bulk job. Transitions only move
// forward: processing is the sole non-terminal state.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// OutcomeStatus is the terminal result of one record's submission.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is the per-record result of the submission protocol. One is
// produced for every record read from the source; none is ever mutated
// after creation.
type Outcome struct {
	Status    OutcomeStatus   `json:"status"`
	ClaimID   string          `json:"claimId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Response  json.RawMessage `json:"responseData,omitempty"`
	ErrDetail string          `json:"error,omitempty"`
	RowIndex  int             `json:"rowIndex"`
	Timestamp time.Time       `json:"timestamp"`
}

// Job is a snapshot of one bulk processing job. Snapshots are always
// internally consistent: ProcessedClaims equals SuccessfulClaims plus
// FailedClaims at every observation point.
type Job struct {
	ID          string `json:"id"`
	SourcePath  string `json:"-"`
	Environment string `json:"environment"`

	Status           Status `json:"status"`
	TotalClaims      int    `json:"totalClaims"`
	ProcessedClaims  int    `json:"processedClaims"`
	SuccessfulClaims int    `json:"successfulClaims"`
	FailedClaims     int    `json:"failedClaims"`

	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	ResultFilePath string     `json:"resultFilePath,omitempty"`
	Error          string     `json:"error,omitempty"`

	Outcomes []Outcome `json:"-"`
}

// Duration is the job's elapsed processing time.
func (j Job) Duration() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}
