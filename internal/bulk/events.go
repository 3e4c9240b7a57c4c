package bulk

// EventType identifies a coordinator notification.
type EventType string

const (
	EventBatchProcessed EventType = "batch_processed"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventJobCancelled   EventType = "job_cancelled"
)

// Event is published by the coordinator as a job progresses.
// Consumers subscribe through Coordinator.Events without coupling to
// the coordinator's internals.
type Event struct {
	Type  EventType
	JobID string

	// Batch progress, set on EventBatchProcessed.
	BatchSize      int
	Successful     int
	Failed         int
	TotalProcessed int

	// Error detail, set on EventJobFailed.
	Error string
}
