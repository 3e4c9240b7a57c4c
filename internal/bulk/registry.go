package bulk

import (
	"sync"
	"time"
)

// trackedJob is the live, mutable state behind a Job. The coordinator
// goroutine that owns the job performs all writes; readers only ever
// take snapshots.
type trackedJob struct {
	mu            sync.RWMutex
	job           Job
	cancelPending bool
}

func newTrackedJob(id, sourcePath, environment string) *trackedJob {
	return &trackedJob{
		job: Job{
			ID:          id,
			SourcePath:  sourcePath,
			Environment: environment,
			Status:      StatusProcessing,
			StartTime:   time.Now(),
		},
	}
}

// snapshot returns a consistent copy, including outcomes.
func (t *trackedJob) snapshot() Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := t.job
	snap.Outcomes = make([]Outcome, len(t.job.Outcomes))
	copy(snap.Outcomes, t.job.Outcomes)
	return snap
}

// addTotal records newly read records before their batch is processed.
func (t *trackedJob) addTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.TotalClaims += n
}

// applyBatch appends a batch's outcomes and advances all counters in
// one critical section, so no reader observes processed count out of
// step with the success/failure split.
func (t *trackedJob) applyBatch(outcomes []Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.job.Outcomes = append(t.job.Outcomes, outcomes...)
	for _, o := range outcomes {
		t.job.ProcessedClaims++
		if o.Status == OutcomeSuccess {
			t.job.SuccessfulClaims++
		} else {
			t.job.FailedClaims++
		}
	}
}

func (t *trackedJob) complete(resultFilePath string) {
	t.finish(StatusCompleted, "", resultFilePath)
}

func (t *trackedJob) fail(err error) {
	t.finish(StatusFailed, err.Error(), "")
}

func (t *trackedJob) markCancelled() {
	t.finish(StatusCancelled, "", "")
}

// finish moves the job to a terminal state. Forward-only: a job that
// already reached a terminal state keeps it.
func (t *trackedJob) finish(status Status, errMsg, resultFilePath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return
	}
	t.job.Status = status
	t.job.Error = errMsg
	if resultFilePath != "" {
		t.job.ResultFilePath = resultFilePath
	}
	now := time.Now()
	t.job.EndTime = &now
}

// requestCancel flags the job for cooperative cancellation. Returns
// false when the job is already terminal.
func (t *trackedJob) requestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Status.Terminal() {
		return false
	}
	t.cancelPending = true
	return true
}

func (t *trackedJob) cancelRequested() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelPending
}

// Registry is the jobID → job table. It is explicitly constructed and
// injected rather than living in package-global state, so tests can
// run against isolated registries.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*trackedJob
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*trackedJob)}
}

func (r *Registry) add(t *trackedJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[t.job.ID] = t
}

func (r *Registry) get(id string) (*trackedJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.jobs[id]
	return t, ok
}

// Snapshot returns a consistent copy of the job's state.
func (r *Registry) Snapshot(id string) (Job, bool) {
	t, ok := r.get(id)
	if !ok {
		return Job{}, false
	}
	return t.snapshot(), true
}

// List returns snapshots of every known job.
func (r *Registry) List() []Job {
	r.mu.RLock()
	tracked := make([]*trackedJob, 0, len(r.jobs))
	for _, t := range r.jobs {
		tracked = append(tracked, t)
	}
	r.mu.RUnlock()

	jobs := make([]Job, 0, len(tracked))
	for _, t := range tracked {
		jobs = append(jobs, t.snapshot())
	}
	return jobs
}

// Cleanup removes terminal jobs whose end time precedes the cutoff.
// Processing jobs are never removed regardless of age. Returns the
// number of jobs removed.
func (r *Registry) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.jobs {
		snap := t.snapshot()
		if snap.Status.Terminal() && snap.EndTime != nil && snap.EndTime.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}
