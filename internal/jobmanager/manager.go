package jobmanager

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
)

// PipelineResolver is the subset of dag.Loader the Job Manager needs to
// validate a submission without importing the dag package directly,
// keeping the dependency direction one-way (dag does not know about jobs).
type PipelineResolver interface {
	// Exists reports whether pipelineID names a loaded pipeline.
	Exists(pipelineID string) bool
	// CanonicalTool returns the pipeline's unambiguous tool name when one
	// can be determined without guessing; ok is false when none exists or
	// more than one candidate is available — callers must then supply an
	// explicit tool_name rather than fall back to a literal "default".
	CanonicalTool(pipelineID string) (tool string, ok bool)
}

// progressThreshold is the minimum absolute percentage-point delta before
// update_progress persists a change.
const progressThreshold = 5

// Filter narrows List results by status and/or pipeline id.
type Filter struct {
	Status     *Status
	PipelineID string
}

// Page bounds list() results.
type Page struct {
	Offset int
	Limit  int
}

// Manager is the in-memory job store and state machine.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	order    []string // job ids in submission order, for dequeue order and created_at-desc listing
	capacity int
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity sets the cleanup() eviction threshold (0 means unbounded).
func WithCapacity(n int) Option {
	return func(m *Manager) { m.capacity = n }
}

// New builds an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{jobs: make(map[string]*Job)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates pipelineID against resolver and creates a queued job.
func (m *Manager) Submit(resolver PipelineResolver, pipelineID, toolName, inputRef string) (string, error) {
	if pipelineID == "" {
		return "", forgeerr.New(forgeerr.InvalidInput, "pipeline_id is required")
	}
	if resolver != nil && !resolver.Exists(pipelineID) {
		return "", forgeerr.New(forgeerr.PipelineNotFound, "pipeline %q is not loaded", pipelineID)
	}

	if toolName == "" {
		if resolver == nil {
			return "", forgeerr.New(forgeerr.InvalidInput, "tool_name is required: no resolver available to determine a canonical tool")
		}
		resolved, ok := resolver.CanonicalTool(pipelineID)
		if !ok {
			return "", forgeerr.New(forgeerr.InvalidInput, "tool_name is required: pipeline %q has no unambiguous canonical tool", pipelineID)
		}
		toolName = resolved
	}

	now := time.Now()
	job := &Job{
		JobID:      uuid.NewString(),
		PipelineID: pipelineID,
		ToolName:   toolName,
		InputRef:   inputRef,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	m.jobs[job.JobID] = job
	m.order = append(m.order, job.JobID)
	m.mu.Unlock()

	return job.JobID, nil
}

// Get returns a snapshot of jobID, or JOB_NOT_FOUND.
func (m *Manager) Get(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, forgeerr.New(forgeerr.JobNotFound, "job %q not found", jobID)
	}
	return job.snapshot(), nil
}

// List returns jobs matching filter, ordered by created_at descending,
// paged by page.
func (m *Manager) List(filter Filter, page Page) []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Job, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		job := m.jobs[m.order[i]]
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.PipelineID != "" && job.PipelineID != filter.PipelineID {
			continue
		}
		matched = append(matched, job.snapshot())
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	start := page.Offset
	if start < 0 || start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	return matched[start:end]
}

// DequeueNext atomically claims the oldest queued job, transitioning it to
// running. ok is false when no job is queued.
func (m *Manager) DequeueNext() (job *Job, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status == StatusQueued {
			j.Status = StatusRunning
			j.UpdatedAt = time.Now()
			return j.snapshot(), true
		}
	}
	return nil, false
}

// UpdateProgress persists current/total when the percentage differs from the
// last persisted value by at least the 5-point threshold, or when
// currentFrame has reached totalFrames; the caller (worker) broadcasts
// every invocation unconditionally over WebSocket regardless of this
// return value.
func (m *Manager) UpdateProgress(jobID string, currentFrame, totalFrames int) (persisted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, forgeerr.New(forgeerr.JobNotFound, "job %q not found", jobID)
	}
	if job.Status.IsTerminal() {
		return false, forgeerr.New(forgeerr.JobTerminal, "job %q is already %s", jobID, job.Status)
	}

	newProgress := 0
	if totalFrames > 0 {
		newProgress = currentFrame * 100 / totalFrames
	}
	if newProgress > 100 {
		newProgress = 100
	}

	delta := newProgress - job.Progress
	if delta < 0 {
		delta = -delta
	}
	if delta < progressThreshold && currentFrame < totalFrames {
		return false, nil
	}

	job.CurrentFrame = currentFrame
	job.TotalFrames = totalFrames
	job.Progress = newProgress
	job.UpdatedAt = time.Now()
	return true, nil
}

// Complete transitions jobID to completed.
func (m *Manager) Complete(jobID, resultRef string) error {
	return m.transitionTerminal(jobID, StatusCompleted, func(j *Job) {
		j.ResultRef = resultRef
		j.Progress = 100
	})
}

// Fail transitions jobID to failed.
func (m *Manager) Fail(jobID, errMsg string) error {
	return m.transitionTerminal(jobID, StatusFailed, func(j *Job) {
		j.Error = errMsg
	})
}

// Cancel transitions a queued or running job to cancelled. Cancellation of
// a running job is cooperative — the worker observes this on its next
// suspension point.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return forgeerr.New(forgeerr.JobNotFound, "job %q not found", jobID)
	}
	if job.Status.IsTerminal() {
		return forgeerr.New(forgeerr.JobTerminal, "job %q is already %s", jobID, job.Status)
	}
	if job.Status != StatusQueued && job.Status != StatusRunning {
		return forgeerr.New(forgeerr.InvalidInput, "job %q cannot be cancelled from %s", jobID, job.Status)
	}

	job.Status = StatusCancelled
	now := time.Now()
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *Manager) transitionTerminal(jobID string, target Status, mutate func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return forgeerr.New(forgeerr.JobNotFound, "job %q not found", jobID)
	}
	if job.Status != StatusRunning {
		return forgeerr.New(forgeerr.InvalidInput, "job %q must be running to transition to %s, is %s", jobID, target, job.Status)
	}

	mutate(job)
	job.Status = target
	now := time.Now()
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// RecoverFromCrash marks every running job failed{cause: "worker_interrupted"}.
// Call once at process start before any worker begins dequeuing.
func (m *Manager) RecoverFromCrash() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	recovered := 0
	now := time.Now()
	for _, id := range m.order {
		job := m.jobs[id]
		if job.Status == StatusRunning {
			job.Status = StatusFailed
			job.Error = "worker_interrupted"
			job.CompletedAt = &now
			job.UpdatedAt = now
			recovered++
		}
	}
	return recovered
}

// Cleanup evicts oldest terminal jobs first once the store exceeds
// capacity; non-terminal jobs are never evicted.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity <= 0 || len(m.order) <= m.capacity {
		return 0
	}

	evicted := 0
	kept := make([]string, 0, len(m.order))
	toRemove := len(m.order) - m.capacity

	for _, id := range m.order {
		job := m.jobs[id]
		if toRemove > 0 && job.Status.IsTerminal() {
			delete(m.jobs, id)
			toRemove--
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return evicted
}
