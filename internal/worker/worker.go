// Package worker implements a cooperative goroutine that dequeues jobs
// from the Job Manager and drives them through the DAG executor or the
// video file pipeline, broadcasting progress over the WebSocket Manager
// as it goes.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte-go/internal/jobmanager"
)

// DefaultPollInterval is the default interval the loop sleeps for when no
// job is queued.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultHeartbeatWindow is the default liveness window an external probe
// uses to detect a stalled worker.
const DefaultHeartbeatWindow = 5 * time.Second

// DefaultJobTimeout bounds a single job's run before it is forced to
// failed{cause:"timeout"}.
const DefaultJobTimeout = 5 * time.Minute

// Broadcaster publishes a progress event to a job's topic; satisfied by
// wsmanager.Manager.
type Broadcaster interface {
	Broadcast(topic string, message any)
}

// Runner executes one job's work and reports progress as it goes.
// cmd/forgesyte's videoRunner wraps video.Service into this interface; no
// adapter for a direct dag.Executor invocation exists there.
type Runner interface {
	// Run executes job and returns an opaque result reference (e.g. a
	// storage key) on success.
	Run(ctx context.Context, job *jobmanager.Job, progress ProgressFunc) (resultRef string, err error)
}

// ProgressFunc is handed to a Runner; it fans out to both the
// unconditional WebSocket broadcast and the throttled persisted update.
type ProgressFunc func(currentFrame, totalFrames int)

// ProgressEvent is the JSON shape broadcast on topic job:{id}.
type ProgressEvent struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	CurrentFrame int    `json:"current_frame"`
	TotalFrames  int    `json:"total_frames"`
}

// TerminalEvent is broadcast once a job reaches a terminal state.
type TerminalEvent struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Loop is a single cooperative worker; multiple Loops over the same
// Manager are safe since DequeueNext claims atomically.
type Loop struct {
	manager      *jobmanager.Manager
	runner       Runner
	broadcaster  Broadcaster
	pollInterval time.Duration
	jobTimeout   time.Duration
	logger       *zap.Logger

	lastHeartbeat time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) { l.pollInterval = d }
}

// WithJobTimeout overrides DefaultJobTimeout.
func WithJobTimeout(d time.Duration) Option {
	return func(l *Loop) { l.jobTimeout = d }
}

// WithLogger overrides the no-op default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New builds a Loop. Call manager.RecoverFromCrash() before starting Run
// to reconcile jobs left running by a prior process.
func New(manager *jobmanager.Manager, runner Runner, broadcaster Broadcaster, opts ...Option) *Loop {
	l := &Loop{
		manager:      manager,
		runner:       runner,
		broadcaster:  broadcaster,
		pollInterval: DefaultPollInterval,
		jobTimeout:   DefaultJobTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LastHeartbeat returns the timestamp of the loop's most recent iteration,
// for an external liveness probe.
func (l *Loop) LastHeartbeat() time.Time {
	return l.lastHeartbeat
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.lastHeartbeat = time.Now()

		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok := l.manager.DequeueNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.pollInterval):
			}
			continue
		}

		l.processOne(ctx, job)
	}
}

func (l *Loop) processOne(ctx context.Context, job *jobmanager.Job) {
	topic := "job:" + job.JobID

	runCtx, cancel := context.WithTimeout(ctx, l.jobTimeout)
	defer cancel()

	progress := func(current, total int) {
		// Unconditional broadcast on every invocation.
		l.broadcaster.Broadcast(topic, ProgressEvent{
			JobID:        job.JobID,
			Status:       string(jobmanager.StatusRunning),
			CurrentFrame: current,
			TotalFrames:  total,
		})
		// Throttled persistence.
		if _, err := l.manager.UpdateProgress(job.JobID, current, total); err != nil {
			l.logger.Warn("persisting progress failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}

	resultRef, err := l.runner.Run(runCtx, job, progress)
	if err != nil {
		failMsg := err.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			failMsg = "timeout"
		}
		if ferr := l.manager.Fail(job.JobID, failMsg); ferr != nil {
			l.logger.Error("failing job after runner error", zap.String("job_id", job.JobID), zap.Error(ferr))
		}
		l.broadcaster.Broadcast(topic, TerminalEvent{JobID: job.JobID, Status: string(jobmanager.StatusFailed), Error: failMsg})
		return
	}

	if cerr := l.manager.Complete(job.JobID, resultRef); cerr != nil {
		l.logger.Error("completing job after runner success", zap.String("job_id", job.JobID), zap.Error(cerr))
		return
	}
	l.broadcaster.Broadcast(topic, TerminalEvent{JobID: job.JobID, Status: string(jobmanager.StatusCompleted)})
}
