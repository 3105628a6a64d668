package main

import (
	"context"
	"fmt"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/jobmanager"
	"github.com/forgesyte/forgesyte-go/internal/video"
	"github.com/forgesyte/forgesyte-go/internal/worker"
)

// videoRunner adapts video.Service to worker.Runner: a Job's InputRef
// names the file on disk to run job.PipelineID over, one frame at a time.
type videoRunner struct {
	svc         *video.Service
	frameStride int
}

func newVideoRunner(svc *video.Service, frameStride int) *videoRunner {
	return &videoRunner{svc: svc, frameStride: frameStride}
}

// Run satisfies worker.Runner. The result reference has the form
// "job:<job id>#frames=<emitted frame count>". The per-frame results
// themselves are neither persisted nor broadcast; only the worker's progress
// events reach subscribers (object storage of results is out of core scope).
func (r *videoRunner) Run(ctx context.Context, job *jobmanager.Job, progress worker.ProgressFunc) (string, error) {
	results, err := r.svc.RunOnFile(ctx, job.InputRef, job.PipelineID, video.Options{
		FrameStride: r.frameStride,
		Progress:    video.ProgressFunc(progress),
	})
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", forgeerr.New(forgeerr.FrameDecodeFailed, "video %q yielded zero frames", job.InputRef)
	}
	return fmt.Sprintf("job:%s#frames=%d", job.JobID, len(results)), nil
}
