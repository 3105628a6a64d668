// Package video maps a video file plus a pipeline id to an ordered
// sequence of per-frame DAG results.
//
// Frame decoding sits behind the FrameSource interface below so a real
// demuxer (cgo-backed or otherwise) is a drop-in implementation; the JPEG
// re-encode step that remains uses the standard library's image/jpeg
// (see DESIGN.md for why no third-party encoder was used here).
package video

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"

	"github.com/forgesyte/forgesyte-go/internal/dag"
	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/sanitize"
)

// FrameResult is one emitted frame's DAG output.
type FrameResult struct {
	FrameIndex int `json:"frame_index"`
	Result     any `json:"result"`
}

// FrameSource decodes successive frames from an opened video container.
// Next returns ok=false once the stream is exhausted. Implementations must
// release any underlying decoder resources from Close, which the service
// guarantees to call on every exit path.
type FrameSource interface {
	Next() (img image.Image, ok bool, err error)
	Close() error
}

// Opener opens path and returns a FrameSource, or an error that RunOnFile
// reports as VIDEO_OPEN_FAILED.
type Opener func(path string) (FrameSource, error)

// ProgressFunc is invoked after each emitted frame; current/total must be
// strictly monotonically increasing within one run.
type ProgressFunc func(currentFrame, totalFrames int)

// Service runs a pipeline over every stride-selected frame of a video file.
type Service struct {
	open     Opener
	executor *dag.Executor
}

// NewService ties a frame-source Opener to a DAG Executor.
func NewService(open Opener, executor *dag.Executor) *Service {
	return &Service{open: open, executor: executor}
}

// Options configures one RunOnFile call.
type Options struct {
	FrameStride int
	MaxFrames   *int
	Progress    ProgressFunc
}

// RunOnFile opens path, iterates frames at the configured stride, and
// returns each frame's sanitized DAG result in frame-index order.
func (s *Service) RunOnFile(ctx context.Context, path, pipelineID string, opts Options) ([]FrameResult, error) {
	if opts.FrameStride < 1 {
		return nil, forgeerr.New(forgeerr.InvalidInput, "frame_stride must be >= 1, got %d", opts.FrameStride)
	}

	source, err := s.open(path)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.VideoOpenFailed, err, "opening video %q", path)
	}
	defer source.Close() // resource safety: released on every exit path, including panics below via recover in caller.

	var results []FrameResult
	frameIndex := 0
	emitted := 0
	lastEmitted := -1

	for {
		if opts.MaxFrames != nil && emitted >= *opts.MaxFrames {
			break
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, forgeerr.Wrap(forgeerr.Timeout, ctx.Err(), "video processing timed out")
			}
			return nil, forgeerr.Wrap(forgeerr.Cancelled, ctx.Err(), "video processing cancelled")
		default:
		}

		img, ok, err := source.Next()
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.FrameDecodeFailed, err, "decoding frame %d of %q", frameIndex, path)
		}
		if !ok {
			break
		}

		if frameIndex%opts.FrameStride == 0 {
			jpegBytes, err := encodeJPEG(img)
			if err != nil {
				return nil, forgeerr.Wrap(forgeerr.FrameDecodeFailed, err, "encoding frame %d of %q as JPEG", frameIndex, path)
			}

			payload := map[string]any{
				"frame_index": frameIndex,
				"image_bytes": jpegBytes, // raw bytes in-process; never base64 here
			}

			raw, err := s.executor.Run(ctx, pipelineID, payload)
			if err != nil {
				return nil, err
			}
			sanitized, err := sanitize.Sanitize(raw)
			if err != nil {
				return nil, forgeerr.Wrap(forgeerr.JSONUnsafe, err, "sanitizing frame %d result", frameIndex)
			}

			results = append(results, FrameResult{FrameIndex: frameIndex, Result: sanitized})
			emitted++

			if opts.Progress != nil {
				if frameIndex <= lastEmitted {
					// defensive: never regress the caller's monotonic invariant
					frameIndex = lastEmitted + 1
				}
				opts.Progress(frameIndex, frameIndex+1)
				lastEmitted = frameIndex
			}
		}

		frameIndex++
	}

	return results, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
