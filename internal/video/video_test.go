package video

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte-go/internal/dag"
	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/plugin/sample"
	"github.com/forgesyte/forgesyte-go/internal/registry"
)

// fakeSource yields a fixed number of solid-color frames, then exhausts.
type fakeSource struct {
	remaining int
	closed    bool
}

func (f *fakeSource) Next() (image.Image, bool, error) {
	if f.remaining <= 0 {
		return nil, false, nil
	}
	f.remaining--
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	return img, true, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type erroringSource struct{ closed bool }

func (*erroringSource) Next() (image.Image, bool, error) {
	return nil, false, errors.New("decoder exploded")
}
func (e *erroringSource) Close() error {
	e.closed = true
	return nil
}

func newOCRExecutor(t *testing.T) *dag.Executor {
	t.Helper()
	reg := registry.New()
	result := reg.LoadPlugins([]plugin.Factory{
		func() (plugin.Plugin, error) { return sample.New(), nil },
	})
	require.Empty(t, result.Errors)

	loader := dag.NewLoader()
	def := dag.Definition{
		ID:          "ocr_only",
		Nodes:       []dag.Node{{ID: "ocr", PluginID: "ocr", ToolID: "extract_text"}},
		EntryNodes:  []string{"ocr"},
		OutputNodes: []string{"ocr"},
	}
	require.NoError(t, loader.Add(def, reg))
	return dag.NewExecutor(loader, reg)
}

func TestRunOnFile_EmitsFramesInOrderAtStride(t *testing.T) {
	source := &fakeSource{remaining: 5}
	svc := NewService(func(string) (FrameSource, error) { return source, nil }, newOCRExecutor(t))

	results, err := svc.RunOnFile(context.Background(), "clip.mp4", "ocr_only", Options{FrameStride: 2})
	require.NoError(t, err)

	require.Len(t, results, 3) // frames 0, 2, 4
	assert.Equal(t, 0, results[0].FrameIndex)
	assert.Equal(t, 2, results[1].FrameIndex)
	assert.Equal(t, 4, results[2].FrameIndex)
	assert.True(t, source.closed)
}

func TestRunOnFile_RespectsMaxFrames(t *testing.T) {
	source := &fakeSource{remaining: 10}
	svc := NewService(func(string) (FrameSource, error) { return source, nil }, newOCRExecutor(t))

	max := 2
	results, err := svc.RunOnFile(context.Background(), "clip.mp4", "ocr_only", Options{FrameStride: 1, MaxFrames: &max})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRunOnFile_ProgressCallbackMonotonic(t *testing.T) {
	source := &fakeSource{remaining: 4}
	svc := NewService(func(string) (FrameSource, error) { return source, nil }, newOCRExecutor(t))

	var seen []int
	_, err := svc.RunOnFile(context.Background(), "clip.mp4", "ocr_only", Options{
		FrameStride: 1,
		Progress:    func(current, _ int) { seen = append(seen, current) },
	})
	require.NoError(t, err)

	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestRunOnFile_OpenFailureReturnsVideoOpenFailed(t *testing.T) {
	svc := NewService(func(string) (FrameSource, error) { return nil, errors.New("no such file") }, newOCRExecutor(t))

	_, err := svc.RunOnFile(context.Background(), "missing.mp4", "ocr_only", Options{FrameStride: 1})
	require.Error(t, err)
	assert.Equal(t, forgeerr.VideoOpenFailed, forgeerr.KindOf(err))
}

func TestRunOnFile_DecodeFailureClosesSourceAndReturnsFrameDecodeFailed(t *testing.T) {
	source := &erroringSource{}
	svc := NewService(func(string) (FrameSource, error) { return source, nil }, newOCRExecutor(t))

	_, err := svc.RunOnFile(context.Background(), "clip.mp4", "ocr_only", Options{FrameStride: 1})
	require.Error(t, err)
	assert.Equal(t, forgeerr.FrameDecodeFailed, forgeerr.KindOf(err))
	assert.True(t, source.closed)
}

func TestRunOnFile_CancelledContextReturnsCancelled(t *testing.T) {
	svc := NewService(func(string) (FrameSource, error) { return &fakeSource{remaining: 5}, nil }, newOCRExecutor(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.RunOnFile(ctx, "clip.mp4", "ocr_only", Options{FrameStride: 1})
	require.Error(t, err)
	assert.Equal(t, forgeerr.Cancelled, forgeerr.KindOf(err))
}

func TestRunOnFile_DeadlineExceededReturnsTimeout(t *testing.T) {
	svc := NewService(func(string) (FrameSource, error) { return &fakeSource{remaining: 5}, nil }, newOCRExecutor(t))

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err := svc.RunOnFile(ctx, "clip.mp4", "ocr_only", Options{FrameStride: 1})
	require.Error(t, err)
	assert.Equal(t, forgeerr.Timeout, forgeerr.KindOf(err))
}

func TestRunOnFile_RejectsNonPositiveStride(t *testing.T) {
	svc := NewService(func(string) (FrameSource, error) { return &fakeSource{remaining: 1}, nil }, newOCRExecutor(t))

	_, err := svc.RunOnFile(context.Background(), "clip.mp4", "ocr_only", Options{FrameStride: 0})
	require.Error(t, err)
	assert.Equal(t, forgeerr.InvalidInput, forgeerr.KindOf(err))
}
