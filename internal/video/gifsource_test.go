package video

import (
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestGIF(t *testing.T, frameCount int) string {
	t.Helper()
	palette := []color.Color{color.White, color.Black}
	g := &gif.GIF{}
	for i := 0; i < frameCount; i++ {
		img := image.NewPaletted(image.Rect(0, 0, 4, 4), palette)
		g.Image = append(g.Image, img)
		g.Delay = append(g.Delay, 0)
	}

	path := filepath.Join(t.TempDir(), "frames.gif")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, gif.EncodeAll(f, g))
	return path
}

func TestOpenGIF_YieldsEveryFrameThenExhausts(t *testing.T) {
	path := writeTestGIF(t, 3)

	source, err := OpenGIF(path)
	require.NoError(t, err)
	defer source.Close()

	count := 0
	for {
		_, ok, err := source.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 3, count)
}

func TestOpenGIF_MissingFileErrors(t *testing.T) {
	_, err := OpenGIF(filepath.Join(t.TempDir(), "missing.gif"))
	require.Error(t, err)
}
