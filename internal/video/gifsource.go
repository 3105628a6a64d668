package video

import (
	"image"
	"image/gif"
	"os"
)

// gifFrameSource is the reference FrameSource implementation: it decodes
// every frame of an animated GIF container. No pure-Go MP4/container
// demuxer exists anywhere in the retrieved pack (see DESIGN.md), so
// this package's own default Opener targets the one multi-frame format the
// standard library decodes natively, leaving a real demuxer (cgo-backed or
// otherwise) as a drop-in FrameSource for a production deployment.
type gifFrameSource struct {
	frames []*image.Paletted
	pos    int
}

// OpenGIF is an Opener backed by image/gif.DecodeAll.
func OpenGIF(path string) (FrameSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, err
	}
	return &gifFrameSource{frames: g.Image}, nil
}

func (s *gifFrameSource) Next() (image.Image, bool, error) {
	if s.pos >= len(s.frames) {
		return nil, false, nil
	}
	img := s.frames[s.pos]
	s.pos++
	return img, true, nil
}

func (s *gifFrameSource) Close() error { return nil }
