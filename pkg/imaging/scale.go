// Package imaging contains stages that transform pixels: scaling, overlays, and JPEG snapshots
package imaging

import (
	"fmt"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
)

// Scale resizes BGRA frames to a fixed size.
// The size may change while running, for example when a detector loads a model with a different input size.
type Scale struct {
	graph.Base
	In  *graph.Port
	Out *graph.Port

	lock   sync.Mutex
	width  int
	height int
	filter cimg.ResizeFilter
}

func NewScale(name string, width, height int) *Scale {
	s := &Scale{
		width:  width,
		height: height,
		filter: cimg.ResizeFilterBox,
	}
	s.InitBase(name)
	s.In = s.AddInput("sink", graph.Format{PixelFormat: "BGRA"})
	s.Out = s.AddOutput("src", graph.Format{PixelFormat: "BGRA", Width: width, Height: height})
	return s
}

// SetSize changes the output size. Frames already in flight are not affected.
func (s *Scale) SetSize(width, height int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.width = width
	s.height = height
	s.Out.SetFormat(graph.Format{PixelFormat: "BGRA", Width: width, Height: height})
}

func (s *Scale) Size() (int, int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.width, s.height
}

func (s *Scale) Chain(in *graph.Port, f *frame.Frame) error {
	width, height := s.Size()
	if f.Width == width && f.Height == height {
		return s.Push(s.Out, f)
	}
	out, err := ResizeFrame(f, width, height, s.filter)
	f.Release()
	if err != nil {
		return err
	}
	return s.Push(s.Out, out)
}

// ResizeFrame returns a resized copy of a BGRA frame, with the same sequence number and metadata
func ResizeFrame(f *frame.Frame, width, height int, filter cimg.ResizeFilter) (*frame.Frame, error) {
	if f.PixelFormat != frame.PixelFormatBGRA {
		return nil, fmt.Errorf("Cannot resize %v frames", f.PixelFormat)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Invalid size %vx%v", width, height)
	}
	out := frame.New(width, height, frame.PixelFormatBGRA)
	out.Seq = f.Seq
	out.PTS = f.PTS
	out.Meta = f.Meta.Clone()
	src := cimg.WrapImageStrided(f.Width, f.Height, cimg.PixelFormatBGRA, f.Pixels, f.Stride)
	dst := cimg.WrapImageStrided(width, height, cimg.PixelFormatBGRA, out.Pixels, out.Stride)
	params := cimg.ResizeParams{CheapSRGBFilter: true, Filter: filter}
	cimg.Resize(src, dst, &params)
	return out, nil
}
