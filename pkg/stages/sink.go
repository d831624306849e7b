package stages

import (
	"sync/atomic"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
)

// Sink hands every frame to a callback. The callback does not own the frame,
// and must Ref() it if it needs to keep it beyond the call.
type Sink struct {
	graph.Base
	In *graph.Port

	OnFrame func(f *frame.Frame)
	OnEOS   func()

	Frames atomic.Int64
}

func NewSink(name string, onFrame func(f *frame.Frame)) *Sink {
	s := &Sink{OnFrame: onFrame}
	s.InitBase(name)
	s.In = s.AddInput("sink", graph.AnyFormat)
	return s
}

func (s *Sink) Chain(in *graph.Port, f *frame.Frame) error {
	s.Frames.Add(1)
	if s.OnFrame != nil {
		s.OnFrame(f)
	}
	f.Release()
	return nil
}

func (s *Sink) Event(in *graph.Port, ev graph.Event) error {
	if ev == graph.EventEOS && s.OnEOS != nil {
		s.OnEOS()
	}
	return nil
}
