package stages

import (
	"sync/atomic"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
)

// Identity passes frames through unchanged, and counts them
type Identity struct {
	graph.Base
	In  *graph.Port
	Out *graph.Port

	Frames atomic.Int64
}

func NewIdentity(name string) *Identity {
	s := &Identity{}
	s.InitBase(name)
	s.In = s.AddInput("sink", graph.AnyFormat)
	s.Out = s.AddOutput("src", graph.AnyFormat)
	return s
}

func (s *Identity) Chain(in *graph.Port, f *frame.Frame) error {
	s.Frames.Add(1)
	return s.Push(s.Out, f)
}
