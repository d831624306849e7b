package stages

import (
	"fmt"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
)

// Tee sends every frame out of all of its outputs.
// The outputs share the frame, so a consumer that modifies it gets its own copy via MakeWritable.
type Tee struct {
	graph.Base
	In *graph.Port
}

func NewTee(name string, nOutputs int) *Tee {
	t := &Tee{}
	t.InitBase(name)
	t.In = t.AddInput("sink", graph.AnyFormat)
	for i := 0; i < nOutputs; i++ {
		t.AddOutput(fmt.Sprintf("src_%d", i), graph.AnyFormat)
	}
	return t
}

func (t *Tee) Chain(in *graph.Port, f *frame.Frame) error {
	outs := t.Outputs()
	if len(outs) == 0 {
		f.Release()
		return nil
	}
	for _, out := range outs[:len(outs)-1] {
		t.Push(out, f.Ref())
	}
	return t.Push(outs[len(outs)-1], f)
}
