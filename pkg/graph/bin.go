package graph

import (
	"fmt"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/gen"
)

// Bin is a sub-graph: a group of stages that is attached, detached, and state-changed as one unit.
// A Bin has no ports of its own. Its ghost input and output are ports of its children,
// so linking to a Bin links directly to the child.
type Bin struct {
	Base
	children []Stage
}

func NewBin(name string) *Bin {
	b := &Bin{}
	b.InitBase(name)
	return b
}

// Add child stages. Only valid while the bin is detached.
func (b *Bin) Add(stages ...Stage) {
	if b.Graph() != nil {
		panic("Bin.Add on an attached bin")
	}
	for _, s := range stages {
		s.StageBase().parent = b.id
		b.children = append(b.children, s)
	}
}

// AddChain adds the stages, and links each one to the next
func (b *Bin) AddChain(stages ...Stage) error {
	b.Add(stages...)
	for i := 1; i < len(stages); i++ {
		if err := LinkStages(stages[i-1], stages[i]); err != nil {
			return fmt.Errorf("Failed to link %v to %v: %w", stages[i-1].StageBase().Name(), stages[i].StageBase().Name(), err)
		}
	}
	return nil
}

// SetGhostInput exposes a child's input port as the bin's input
func (b *Bin) SetGhostInput(p *Port) {
	b.inputs = []*Port{p}
}

// SetGhostOutput exposes a child's output port as the bin's output
func (b *Bin) SetGhostOutput(p *Port) {
	b.outputs = []*Port{p}
}

// AsBin returns b. Stages that embed *Bin are treated as bins.
func (b *Bin) AsBin() *Bin { return b }

func asBin(st Stage) (*Bin, bool) {
	if x, ok := st.(interface{ AsBin() *Bin }); ok {
		return x.AsBin(), true
	}
	return nil, false
}

// Children returns the bin's direct children
func (b *Bin) Children() []Stage {
	return append([]Stage(nil), b.children...)
}

// Find returns the first child (searching recursively) with the given name
func (b *Bin) Find(name string) Stage {
	for _, c := range b.children {
		if c.StageBase().Name() == name {
			return c
		}
		if sub, ok := asBin(c); ok {
			if s := sub.Find(name); s != nil {
				return s
			}
		}
	}
	return nil
}

// Chain is never called on a bin, because links to a bin terminate on its children
func (b *Bin) Chain(in *Port, f *frame.Frame) error {
	f.Release()
	return fmt.Errorf("Bin %v received a frame directly", b.name)
}

// adopt and disown change the membership of an attached bin. They are only called by mutations.
func (b *Bin) adopt(s Stage) {
	s.StageBase().parent = b.id
	b.children = append(b.children, s)
}

func (b *Bin) disown(s Stage) {
	b.children = gen.DeleteFirst(b.children, s)
	s.StageBase().parent = 0
}

// Point a ghost port that aliases old at replacement instead.
// A nil replacement removes the ghost port.
func (b *Bin) replaceGhost(old, replacement *Port) {
	swap := func(list []*Port) []*Port {
		out := list[:0]
		for _, p := range list {
			if p == old {
				p = replacement
			}
			if p != nil {
				out = append(out, p)
			}
		}
		return out
	}
	b.inputs = swap(b.inputs)
	b.outputs = swap(b.outputs)
}

// leaves returns all non-bin stages inside the bin, recursively
func (b *Bin) leaves() []Stage {
	out := []Stage{}
	for _, c := range b.children {
		if sub, ok := asBin(c); ok {
			out = append(out, sub.leaves()...)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// bins returns b and all bins nested inside it
func (b *Bin) bins() []*Bin {
	out := []*Bin{b}
	for _, c := range b.children {
		if sub, ok := asBin(c); ok {
			out = append(out, sub.bins()...)
		}
	}
	return out
}
