package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/cyclopcam/screenguard/pkg/frame"
)

// Event is an in-band signal that travels along the same path as frames
type Event int

const (
	EventEOS Event = iota + 1 // End of stream. No more frames will follow on this path.
)

func (e Event) String() string {
	switch e {
	case EventEOS:
		return "EOS"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Stage is a processing node in a graph.
// Concrete stages embed Base, which provides identity, ports, and default behaviour.
type Stage interface {
	StageBase() *Base

	// Chain is called when a frame arrives on one of the stage's input ports.
	// The stage takes ownership of the caller's reference to f.
	Chain(in *Port, f *frame.Frame) error

	// Event is called when an event arrives on one of the stage's input ports.
	Event(in *Port, ev Event) error

	// ChangeState is called for every single step transition of the stage's state.
	ChangeState(t Transition) error
}

// Base is embedded by every stage
type Base struct {
	id      StageID
	name    string
	inputs  []*Port
	outputs []*Port
	state   atomic.Int32
	graph   atomic.Pointer[Graph] // nil while detached
	parent  StageID               // Owning Bin, if any
}

// InitBase must be called by a stage's constructor before any ports are added
func (b *Base) InitBase(name string) {
	if b.id != 0 {
		panic("InitBase called twice")
	}
	b.id = stageIDs.Next()
	b.name = name
}

func (b *Base) StageBase() *Base { return b }
func (b *Base) ID() StageID { return b.id }
func (b *Base) Name() string { return b.name }
func (b *Base) State() State { return State(b.state.Load()) }
func (b *Base) Graph() *Graph { return b.graph.Load() }
func (b *Base) Parent() StageID { return b.parent }

func (b *Base) String() string {
	return fmt.Sprintf("%v (%v)", b.name, b.id)
}

// Inputs returns the stage's input ports. For a Bin, these are the ghost ports.
func (b *Base) Inputs() []*Port {
	if g := b.Graph(); g != nil {
		g.arenaLock.RLock()
		defer g.arenaLock.RUnlock()
	}
	return append([]*Port(nil), b.inputs...)
}

// Outputs returns the stage's output ports. For a Bin, these are the ghost ports.
func (b *Base) Outputs() []*Port {
	if g := b.Graph(); g != nil {
		g.arenaLock.RLock()
		defer g.arenaLock.RUnlock()
	}
	return append([]*Port(nil), b.outputs...)
}

// Input returns input port i, or nil
func (b *Base) Input(i int) *Port {
	in := b.Inputs()
	if i < len(in) {
		return in[i]
	}
	return nil
}

// Output returns output port i, or nil
func (b *Base) Output(i int) *Port {
	out := b.Outputs()
	if i < len(out) {
		return out[i]
	}
	return nil
}

// AddInput creates a new input port. If the stage is attached, the port is registered with the graph.
func (b *Base) AddInput(name string, format Format) *Port {
	return b.addPort(name, DirInput, format)
}

// AddOutput creates a new output port. If the stage is attached, the port is registered with the graph.
func (b *Base) AddOutput(name string, format Format) *Port {
	return b.addPort(name, DirOutput, format)
}

func (b *Base) addPort(name string, dir Direction, format Format) *Port {
	if b.id == 0 {
		panic("Stage ports added before InitBase")
	}
	p := newPort(b.id, name, dir, format)
	g := b.Graph()
	if g != nil {
		g.arenaLock.Lock()
		defer g.arenaLock.Unlock()
		g.ports[p.id] = p
	}
	if dir == DirInput {
		b.inputs = append(b.inputs, p)
	} else {
		b.outputs = append(b.outputs, p)
	}
	return p
}

// RemovePort removes an unlinked port from the stage
func (b *Base) RemovePort(p *Port) error {
	g := b.Graph()
	if g != nil {
		g.arenaLock.Lock()
		defer g.arenaLock.Unlock()
	}
	if p.peer != NoPort {
		return fmt.Errorf("Port %v is still linked", p)
	}
	list := &b.inputs
	if p.dir == DirOutput {
		list = &b.outputs
	}
	for i, x := range *list {
		if x == p {
			*list = append((*list)[:i], (*list)[i+1:]...)
			if g != nil {
				delete(g.ports, p.id)
			}
			return nil
		}
	}
	return fmt.Errorf("Port %v does not belong to %v", p, b)
}

// Push sends a frame out of one of the stage's output ports.
// Ownership of f passes downstream, even if an error is returned.
func (b *Base) Push(out *Port, f *frame.Frame) error {
	g := b.Graph()
	if g == nil {
		f.Release()
		return ErrNotLinked
	}
	return g.pushFrame(out, f)
}

// PushEvent sends an event out of one of the stage's output ports
func (b *Base) PushEvent(out *Port, ev Event) error {
	g := b.Graph()
	if g == nil {
		return ErrNotLinked
	}
	return g.pushEvent(out, ev)
}

// PushEventAll sends an event out of every output port, returning the first error
func (b *Base) PushEventAll(ev Event) error {
	var first error
	for _, out := range b.Outputs() {
		if err := b.PushEvent(out, ev); err != nil && first == nil && err != ErrNotLinked {
			first = err
		}
	}
	return first
}

// Chain is the default frame handler, which refuses frames
func (b *Base) Chain(in *Port, f *frame.Frame) error {
	f.Release()
	return fmt.Errorf("Stage %v does not accept frames", b.name)
}

// Event is the default event handler, which forwards the event out of every output
func (b *Base) Event(in *Port, ev Event) error {
	return b.PushEventAll(ev)
}

// ChangeState is the default state handler, which does nothing
func (b *Base) ChangeState(t Transition) error {
	return nil
}

// Link connects two detached stages' ports, for building a sub-graph before it is attached.
// Once a stage is attached, use Graph.Link.
func Link(out, in *Port) error {
	if out.dir != DirOutput || in.dir != DirInput {
		return NewError(LinkRejected, "link", "", fmt.Errorf("Cannot link %v to %v", out, in))
	}
	if out.peer != NoPort || in.peer != NoPort {
		return NewError(LinkRejected, "link", "", fmt.Errorf("%v or %v is already linked", out, in))
	}
	outFormat, inFormat := out.Format(), in.Format()
	f, ok := outFormat.Intersect(inFormat)
	if !ok {
		return NewError(LinkRejected, "link", "", fmt.Errorf("Format %v is not compatible with %v", outFormat, inFormat))
	}
	out.peer = in.id
	in.peer = out.id
	out.negotiated = f
	in.negotiated = f
	return nil
}

// LinkStages links the first output of a to the first input of b, while both are detached
func LinkStages(a, b Stage) error {
	out := a.StageBase().Output(0)
	in := b.StageBase().Input(0)
	if out == nil || in == nil {
		return NewError(LinkRejected, "link", a.StageBase().Name(), fmt.Errorf("%v has no output or %v has no input", a.StageBase().Name(), b.StageBase().Name()))
	}
	return Link(out, in)
}
