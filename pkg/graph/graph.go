package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
)

// Graph owns a set of stages, the links between their ports, and a single playback state.
//
// Stages and ports live in an arena, keyed by stable IDs. Ports refer to their peers by ID,
// so a detached stage can never leave a dangling reference behind.
//
// Lock order: mutateLock, then stateLock, then arenaLock. The streaming path only ever
// takes arenaLock for reading, and never holds it across a call into a stage.
type Graph struct {
	Log logs.Log

	// OnMutationState, if not nil, is called for every step of every mutation
	OnMutationState func(op string, stage string, s MutationState)

	mutateLock sync.Mutex // Global serialization point for topology and state changes
	stateLock  sync.Mutex
	state      atomic.Int32
	generation atomic.Uint64 // Incremented on every topology change

	arenaLock sync.RWMutex
	stages    map[StageID]Stage // Leaf stages
	bins      map[StageID]*Bin
	ports     map[PortID]*Port

	pendingLock sync.Mutex
	pending     map[*pendingRemoval]bool // Removals waiting for EOS

	ctrl      chan func()   // Work for the control loop
	closed    chan struct{} // Closed by Close()
	loopDone  chan struct{} // Closed when the control loop exits
	closeOnce sync.Once
}

// Create a new graph, in the stopped state, and start its control loop
func NewGraph(logger logs.Log) *Graph {
	g := &Graph{
		Log:      logs.NewPrefixLogger(logger, "Graph:"),
		stages:   map[StageID]Stage{},
		bins:     map[StageID]*Bin{},
		ports:    map[PortID]*Port{},
		pending:  map[*pendingRemoval]bool{},
		ctrl:     make(chan func(), 64),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go g.controlLoop()
	return g
}

// Close stops the graph and its control loop
func (g *Graph) Close() {
	g.closeOnce.Do(func() {
		if err := g.SetState(StateStopped); err != nil {
			g.Log.Warnf("Error stopping graph: %v", err)
		}
		close(g.closed)
		<-g.loopDone
	})
}

func (g *Graph) State() State {
	return State(g.state.Load())
}

// Generation changes every time the topology of the graph changes
func (g *Graph) Generation() uint64 {
	return g.generation.Load()
}

// Add attaches detached stages to the graph, and brings them to the graph's state
func (g *Graph) Add(stages ...Stage) error {
	g.mutateLock.Lock()
	defer g.mutateLock.Unlock()
	for _, st := range stages {
		if err := g.attach(st); err != nil {
			return err
		}
		if err := g.syncToGraph(st); err != nil {
			g.destroy(st)
			return err
		}
	}
	return nil
}

// Link connects an output port to an input port of attached stages.
// It is intended for building a graph while it is stopped. Use Insert to modify a running graph.
func (g *Graph) Link(out, in *Port) error {
	g.mutateLock.Lock()
	defer g.mutateLock.Unlock()
	return g.link(out, in)
}

// LinkStages links the first output of a to the first input of b
func (g *Graph) LinkStages(a, b Stage) error {
	out := a.StageBase().Output(0)
	in := b.StageBase().Input(0)
	if out == nil || in == nil {
		return NewError(LinkRejected, "link", a.StageBase().Name(), fmt.Errorf("%v has no output or %v has no input", a.StageBase().Name(), b.StageBase().Name()))
	}
	return g.Link(out, in)
}

// SetState moves the graph, and every stage in it, to the given state.
// Setting the current state again is a no-op.
func (g *Graph) SetState(target State) error {
	if !target.IsFlowing() {
		// No more data will flow, so removals that are waiting for EOS will never see it
		g.flushPending()
	}
	g.mutateLock.Lock()
	defer g.mutateLock.Unlock()
	g.stateLock.Lock()
	defer g.stateLock.Unlock()

	cur := g.State()
	if cur == target {
		return nil
	}
	g.Log.Infof("State %v -> %v", cur, target)
	for _, t := range Steps(cur, target) {
		order := g.topoOrder()
		if t.IsUpward() {
			// Downstream stages first, so that they're ready before data arrives
			for i := len(order) - 1; i >= 0; i-- {
				if err := g.changeStageState(order[i], t); err != nil {
					return err
				}
			}
		} else {
			// Sources first, so that they stop producing before downstream stages shut down
			for _, st := range order {
				if err := g.changeStageState(st, t); err != nil {
					return err
				}
			}
		}
		g.state.Store(int32(t.To))
		g.arenaLock.RLock()
		for _, b := range g.bins {
			b.state.Store(int32(t.To))
		}
		g.arenaLock.RUnlock()
	}
	return nil
}

func (g *Graph) changeStageState(st Stage, t Transition) error {
	b := st.StageBase()
	if b.State() != t.From {
		return nil
	}
	if err := st.ChangeState(t); err != nil {
		if t.IsUpward() {
			return fmt.Errorf("Failed to change state of %v (%v): %w", b.Name(), t, err)
		}
		// A stage must always be able to go down
		g.Log.Warnf("Error changing state of %v (%v): %v", b.Name(), t, err)
	}
	b.state.Store(int32(t.To))
	return nil
}

// Bring a newly attached stage to the graph's current state
func (g *Graph) syncToGraph(st Stage) error {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	return g.syncState(st, g.State())
}

// Move a stage (and all its children, if it's a bin) to the target state
func (g *Graph) syncState(st Stage, target State) error {
	leaves := []Stage{st}
	var bins []*Bin
	if b, ok := asBin(st); ok {
		leaves = g.topoSort(b.leaves())
		bins = b.bins()
	}
	cur := st.StageBase().State()
	for _, t := range Steps(cur, target) {
		if t.IsUpward() {
			for i := len(leaves) - 1; i >= 0; i-- {
				if err := g.changeStageState(leaves[i], t); err != nil {
					return err
				}
			}
		} else {
			for _, l := range leaves {
				g.changeStageState(l, t)
			}
		}
		for _, b := range bins {
			b.state.Store(int32(t.To))
		}
	}
	return nil
}

// Add a stage to the arena. Ports keep their existing (internal) links.
func (g *Graph) attach(st Stage) error {
	b := st.StageBase()
	if b.Graph() != nil {
		return NewError(PeerUnavailable, "attach", b.Name(), errors.New("Stage is already attached to a graph"))
	}
	if b.State() != StateStopped {
		return NewError(PeerUnavailable, "attach", b.Name(), fmt.Errorf("Stage is in state %v", b.State()))
	}
	leaves := []Stage{st}
	var bins []*Bin
	if bin, ok := asBin(st); ok {
		leaves = bin.leaves()
		bins = bin.bins()
	}

	g.arenaLock.Lock()
	defer g.arenaLock.Unlock()
	for _, l := range leaves {
		lb := l.StageBase()
		g.stages[lb.id] = l
		for _, p := range lb.inputs {
			g.ports[p.id] = p
		}
		for _, p := range lb.outputs {
			g.ports[p.id] = p
		}
		lb.graph.Store(g)
	}
	for _, bin := range bins {
		g.bins[bin.id] = bin
		bin.graph.Store(g)
	}
	g.generation.Add(1)
	return nil
}

// Remove a stage from the arena. The stage must already be stopped,
// and its external links must already be removed.
func (g *Graph) detach(st Stage) {
	leaves := []Stage{st}
	var bins []*Bin
	if bin, ok := asBin(st); ok {
		leaves = bin.leaves()
		bins = bin.bins()
	}

	g.arenaLock.Lock()
	defer g.arenaLock.Unlock()
	for _, l := range leaves {
		lb := l.StageBase()
		delete(g.stages, lb.id)
		for _, p := range lb.inputs {
			delete(g.ports, p.id)
		}
		for _, p := range lb.outputs {
			delete(g.ports, p.id)
		}
		lb.graph.Store(nil)
	}
	for _, bin := range bins {
		delete(g.bins, bin.id)
		bin.graph.Store(nil)
	}
	g.generation.Add(1)
}

// Stop a stage and remove it from the arena
func (g *Graph) destroy(st Stage) {
	g.syncState(st, StateStopped)
	g.detach(st)
}

func (g *Graph) link(out, in *Port) error {
	g.arenaLock.Lock()
	defer g.arenaLock.Unlock()
	if g.ports[out.id] != out || g.ports[in.id] != in {
		return NewError(PeerUnavailable, "link", "", fmt.Errorf("%v or %v is not part of this graph", out, in))
	}
	if err := Link(out, in); err != nil {
		return err
	}
	g.generation.Add(1)
	return nil
}

// Unlink an output port from its peer. Returns the input port that it was linked to, or nil.
func (g *Graph) unlink(out *Port) *Port {
	g.arenaLock.Lock()
	defer g.arenaLock.Unlock()
	if out.peer == NoPort {
		return nil
	}
	in := g.ports[out.peer]
	out.peer = NoPort
	out.negotiated = Format{}
	if in != nil {
		in.peer = NoPort
		in.negotiated = Format{}
	}
	g.generation.Add(1)
	return in
}

// Peer returns the port that p is linked to, or nil
func (g *Graph) Peer(p *Port) *Port {
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	if p.peer == NoPort {
		return nil
	}
	return g.ports[p.peer]
}

// StageOf returns the stage that owns the port
func (g *Graph) StageOf(p *Port) Stage {
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	return g.stages[p.owner]
}

// Stage returns a stage (leaf or bin) by ID, or nil
func (g *Graph) Stage(id StageID) Stage {
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	if s, ok := g.stages[id]; ok {
		return s
	}
	if b, ok := g.bins[id]; ok {
		return b
	}
	return nil
}

// TopLevel returns the stages that are not inside a bin, in order of creation
func (g *Graph) TopLevel() []Stage {
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	out := []Stage{}
	for _, s := range g.stages {
		if s.StageBase().parent == 0 {
			out = append(out, s)
		}
	}
	for _, b := range g.bins {
		if b.parent == 0 {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StageBase().id < out[j].StageBase().id
	})
	return out
}

// NumStages returns the number of leaf stages in the arena
func (g *Graph) NumStages() int {
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	return len(g.stages)
}

// All leaf stages, sources first
func (g *Graph) topoOrder() []Stage {
	g.arenaLock.RLock()
	all := make([]Stage, 0, len(g.stages))
	for _, s := range g.stages {
		all = append(all, s)
	}
	g.arenaLock.RUnlock()
	return g.topoSort(all)
}

// Sort stages so that every stage comes before the stages it feeds.
// Ties (and cycles, which should not exist) are broken by stage ID.
func (g *Graph) topoSort(stages []Stage) []Stage {
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()

	sort.Slice(stages, func(i, j int) bool {
		return stages[i].StageBase().id < stages[j].StageBase().id
	})
	inSet := map[StageID]bool{}
	for _, s := range stages {
		inSet[s.StageBase().id] = true
	}
	indegree := map[StageID]int{}
	for _, s := range stages {
		for _, p := range s.StageBase().inputs {
			if peer := g.ports[p.peer]; p.peer != NoPort && peer != nil && inSet[peer.owner] {
				indegree[s.StageBase().id]++
			}
		}
	}
	byID := map[StageID]Stage{}
	for _, s := range stages {
		byID[s.StageBase().id] = s
	}

	out := make([]Stage, 0, len(stages))
	done := map[StageID]bool{}
	for len(out) < len(stages) {
		progress := false
		for _, s := range stages {
			id := s.StageBase().id
			if done[id] || indegree[id] != 0 {
				continue
			}
			done[id] = true
			out = append(out, s)
			progress = true
			for _, p := range s.StageBase().outputs {
				if peer := g.ports[p.peer]; p.peer != NoPort && peer != nil && inSet[peer.owner] {
					indegree[peer.owner]--
				}
			}
		}
		if !progress {
			// Cycle. Emit the remainder in ID order.
			for _, s := range stages {
				if !done[s.StageBase().id] {
					done[s.StageBase().id] = true
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// Resolve the peer of an output port, and the stage that owns it
func (g *Graph) resolve(out *Port) (*Port, Stage) {
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	if out.peer == NoPort {
		return nil, nil
	}
	in := g.ports[out.peer]
	if in == nil {
		return nil, nil
	}
	return in, g.stages[in.owner]
}

func (g *Graph) pushFrame(out *Port, f *frame.Frame) error {
	out.block.enter()
	defer out.block.leave()
	in, st := g.resolve(out)
	if st == nil {
		f.Release()
		return ErrNotLinked
	}
	return st.Chain(in, f)
}

func (g *Graph) pushEvent(out *Port, ev Event) error {
	out.block.enter()
	defer out.block.leave()
	if ev == EventEOS {
		if watch := out.takeEOSWatcher(); watch != nil {
			watch()
			return nil
		}
	}
	in, st := g.resolve(out)
	if st == nil {
		return ErrNotLinked
	}
	return st.Event(in, ev)
}

// Deliver an event directly to an input port, as though it had come from upstream
func (g *Graph) deliverEvent(in *Port, ev Event) error {
	g.arenaLock.RLock()
	st := g.stages[in.owner]
	g.arenaLock.RUnlock()
	if st == nil {
		return ErrNotLinked
	}
	return st.Event(in, ev)
}
