package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MutationState is the progress of a single Insert, Remove, AttachSubgraph, or DetachSubgraph
type MutationState int

const (
	MutationIdle MutationState = iota
	MutationBlockRequested
	MutationBlocked
	MutationGraphEdited
	MutationEOSWait
	MutationDispatched
	MutationAborted
)

func (m MutationState) String() string {
	switch m {
	case MutationIdle:
		return "Idle"
	case MutationBlockRequested:
		return "BlockRequested"
	case MutationBlocked:
		return "Blocked"
	case MutationGraphEdited:
		return "GraphEdited"
	case MutationEOSWait:
		return "EOSWait"
	case MutationDispatched:
		return "Dispatched"
	case MutationAborted:
		return "Aborted"
	}
	return fmt.Sprintf("MutationState(%d)", int(m))
}

// RequestPorts is implemented by stages with a dynamic number of inputs, such as a compositor
type RequestPorts interface {
	RequestInput() (*Port, error)
	ReleaseInput(p *Port)
}

// EOSSender is implemented by source stages, which have no input through which
// an end-of-stream marker could be delivered.
// After SendEOS, the source pushes EOS out of its outputs, after any frames that it has already produced.
type EOSSender interface {
	SendEOS()
}

// A removal that is waiting for its EOS marker to drain out of the stage
type pendingRemoval struct {
	once     sync.Once
	complete func()
	done     chan struct{}
}

func (g *Graph) notify(op, stage string, s MutationState) {
	g.Log.Debugf("%v %v: %v", op, stage, s)
	if g.OnMutationState != nil {
		g.OnMutationState(op, stage, s)
	}
}

// Run the completion, if it hasn't already run
func (g *Graph) finishRemoval(pr *pendingRemoval) {
	pr.once.Do(func() {
		pr.complete()
		g.pendingLock.Lock()
		delete(g.pending, pr)
		g.pendingLock.Unlock()
		close(pr.done)
	})
}

// Complete every removal that is still waiting for EOS. Called when data stops flowing.
func (g *Graph) flushPending() {
	g.pendingLock.Lock()
	all := make([]*pendingRemoval, 0, len(g.pending))
	for pr := range g.pending {
		all = append(all, pr)
	}
	g.pendingLock.Unlock()
	for _, pr := range all {
		g.Log.Infof("Completing pending removal because data has stopped flowing")
		g.finishRemoval(pr)
	}
}

func (g *Graph) owns(st Stage) bool {
	return st != nil && st.StageBase().Graph() == g
}

// The bin that directly contains st, or nil
func (g *Graph) parentBin(st Stage) *Bin {
	p := st.StageBase().parent
	if p == 0 {
		return nil
	}
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	return g.bins[p]
}

func (g *Graph) replaceGhost(old, replacement *Port) {
	g.arenaLock.Lock()
	defer g.arenaLock.Unlock()
	for _, b := range g.bins {
		b.replaceGhost(old, replacement)
	}
}

// Snapshot of a stage's first input and output, and the ports they're linked to
type neighbors struct {
	in, out    *Port // Ports of the stage
	pred, succ *Port // Linked peers
}

func (g *Graph) neighborsOf(st Stage) neighbors {
	b := st.StageBase()
	g.arenaLock.RLock()
	defer g.arenaLock.RUnlock()
	n := neighbors{}
	if len(b.inputs) != 0 {
		n.in = b.inputs[0]
		if n.in.peer != NoPort {
			n.pred = g.ports[n.in.peer]
		}
	}
	if len(b.outputs) != 0 {
		n.out = b.outputs[0]
		if n.out.peer != NoPort {
			n.succ = g.ports[n.out.peer]
		}
	}
	return n
}

// Acquire the blocking point on out, and confirm that it is still linked to in
func (g *Graph) blockLink(ctx context.Context, op, name string, out, in *Port) (*Block, error) {
	g.notify(op, name, MutationBlockRequested)
	blk, err := out.block.acquire(ctx)
	if err != nil {
		g.notify(op, name, MutationAborted)
		return nil, NewError(PeerUnavailable, op, name, fmt.Errorf("Failed to block %v: %w", out, err))
	}
	if g.Peer(out) != in {
		blk.Release()
		g.notify(op, name, MutationAborted)
		return nil, NewError(PeerUnavailable, op, name, fmt.Errorf("Link %v -> %v changed while waiting for blocking point", out, in))
	}
	g.notify(op, name, MutationBlocked)
	return blk, nil
}

// Insert places newStage between beforeStage and its current upstream peer.
// newStage must be detached, with at least one input and one output.
// If beforeStage is inside a bin, newStage becomes a member of that bin.
func (g *Graph) Insert(ctx context.Context, newStage, beforeStage Stage) error {
	const op = "insert"
	g.mutateLock.Lock()
	defer g.mutateLock.Unlock()

	name := newStage.StageBase().Name()
	if !g.owns(beforeStage) {
		return NewError(PeerUnavailable, op, name, errors.New("Anchor stage is not part of this graph"))
	}
	if newStage.StageBase().Graph() != nil {
		return NewError(PeerUnavailable, op, name, errors.New("Stage is already attached"))
	}
	anchor := g.neighborsOf(beforeStage)
	if anchor.pred == nil {
		return NewError(PeerUnavailable, op, name, fmt.Errorf("%v has no upstream peer", beforeStage.StageBase().Name()))
	}
	nb := newStage.StageBase()
	if len(nb.inputs) == 0 || len(nb.outputs) == 0 {
		return NewError(LinkRejected, op, name, errors.New("Stage needs an input and an output to be inserted"))
	}
	newIn, newOut := nb.inputs[0], nb.outputs[0]
	predFormat, inFormat := anchor.pred.Format(), newIn.Format()
	if _, ok := predFormat.Intersect(inFormat); !ok {
		return NewError(LinkRejected, op, name, fmt.Errorf("Format %v is not compatible with %v", predFormat, inFormat))
	}
	outFormat, anchorFormat := newOut.Format(), anchor.in.Format()
	if _, ok := outFormat.Intersect(anchorFormat); !ok {
		return NewError(LinkRejected, op, name, fmt.Errorf("Format %v is not compatible with %v", outFormat, anchorFormat))
	}

	var blk *Block
	if g.State().IsFlowing() {
		var err error
		if blk, err = g.blockLink(ctx, op, name, anchor.pred, anchor.in); err != nil {
			return err
		}
		defer blk.Release()
	}

	pred, in := anchor.pred, anchor.in
	g.unlink(pred)
	restore := func() {
		g.unlink(pred)
		g.unlink(newOut)
		if newStage.StageBase().Graph() == g {
			g.destroy(newStage)
		}
		if err := g.link(pred, in); err != nil {
			// The original link was valid a moment ago
			panic(fmt.Sprintf("Failed to restore link %v -> %v: %v", pred, in, err))
		}
	}
	if err := g.attach(newStage); err != nil {
		restore()
		g.notify(op, name, MutationAborted)
		return err
	}
	if err := g.link(pred, newIn); err != nil {
		restore()
		g.notify(op, name, MutationAborted)
		return err
	}
	if err := g.link(newOut, in); err != nil {
		restore()
		g.notify(op, name, MutationAborted)
		return err
	}
	if bin := g.parentBin(beforeStage); bin != nil {
		bin.adopt(newStage)
		g.replaceGhost(in, newIn)
	}
	g.notify(op, name, MutationGraphEdited)

	if err := g.syncToGraph(newStage); err != nil {
		if bin := g.parentBin(newStage); bin != nil {
			g.replaceGhost(newIn, in)
			bin.disown(newStage)
		}
		restore()
		g.notify(op, name, MutationAborted)
		return fmt.Errorf("Failed to start inserted stage: %w", err)
	}
	g.notify(op, name, MutationDispatched)
	g.notify(op, name, MutationIdle)
	return nil
}

// Remove takes a stage out of the graph, and links its upstream and downstream neighbors to each other.
// If data is flowing, the stage is first drained with an end-of-stream marker, which is swallowed
// before it reaches the downstream neighbor.
// Remove returns once the stage is destroyed, or when ctx ends. If ctx ends while waiting for
// the stage to drain, the stage is destroyed regardless.
func (g *Graph) Remove(ctx context.Context, st Stage) error {
	const op = "remove"
	g.mutateLock.Lock()
	defer g.mutateLock.Unlock()

	name := st.StageBase().Name()
	if !g.owns(st) {
		return NewError(PeerUnavailable, op, name, errors.New("Stage is not part of this graph"))
	}
	n := g.neighborsOf(st)
	if n.pred != nil && n.succ != nil {
		predFormat, succFormat := n.pred.Format(), n.succ.Format()
		if _, ok := predFormat.Intersect(succFormat); !ok {
			return NewError(LinkRejected, op, name, fmt.Errorf("Cannot link neighbors: %v is not compatible with %v", predFormat, succFormat))
		}
	}

	complete := func() {
		if n.out != nil {
			n.out.takeEOSWatcher()
			g.unlink(n.out)
		}
		if n.pred != nil && n.succ != nil {
			if err := g.link(n.pred, n.succ); err != nil {
				g.Log.Errorf("Failed to link neighbors of removed stage %v: %v", name, err)
			}
		}
		if bin := g.parentBin(st); bin != nil {
			if n.in != nil {
				g.replaceGhost(n.in, n.succ)
			}
			if n.out != nil {
				g.replaceGhost(n.out, n.pred)
			}
			bin.disown(st)
		}
		g.destroy(st)
	}
	return g.drainAndComplete(ctx, op, st, n, complete)
}

// AttachSubgraph adds sub to the graph, and links its output to a newly requested input of compositor
func (g *Graph) AttachSubgraph(ctx context.Context, sub, compositor Stage) error {
	const op = "attach"
	g.mutateLock.Lock()
	defer g.mutateLock.Unlock()

	name := sub.StageBase().Name()
	if !g.owns(compositor) {
		return NewError(PeerUnavailable, op, name, errors.New("Compositor is not part of this graph"))
	}
	rp, ok := compositor.(RequestPorts)
	if !ok {
		return NewError(PeerUnavailable, op, name, fmt.Errorf("%v does not support requesting inputs", compositor.StageBase().Name()))
	}
	out := sub.StageBase().Output(0)
	if out == nil {
		return NewError(LinkRejected, op, name, errors.New("Sub-graph has no output"))
	}
	if err := ctx.Err(); err != nil {
		g.notify(op, name, MutationAborted)
		return NewError(PeerUnavailable, op, name, err)
	}
	if err := g.attach(sub); err != nil {
		g.notify(op, name, MutationAborted)
		return err
	}
	cin, err := rp.RequestInput()
	if err != nil {
		g.destroy(sub)
		g.notify(op, name, MutationAborted)
		return NewError(PeerUnavailable, op, name, fmt.Errorf("Failed to request compositor input: %w", err))
	}
	if err := g.link(out, cin); err != nil {
		rp.ReleaseInput(cin)
		g.destroy(sub)
		g.notify(op, name, MutationAborted)
		return err
	}
	g.notify(op, name, MutationGraphEdited)
	if err := g.syncToGraph(sub); err != nil {
		g.unlink(out)
		rp.ReleaseInput(cin)
		g.destroy(sub)
		g.notify(op, name, MutationAborted)
		return fmt.Errorf("Failed to start sub-graph %v: %w", name, err)
	}
	g.notify(op, name, MutationDispatched)
	g.notify(op, name, MutationIdle)
	return nil
}

// DetachSubgraph drains sub, releases the compositor input that it feeds, and destroys it
func (g *Graph) DetachSubgraph(ctx context.Context, sub Stage) error {
	const op = "detach"
	g.mutateLock.Lock()
	defer g.mutateLock.Unlock()

	name := sub.StageBase().Name()
	if !g.owns(sub) {
		return NewError(PeerUnavailable, op, name, errors.New("Sub-graph is not part of this graph"))
	}
	n := g.neighborsOf(sub)
	var rp RequestPorts
	if n.succ != nil {
		rp, _ = g.StageOf(n.succ).(RequestPorts)
	}

	complete := func() {
		if n.out != nil {
			n.out.takeEOSWatcher()
			g.unlink(n.out)
		}
		if rp != nil {
			rp.ReleaseInput(n.succ)
		}
		g.destroy(sub)
	}
	return g.drainAndComplete(ctx, op, sub, n, complete)
}

// Common tail of Remove and DetachSubgraph.
// Blocks the upstream link, cuts it, then either completes immediately (no data flowing),
// or sends EOS through the stage and completes once the EOS surfaces on its output.
func (g *Graph) drainAndComplete(ctx context.Context, op string, st Stage, n neighbors, complete func()) error {
	name := st.StageBase().Name()
	flowing := g.State().IsFlowing()

	var blk *Block
	if n.pred != nil {
		if flowing {
			var err error
			if blk, err = g.blockLink(ctx, op, name, n.pred, n.in); err != nil {
				return err
			}
		}
		g.unlink(n.pred)
	}
	finish := func() {
		complete()
		if blk != nil {
			blk.Release()
		}
	}
	g.notify(op, name, MutationGraphEdited)

	if !flowing || n.out == nil {
		finish()
		g.notify(op, name, MutationDispatched)
		g.notify(op, name, MutationIdle)
		return nil
	}

	pr := &pendingRemoval{
		complete: finish,
		done:     make(chan struct{}),
	}
	g.pendingLock.Lock()
	g.pending[pr] = true
	g.pendingLock.Unlock()
	n.out.watchEOS(func() {
		// We're on a streaming goroutine inside st, so st cannot be torn down here
		g.post(func() { g.finishRemoval(pr) })
	})
	g.notify(op, name, MutationEOSWait)

	if err := g.injectEOS(st, n.in); err != nil {
		g.Log.Warnf("Failed to send EOS into %v, completing %v immediately: %v", name, op, err)
		g.finishRemoval(pr)
	}

	select {
	case <-pr.done:
	case <-ctx.Done():
		g.Log.Warnf("Timed out waiting for %v to drain, completing %v anyway: %v", name, op, ctx.Err())
		g.finishRemoval(pr)
	}
	g.notify(op, name, MutationDispatched)
	g.notify(op, name, MutationIdle)
	return nil
}

// Send EOS into a stage. If it has an input, EOS is delivered there on the caller's goroutine.
// Otherwise the stage (or the sources inside it) must implement EOSSender.
func (g *Graph) injectEOS(st Stage, in *Port) error {
	if in != nil {
		return g.deliverEvent(in, EventEOS)
	}
	if s, ok := st.(EOSSender); ok {
		s.SendEOS()
		return nil
	}
	if b, ok := asBin(st); ok {
		found := false
		for _, l := range b.leaves() {
			if s, ok := l.(EOSSender); ok {
				s.SendEOS()
				found = true
			}
		}
		if found {
			return nil
		}
	}
	return fmt.Errorf("%v has no input and cannot send EOS", st.StageBase().Name())
}
