package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/objdetect"
	"github.com/cyclopcam/screenguard/pkg/registry"
)

// Element is a processor that was inserted by the application
type Element struct {
	Name    string
	Factory string
	Kind    registry.Kind
	Stage   graph.Stage
	Source  *Source
}

// InsertElement creates a stage from the named factory, and inserts it directly upstream of anchor.
// anchor must be a stage inside a source.
func (p *Pipeline) InsertElement(ctx context.Context, factoryName string, anchor graph.Stage) (graph.Stage, error) {
	src := p.sourceOf(anchor)
	if src == nil {
		return nil, graph.NewError(graph.PeerUnavailable, "insert", factoryName, fmt.Errorf("%v is not inside a source", anchor.StageBase().Name()))
	}
	e, err := p.insert(ctx, src, factoryName, "", nil, anchor)
	if err != nil {
		return nil, err
	}
	return e.Stage, nil
}

// AddProcessor inserts a new stage at the end of the group that its factory belongs to.
// If name is empty, a name is generated from the factory name.
func (p *Pipeline) AddProcessor(ctx context.Context, handle SourceHandle, factoryName, name string, props map[string]string) (*Element, error) {
	src := p.Source(handle)
	if src == nil {
		return nil, ErrSourceNotFound
	}
	f := p.Registry.Get(factoryName)
	if f == nil {
		return nil, graph.NewError(graph.StageCreationFailed, "create", factoryName, fmt.Errorf("Unknown stage type '%v'", factoryName))
	}
	return p.insert(ctx, src, factoryName, name, props, src.groupTail[f.Kind])
}

func (p *Pipeline) insert(ctx context.Context, src *Source, factoryName, name string, props map[string]string, anchor graph.Stage) (*Element, error) {
	name, err := p.allocName(factoryName, name)
	if err != nil {
		return nil, graph.NewError(graph.StageCreationFailed, "create", factoryName, err)
	}
	st, kind, err := p.Registry.Create(factoryName, name)
	if err != nil {
		p.freeName(name)
		return nil, err
	}
	if err := registry.ApplyProperties(st, props); err != nil {
		p.freeName(name)
		return nil, graph.NewError(graph.StageCreationFailed, "create", name, err)
	}
	ctx, cancel := withTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Graph.Insert(ctx, st, anchor); err != nil {
		p.freeName(name)
		p.Metrics.mutations.WithLabelValues("insert", "failed").Inc()
		return nil, err
	}
	e := &Element{
		Name:    name,
		Factory: factoryName,
		Kind:    kind,
		Stage:   st,
		Source:  src,
	}
	p.lock.Lock()
	src.elements = append(src.elements, e)
	p.lock.Unlock()
	p.Metrics.mutations.WithLabelValues("insert", "ok").Inc()
	p.Log.Infof("Inserted %v %v into %v", kind, name, src.Name)
	p.notify(ChangeEvent{Type: ChangeElementInserted, Source: src.Name, Handle: src.Handle, Element: name, Factory: factoryName, Kind: string(kind)})
	return e, nil
}

// RemoveElement drains and destroys a stage that was inserted with InsertElement or AddProcessor
func (p *Pipeline) RemoveElement(ctx context.Context, st graph.Stage) error {
	e := p.elementOf(st)
	if e == nil {
		return ErrElementNotFound
	}
	ctx, cancel := withTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Graph.Remove(ctx, st); err != nil {
		p.Metrics.mutations.WithLabelValues("remove", "failed").Inc()
		return err
	}
	p.lock.Lock()
	for i, x := range e.Source.elements {
		if x == e {
			e.Source.elements = append(e.Source.elements[:i], e.Source.elements[i+1:]...)
			break
		}
	}
	delete(p.names, e.Name)
	p.lock.Unlock()
	p.Metrics.mutations.WithLabelValues("remove", "ok").Inc()
	p.Log.Infof("Removed %v from %v", e.Name, e.Source.Name)
	p.notify(ChangeEvent{Type: ChangeElementRemoved, Source: e.Source.Name, Handle: e.Source.Handle, Element: e.Name, Factory: e.Factory, Kind: string(e.Kind)})
	return nil
}

// Element returns the inserted element with the given name, or nil
func (p *Pipeline) Element(name string) *Element {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, s := range p.sources {
		for _, e := range s.elements {
			if e.Name == name {
				return e
			}
		}
	}
	return nil
}

// Elements returns the elements inside a source, in stream order
func (p *Pipeline) Elements(handle SourceHandle) []*Element {
	p.lock.Lock()
	src := p.sources[handle]
	var all []*Element
	if src != nil {
		all = append(all, src.elements...)
	}
	p.lock.Unlock()
	return p.streamOrder(all)
}

// Sort elements by their position in the graph
func (p *Pipeline) streamOrder(elements []*Element) []*Element {
	if len(elements) < 2 {
		return elements
	}
	src := elements[0].Source
	byStage := map[graph.StageID]*Element{}
	for _, e := range elements {
		byStage[e.Stage.StageBase().ID()] = e
	}
	out := make([]*Element, 0, len(elements))
	// Walk downstream from the source, following first outputs
	cur := src.Stage
	for steps := 0; cur != nil && steps < 1000; steps++ {
		if e := byStage[cur.StageBase().ID()]; e != nil {
			out = append(out, e)
			delete(byStage, cur.StageBase().ID())
		}
		next := p.Graph.Peer(cur.StageBase().Output(0))
		if next == nil {
			break
		}
		cur = p.Graph.Stage(next.Owner())
		if cur == p.Compositor {
			break
		}
		// A bin's ghost input belongs to one of its children, so step back out to the bin
		if parent := cur.StageBase().Parent(); parent != 0 && parent != src.bin.ID() {
			if pb := p.Graph.Stage(parent); pb != nil {
				if _, isElement := byStage[parent]; isElement {
					cur = pb
				}
			}
		}
	}
	// Anything we couldn't reach, such as elements removed concurrently
	for _, e := range elements {
		if _, ok := byStage[e.Stage.StageBase().ID()]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (p *Pipeline) sourceOf(st graph.Stage) *Source {
	p.lock.Lock()
	defer p.lock.Unlock()
	name := st.StageBase().Name()
	for _, s := range p.sources {
		if s.bin.Find(name) == st {
			return s
		}
	}
	return nil
}

func (p *Pipeline) elementOf(st graph.Stage) *Element {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, s := range p.sources {
		for _, e := range s.elements {
			if e.Stage == st {
				return e
			}
		}
	}
	return nil
}

// Detectors returns the detector stages of every source
func (p *Pipeline) Detectors() []*objdetect.Detector {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out []*objdetect.Detector
	for _, h := range p.order {
		for _, e := range p.sources[h].elements {
			if b, ok := e.Stage.(*objdetect.DetectorBin); ok {
				out = append(out, b.Detector)
			}
		}
	}
	return out
}
