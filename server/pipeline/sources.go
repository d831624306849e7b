package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/registry"
	"github.com/cyclopcam/screenguard/pkg/stages"
	"github.com/google/uuid"
)

// SourceHandle identifies an attached source
type SourceHandle uuid.UUID

func (h SourceHandle) String() string {
	return uuid.UUID(h).String()
}

func (h SourceHandle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func ParseSourceHandle(s string) (SourceHandle, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SourceHandle{}, fmt.Errorf("Invalid source handle '%v': %w", s, err)
	}
	return SourceHandle(u), nil
}

type SourceKind string

const (
	SourceKindTest SourceKind = "test" // Synthetic moving square
	SourceKindApp  SourceKind = "app"  // Frames are pushed in by external code, such as a capture backend
)

// SourceDescriptor describes a source to attach
type SourceDescriptor struct {
	Name       string     `json:"name"` // If empty, a name is generated
	Kind       SourceKind `json:"kind"`
	Width      int        `json:"width"`      // test
	Height     int        `json:"height"`     // test
	FPS        float64    `json:"fps"`        // test
	MoveEvery  int        `json:"moveEvery"`  // test
	Count      int        `json:"count"`      // test. Frames to produce before EOS. Zero means forever.
	BufferSize int        `json:"bufferSize"` // app
}

// Source is an attached source, and the processors inside it
type Source struct {
	Handle SourceHandle
	Name   string
	Desc   SourceDescriptor
	Stage  graph.Stage
	App    *stages.AppSource // Not nil if Kind is SourceKindApp

	bin       *graph.Bin
	groupTail map[registry.Kind]*stages.Queue
	elements  []*Element // Guarded by Pipeline.lock
}

func (d *SourceDescriptor) createStage(name string) (graph.Stage, *stages.AppSource, error) {
	switch d.Kind {
	case SourceKindTest:
		if d.Width <= 0 || d.Height <= 0 {
			return nil, nil, fmt.Errorf("Test source needs a width and height, not %vx%v", d.Width, d.Height)
		}
		ts := stages.NewTestSource(name, d.Width, d.Height, d.FPS)
		if d.MoveEvery > 0 {
			ts.MoveEvery = d.MoveEvery
		}
		ts.Count = d.Count
		return ts, nil, nil
	case SourceKindApp:
		app := stages.NewAppSource(name, max(d.BufferSize, 2))
		return app, app, nil
	}
	return nil, nil, fmt.Errorf("Unknown source kind '%v'", d.Kind)
}

// AttachSource builds a source bin, attaches it to the compositor, and inserts the default processors.
// A default processor that fails to insert is logged and skipped.
func (p *Pipeline) AttachSource(ctx context.Context, desc SourceDescriptor) (SourceHandle, error) {
	name, err := p.allocName(string(desc.Kind), desc.Name)
	if err != nil {
		return SourceHandle{}, err
	}
	st, app, err := desc.createStage(name)
	if err != nil {
		p.freeName(name)
		return SourceHandle{}, err
	}
	log := p.Log
	size := p.opt.QueueSize
	src := &Source{
		Handle: SourceHandle(uuid.New()),
		Name:   name,
		Desc:   desc,
		Stage:  st,
		App:    app,
		bin:    graph.NewBin(name + "-bin"),
		groupTail: map[registry.Kind]*stages.Queue{
			registry.KindPreprocessor:  stages.NewQueue(log, name+"-prep-queue", size, true),
			registry.KindDetector:      stages.NewQueue(log, name+"-det-queue", size, true),
			registry.KindPostprocessor: stages.NewQueue(log, name+"-postp-queue", size, true),
		},
	}
	prep, det, postp := src.groupTail[registry.KindPreprocessor], src.groupTail[registry.KindDetector], src.groupTail[registry.KindPostprocessor]
	if err := src.bin.AddChain(st, prep, det, postp); err != nil {
		p.freeName(name)
		return SourceHandle{}, err
	}
	src.bin.SetGhostOutput(postp.Out)

	if err := p.Graph.AttachSubgraph(ctx, src.bin, p.Compositor); err != nil {
		p.freeName(name)
		return SourceHandle{}, fmt.Errorf("Failed to attach source %v: %w", name, err)
	}
	p.lock.Lock()
	p.sources[src.Handle] = src
	p.order = append(p.order, src.Handle)
	p.lock.Unlock()
	log.Infof("Attached %v source %v (%v)", desc.Kind, name, src.Handle)
	p.notify(ChangeEvent{Type: ChangeSourceAttached, Source: name, Handle: src.Handle, Kind: string(desc.Kind)})

	for _, kind := range []registry.Kind{registry.KindPreprocessor, registry.KindDetector, registry.KindPostprocessor} {
		for _, factory := range p.opt.Defaults[kind] {
			if _, err := p.AddProcessor(ctx, src.Handle, factory, "", nil); err != nil {
				log.Warnf("Failed to insert default %v %v into %v: %v", kind, factory, name, err)
			}
		}
	}
	return src.Handle, nil
}

// DetachSource drains the source's frames into the compositor, and then destroys the source
// and every processor inside it.
func (p *Pipeline) DetachSource(ctx context.Context, handle SourceHandle) error {
	src := p.Source(handle)
	if src == nil {
		return ErrSourceNotFound
	}
	ctx, cancel := withTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Graph.DetachSubgraph(ctx, src.bin); err != nil {
		return fmt.Errorf("Failed to detach source %v: %w", src.Name, err)
	}

	p.lock.Lock()
	delete(p.sources, handle)
	for i, h := range p.order {
		if h == handle {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	delete(p.names, src.Name)
	for _, e := range src.elements {
		delete(p.names, e.Name)
	}
	src.elements = nil
	p.lock.Unlock()

	p.output.forget(src.Name)
	p.Log.Infof("Detached source %v", src.Name)
	p.notify(ChangeEvent{Type: ChangeSourceDetached, Source: src.Name, Handle: handle, Kind: string(src.Desc.Kind)})
	return nil
}

// Source returns the attached source, or nil
func (p *Pipeline) Source(handle SourceHandle) *Source {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.sources[handle]
}

// SourceByName returns the attached source, or nil
func (p *Pipeline) SourceByName(name string) *Source {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, s := range p.sources {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Sources returns the attached sources, in the order that they were attached
func (p *Pipeline) Sources() []*Source {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]*Source, 0, len(p.order))
	for _, h := range p.order {
		out = append(out, p.sources[h])
	}
	return out
}

// PushFrame hands a frame to an app source. Ownership of f passes to the pipeline.
func (p *Pipeline) PushFrame(handle SourceHandle, f *frame.Frame) error {
	src := p.Source(handle)
	if src == nil {
		f.Release()
		return ErrSourceNotFound
	}
	if src.App == nil {
		f.Release()
		return errors.New("Frames can only be pushed into app sources")
	}
	return src.App.PushFrame(f)
}
