// Package pipeline owns the live graph: sources, the processors inside each source,
// and the compositor and outputs that they all feed.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/event"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/imaging"
	"github.com/cyclopcam/screenguard/pkg/registry"
	"github.com/cyclopcam/screenguard/pkg/stages"
)

type Options struct {
	QueueSize        int                        // Size of each source's leaky group queues. Default 5
	Defaults         map[registry.Kind][]string // Factories that are inserted into every new source
	SnapshotDir      string                     // If not empty, the composited JPEG is written here
	SnapshotInterval time.Duration              // Default 1 second
	HistorySize      int                        // Detection events remembered per source. Default 100
}

// Pipeline is the application's view of the graph.
//
//	source bin -+
//	source bin -+-> compositor -> tee -+-> output
//	source bin -+                      +-> queue -> snapshot
//
// Each source bin is source -> prepQueue -> detQueue -> postpQueue.
// Processors are inserted in front of the queue of their group.
type Pipeline struct {
	Log        logs.Log
	Graph      *graph.Graph
	Registry   *registry.Registry
	Compositor *stages.Compositor
	Snapshot   *imaging.Snapshot
	Metrics    *Metrics

	// Sent from the output goroutine, once for every source frame that has detections
	Detections event.Sender[DetectionEvent]

	// Sent after sources and elements are added or removed
	Changes event.Sender[ChangeEvent]

	opt    Options
	output *output

	lock      sync.Mutex
	sources   map[SourceHandle]*Source
	order     []SourceHandle // Attachment order
	names     map[string]bool
	nameCount map[string]int
}

func New(log logs.Log, reg *registry.Registry, opt Options) (*Pipeline, error) {
	if opt.QueueSize == 0 {
		opt.QueueSize = 5
	}
	if opt.SnapshotInterval == 0 {
		opt.SnapshotInterval = time.Second
	}
	if opt.HistorySize == 0 {
		opt.HistorySize = 100
	}
	log = logs.NewPrefixLogger(log, "Pipeline:")
	p := &Pipeline{
		Log:        log,
		Graph:      graph.NewGraph(log),
		Registry:   reg,
		Compositor: stages.NewCompositor("compositor"),
		Snapshot:   imaging.NewSnapshot(log, "snapshot", opt.SnapshotInterval, opt.SnapshotDir),
		opt:        opt,
		sources:    map[SourceHandle]*Source{},
		names:      map[string]bool{},
		nameCount:  map[string]int{},
	}
	p.output = newOutput(p)
	p.Metrics = newMetrics(p)
	p.Graph.OnMutationState = func(op, stage string, s graph.MutationState) {
		p.Log.Debugf("%v %v: %v", op, stage, s)
		if s == graph.MutationAborted {
			p.Metrics.mutations.WithLabelValues(op, "aborted").Inc()
		}
	}

	tee := stages.NewTee("output-tee", 2)
	snapQueue := stages.NewQueue(log, "snapshot-queue", 2, true)
	for _, name := range []string{"compositor", "output", "output-tee", "snapshot-queue", "snapshot"} {
		p.names[name] = true
	}
	g := p.Graph
	if err := g.Add(p.Compositor, tee, p.output.sink, snapQueue, p.Snapshot); err != nil {
		g.Close()
		return nil, err
	}
	links := [][2]*graph.Port{
		{p.Compositor.Out, tee.In},
		{tee.Output(0), p.output.sink.In},
		{tee.Output(1), snapQueue.In},
		{snapQueue.Out, p.Snapshot.In},
	}
	for _, l := range links {
		if err := g.Link(l[0], l[1]); err != nil {
			g.Close()
			return nil, fmt.Errorf("Failed to build pipeline: %w", err)
		}
	}
	return p, nil
}

// Close stops the pipeline, and shuts the graph down
func (p *Pipeline) Close() {
	p.Graph.Close()
}

func (p *Pipeline) State() graph.State {
	return p.Graph.State()
}

// Start toggles between playing and paused. From stopped or ready, it starts playing.
func (p *Pipeline) Start() error {
	if p.Graph.State() == graph.StatePlaying {
		return p.Graph.SetState(graph.StatePaused)
	}
	return p.Graph.SetState(graph.StatePlaying)
}

func (p *Pipeline) Play() error {
	return p.Graph.SetState(graph.StatePlaying)
}

func (p *Pipeline) Pause() error {
	return p.Graph.SetState(graph.StatePaused)
}

// Stop stops all sources and discards all queued frames. Stopping a stopped pipeline does nothing.
func (p *Pipeline) Stop() error {
	return p.Graph.SetState(graph.StateStopped)
}

// Allocate a unique instance name, such as "detector3".
// If preferred is not empty, it is used as-is, but must not already be taken.
func (p *Pipeline) allocName(base, preferred string) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if preferred != "" {
		if p.names[preferred] {
			return "", fmt.Errorf("The name '%v' is already in use", preferred)
		}
		p.names[preferred] = true
		return preferred, nil
	}
	for {
		name := fmt.Sprintf("%v%d", base, p.nameCount[base])
		p.nameCount[base]++
		if !p.names[name] {
			p.names[name] = true
			return name, nil
		}
	}
}

func (p *Pipeline) freeName(name string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.names, name)
}

func (p *Pipeline) notify(ev ChangeEvent) {
	p.Changes.Send(ev)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
