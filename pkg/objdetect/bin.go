package objdetect

import (
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/imaging"
	"github.com/cyclopcam/screenguard/pkg/stages"
)

// Size of the model frame before a model has been loaded
const defaultModelSize = 320

// DetectorBin is a Detector with its two branches, packaged as a single stage with one input and one output:
//
//	       +-> queue -> scale -> [model]
//	tee ---|                           detector ->
//	       +-> queue ----------> [bypass]
type DetectorBin struct {
	*graph.Bin
	Tee      *stages.Tee
	Scale    *imaging.Scale
	Detector *Detector
}

// NewDetectorBin creates a detector, and the branches that feed it.
// queueSize is the size of each branch's queue.
func NewDetectorBin(log logs.Log, name string, loader ModelLoader, queueSize int) (*DetectorBin, error) {
	b := &DetectorBin{
		Bin:      graph.NewBin(name),
		Tee:      stages.NewTee(name+"-tee", 2),
		Scale:    imaging.NewScale(name+"-scale", defaultModelSize, defaultModelSize),
		Detector: NewDetector(log, name, loader),
	}
	modelQueue := stages.NewQueue(log, name+"-model-queue", queueSize, false)
	bypassQueue := stages.NewQueue(log, name+"-bypass-queue", queueSize, false)
	b.Add(b.Tee, modelQueue, b.Scale, bypassQueue, b.Detector)

	links := [][2]*graph.Port{
		{b.Tee.Output(0), modelQueue.In},
		{modelQueue.Out, b.Scale.In},
		{b.Scale.Out, b.Detector.ModelIn},
		{b.Tee.Output(1), bypassQueue.In},
		{bypassQueue.Out, b.Detector.BypassIn},
	}
	for _, l := range links {
		if err := graph.Link(l[0], l[1]); err != nil {
			return nil, fmt.Errorf("Failed to build detector bin %v: %w", name, err)
		}
	}
	b.SetGhostInput(b.Tee.In)
	b.SetGhostOutput(b.Detector.Out)

	b.Detector.OnModelSize = func(width, height int) {
		b.Scale.SetSize(width, height)
	}
	return b, nil
}

// SetProperty forwards to the detector
func (b *DetectorBin) SetProperty(name, value string) error {
	return b.Detector.SetProperty(name, value)
}

func (b *DetectorBin) Properties() map[string]string {
	return b.Detector.Properties()
}
