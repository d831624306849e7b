package objdetect

import (
	"context"
	"fmt"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/nn"
)

// Model runs object detection on a single model frame.
// Implementations must be safe to call from multiple goroutines.
type Model interface {
	// Detect runs the model on 'in', and returns boxes in the coordinate space of a
	// targetWidth x targetHeight frame.
	Detect(ctx context.Context, in *frame.Frame, targetWidth, targetHeight int) ([]nn.ObjectDetection, error)

	// Config describes the model's input size and class names
	Config() *nn.ModelConfig

	// Close releases the model. No calls to Detect may be in progress, and none may follow.
	Close()
}

// ModelLoader creates a Model from a path on disk
type ModelLoader func(path string) (Model, error)

// YoloModel wraps a RawDetector, and decodes its output tensor
type YoloModel struct {
	raw    nn.RawDetector
	params *nn.DetectionParams
}

func NewYoloModel(raw nn.RawDetector, params *nn.DetectionParams) *YoloModel {
	if params == nil {
		params = nn.NewDetectionParams()
	}
	return &YoloModel{
		raw:    raw,
		params: params,
	}
}

func (m *YoloModel) Config() *nn.ModelConfig {
	return m.raw.Config()
}

func (m *YoloModel) Close() {
	m.raw.Close()
}

func (m *YoloModel) Detect(ctx context.Context, in *frame.Frame, targetWidth, targetHeight int) ([]nn.ObjectDetection, error) {
	cfg := m.raw.Config()
	p := cfg.Width
	if in.Width != p || in.Height != p || in.PixelFormat != frame.PixelFormatBGRA {
		return nil, nn.NewInferenceError(nn.ShapeMismatch, "Model expects %vx%v BGRA, but frame is %vx%v %v", p, p, in.Width, in.Height, in.PixelFormat)
	}
	if len(in.Pixels) < p*p*4 {
		return nil, nn.NewInferenceError(nn.ShapeMismatch, "Frame has %v bytes, but model needs %v", len(in.Pixels), p*p*4)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := m.raw.Run(nn.WholeImage(4, in.Pixels, in.Width, in.Height))
	if err != nil {
		return nil, nn.NewInferenceError(nn.BackendFailure, "%v", err)
	}
	cands, err := nn.DecodeYOLO(raw, p, len(cfg.Classes), m.params)
	if err != nil {
		return nil, err
	}
	return nn.Postprocess(cands, p, targetWidth, targetHeight, m.params), nil
}

// A Model that is never loaded. Every call fails with ModelNotLoaded.
type noModel struct{}

var errNoModel = nn.NewInferenceError(nn.ModelNotLoaded, "No model is loaded")

func (noModel) Detect(ctx context.Context, in *frame.Frame, targetWidth, targetHeight int) ([]nn.ObjectDetection, error) {
	return nil, errNoModel
}

func (noModel) Config() *nn.ModelConfig {
	return &nn.ModelConfig{}
}

func (noModel) Close() {}

// Convert model output into labelled detections
func labelDetections(dets []nn.ObjectDetection, prefix string, classes []string) []frame.Detection {
	out := make([]frame.Detection, 0, len(dets))
	for _, d := range dets {
		out = append(out, frame.Detection{
			Label:      nn.Label(prefix, d.Class, classes),
			Confidence: d.Confidence,
			Box:        d.Box,
		})
	}
	return out
}

func describeModel(m Model) string {
	if m == nil {
		return "none"
	}
	cfg := m.Config()
	return fmt.Sprintf("%v %vx%v, %v classes", cfg.Architecture, cfg.Width, cfg.Height, len(cfg.Classes))
}
