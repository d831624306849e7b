// Package nn is the Neural Network layer of the detector stage.
// It knows how to describe a model, decode its raw output, and filter the results.
// Backends that actually execute a model (eg cvdnn) implement RawDetector.
package nn

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

const DefaultObjectnessThreshold = 0.25
const DefaultNmsIouThreshold = 0.45

// NN object detection parameters
type DetectionParams struct {
	ObjectnessThreshold float32 // Value between 0 and 1. Candidates with a lower objectness score are discarded. Zero value will use the default.
	NmsIouThreshold     float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	Unclipped           bool    // If true, don't clip boxes to the target image boundaries
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ObjectnessThreshold: DefaultObjectnessThreshold,
		NmsIouThreshold:     DefaultNmsIouThreshold,
		Unclipped:           false,
	}
}

func (p *DetectionParams) objectness() float32 {
	if p == nil || p.ObjectnessThreshold == 0 {
		return DefaultObjectnessThreshold
	}
	return p.ObjectnessThreshold
}

func (p *DetectionParams) nmsIoU() float32 {
	if p == nil || p.NmsIouThreshold == 0 {
		return DefaultNmsIouThreshold
	}
	return p.NmsIouThreshold
}

// ImageCrop is a crop of an image.
// In C we would represent this as a pointer and a stride, but since that's not memory safe,
// we must resort to this kind of thing.
// To create an ImageCrop, use WholeImage().
type ImageCrop struct {
	NChan       int    // Number of channels (4 for BGRA)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// RawDetector executes a YOLO-style model and returns its raw output tensor.
// The input is a square BGRA image of ModelConfig.Width x ModelConfig.Height.
// RawDetector must be safe to call from multiple goroutines.
type RawDetector interface {
	// Close releases the model (you MUST call this when finished, because it's a C++ object underneath)
	Close()

	// Run the model. The returned slice holds NumCandidates(P) * (classes + 5) floats.
	Run(img ImageCrop) ([]float32, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov5"
	Width        int      `json:"width"`        // eg 320. YOLO models here are square, so Width == Height.
	Height       int      `json:"height"`       // eg 320
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, nil
}

// Split a comma separated label list, as found in model metadata and on the command line
func ParseLabelList(s string) []string {
	labels := []string{}
	for _, l := range strings.Split(s, ",") {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}
