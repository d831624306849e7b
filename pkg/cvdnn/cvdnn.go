// Package cvdnn runs YOLO models with the OpenCV DNN module
package cvdnn

import (
	"fmt"
	"image"
	"sync"

	"github.com/cyclopcam/screenguard/pkg/nn"
	"gocv.io/x/gocv"
)

// Detector is an nn.RawDetector backed by an OpenCV network.
// OpenCV networks are not re-entrant, so calls to Run are serialized.
type Detector struct {
	lock   sync.Mutex
	net    gocv.Net
	config nn.ModelConfig
	closed bool
}

// NewDetector loads an ONNX model
func NewDetector(config *nn.ModelConfig, modelFile string) (*Detector, error) {
	net := gocv.ReadNetFromONNX(modelFile)
	if net.Empty() {
		return nil, fmt.Errorf("Failed to read ONNX model '%v'", modelFile)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("Failed to set NN backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("Failed to set NN target: %w", err)
	}
	return &Detector{
		net:    net,
		config: *config,
	}, nil
}

func (d *Detector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.closed {
		d.net.Close()
		d.closed = true
	}
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) Run(img nn.ImageCrop) ([]float32, error) {
	if img.NChan != 4 {
		return nil, fmt.Errorf("Expected 4 channels, but image has %v", img.NChan)
	}
	whole, err := gocv.NewMatFromBytes(img.ImageHeight, img.ImageWidth, gocv.MatTypeCV8UC4, img.Pixels)
	if err != nil {
		return nil, err
	}
	defer whole.Close()
	crop := whole.Region(image.Rect(img.CropX, img.CropY, img.CropX+img.CropWidth, img.CropY+img.CropHeight))
	defer crop.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(crop, &bgr, gocv.ColorBGRAToBGR)
	blob := gocv.BlobFromImage(bgr, 1.0/255.0, image.Pt(d.config.Width, d.config.Height), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return nil, nn.ErrModelNotLoaded
	}
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	// data points into the Mat, which is freed when we return
	return append([]float32(nil), data...), nil
}
