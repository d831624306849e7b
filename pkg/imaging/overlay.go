package imaging

import (
	"fmt"
	"image"
	"strconv"
	"sync"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/fogleman/gg"
)

// Overlay draws the detections of each frame onto the frame, as labelled boxes
type Overlay struct {
	graph.Base
	In  *graph.Port
	Out *graph.Port

	lock       sync.Mutex
	lineWidth  float64
	showLabels bool
}

func NewOverlay(name string) *Overlay {
	o := &Overlay{
		lineWidth:  2,
		showLabels: true,
	}
	o.InitBase(name)
	o.In = o.AddInput("sink", graph.Format{PixelFormat: "BGRA"})
	o.Out = o.AddOutput("src", graph.Format{PixelFormat: "BGRA"})
	return o
}

func (o *Overlay) SetProperty(name, value string) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	switch name {
	case "line-width":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("Invalid value for line-width: %w", err)
		}
		o.lineWidth = v
	case "labels":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("Invalid value for labels: %w", err)
		}
		o.showLabels = v
	default:
		return fmt.Errorf("Unknown property '%v'", name)
	}
	return nil
}

func (o *Overlay) Properties() map[string]string {
	o.lock.Lock()
	defer o.lock.Unlock()
	return map[string]string{
		"line-width": strconv.FormatFloat(o.lineWidth, 'f', -1, 64),
		"labels":     strconv.FormatBool(o.showLabels),
	}
}

func (o *Overlay) Chain(in *graph.Port, f *frame.Frame) error {
	dets := frame.Detections(f)
	if len(dets) == 0 || f.PixelFormat != frame.PixelFormatBGRA {
		return o.Push(o.Out, f)
	}
	f = f.MakeWritable()
	o.lock.Lock()
	lineWidth, showLabels := o.lineWidth, o.showLabels
	o.lock.Unlock()

	DrawDetections(f, dets, lineWidth, showLabels)
	return o.Push(o.Out, f)
}

// DrawDetections draws boxes, and optionally labels, onto a writable BGRA frame
func DrawDetections(f *frame.Frame, dets []frame.Detection, lineWidth float64, showLabels bool) {
	// gg draws into RGBA, so we swap red and blue in our colors instead of converting the pixels
	im := &image.RGBA{
		Pix:    f.Pixels,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	dc := gg.NewContextForRGBA(im)
	dc.SetLineWidth(lineWidth)
	for _, d := range dets {
		// Red, in BGRA order
		dc.SetRGB(0, 0, 1)
		dc.DrawRectangle(float64(d.Box.X), float64(d.Box.Y), float64(d.Box.Width), float64(d.Box.Height))
		dc.Stroke()
		if !showLabels {
			continue
		}
		label := fmt.Sprintf("%v %.0f%%", d.Label, d.Confidence*100)
		w, h := dc.MeasureString(label)
		x := float64(d.Box.X)
		y := float64(d.Box.Y) - h - 2
		if y < 0 {
			y = float64(d.Box.Y)
		}
		dc.DrawRectangle(x, y, w+4, h+2)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(label, x+2, y+1, 0, 1)
	}
}
