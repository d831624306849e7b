// Package changedetect marks frames that differ from their predecessor, so that
// expensive analysis can skip frames that have not changed.
package changedetect

import (
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/gen"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/cyclopcam/screenguard/pkg/stats"
	"gocv.io/x/gocv"
)

// A pixel has changed if any of its channels differs by more than this
const pixelThreshold = 5

// Size of the kernel that joins nearby changed pixels into regions
const gapKernelSize = 21

// Stage attaches a ChangeRecord to every frame.
// The first frame, and any frame whose size differs from the previous one, is changed in its entirety.
type Stage struct {
	graph.Base
	In  *graph.Port
	Out *graph.Port

	log logs.Log

	lock      sync.Mutex
	active    bool
	threshold int // Percentage of pixels that must change before a frame is considered changed

	// Guarded by Chain being single threaded
	last       []byte
	lastWidth  int
	lastHeight int
	lastErrAt  time.Time
}

func NewStage(log logs.Log, name string) *Stage {
	s := &Stage{
		active: true,
	}
	s.InitBase(name)
	s.log = logs.NewPrefixLogger(log, "ChangeDetect "+name+":")
	s.In = s.AddInput("sink", graph.Format{PixelFormat: "BGRA"})
	s.Out = s.AddOutput("src", graph.Format{PixelFormat: "BGRA"})
	return s
}

func (s *Stage) SetActive(active bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.active = active
}

// SetThreshold sets the percentage (0..100) of pixels that must change
func (s *Stage) SetThreshold(percent int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.threshold = gen.Clamp(percent, 0, 100)
}

func (s *Stage) SetProperty(name, value string) error {
	switch name {
	case "active":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("Invalid value for active: %w", err)
		}
		s.SetActive(b)
	case "threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("Invalid value for threshold: %w", err)
		}
		s.SetThreshold(n)
	default:
		return fmt.Errorf("Unknown property '%v'", name)
	}
	return nil
}

func (s *Stage) Properties() map[string]string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return map[string]string{
		"active":    strconv.FormatBool(s.active),
		"threshold": strconv.Itoa(s.threshold),
	}
}

func (s *Stage) ChangeState(t graph.Transition) error {
	if t.From == graph.StatePaused && t.To == graph.StateReady {
		s.last = nil
	}
	return nil
}

func (s *Stage) Chain(in *graph.Port, f *frame.Frame) error {
	s.lock.Lock()
	active, threshold := s.active, s.threshold
	s.lock.Unlock()
	if !active || f.PixelFormat != frame.PixelFormatBGRA {
		return s.Push(s.Out, f)
	}

	f = f.MakeWritable()
	cur := packPixels(f)
	var rec *frame.ChangeRecord
	if s.last == nil || s.lastWidth != f.Width || s.lastHeight != f.Height {
		rec = fullFrameChange(f.Width, f.Height)
	} else {
		var err error
		rec, err = Detect(cur, s.last, f.Width, f.Height, float32(threshold)/100)
		if err != nil {
			if time.Since(s.lastErrAt) > 15*time.Second {
				s.log.Errorf("Change detection failed on frame %v: %v", f.Seq, err)
				s.lastErrAt = time.Now()
			}
			rec = fullFrameChange(f.Width, f.Height)
		}
	}
	frame.Set(f, rec)

	s.last = append(s.last[:0], cur...)
	s.lastWidth = f.Width
	s.lastHeight = f.Height
	return s.Push(s.Out, f)
}

func fullFrameChange(width, height int) *frame.ChangeRecord {
	return &frame.ChangeRecord{
		Changed: true,
		Regions: []nn.Rect{{X: 0, Y: 0, Width: width, Height: height}},
	}
}

// Return the frame's pixels without row padding
func packPixels(f *frame.Frame) []byte {
	rowBytes := f.Width * 4
	if f.Stride == rowBytes {
		return f.Pixels[:rowBytes*f.Height]
	}
	out := make([]byte, 0, rowBytes*f.Height)
	for y := 0; y < f.Height; y++ {
		out = append(out, f.Row(y)...)
	}
	return out
}

// Detect compares two packed BGRA images of the same size.
// A frame is changed if the fraction of changed pixels exceeds threshold (0..1).
// The regions of a changed frame are the bounding boxes of the larger blobs of change.
func Detect(cur, prev []byte, width, height int, threshold float32) (*frame.ChangeRecord, error) {
	curMat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC4, cur)
	if err != nil {
		return nil, fmt.Errorf("Failed to wrap current frame: %w", err)
	}
	defer curMat.Close()
	prevMat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC4, prev)
	if err != nil {
		return nil, fmt.Errorf("Failed to wrap previous frame: %w", err)
	}
	defer prevMat.Close()

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(curMat, prevMat, &diff)

	// Collapse the channels into one, using the largest difference
	channels := gocv.Split(diff)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()
	mask := channels[0].Clone()
	defer mask.Close()
	for _, c := range channels[1:] {
		gocv.Max(mask, c, &mask)
	}
	gocv.Threshold(mask, &mask, pixelThreshold, 255, gocv.ThresholdBinary)

	changedPixels := gocv.CountNonZero(mask)
	ratio := float32(changedPixels) / float32(width*height)
	if ratio <= threshold {
		return &frame.ChangeRecord{Changed: false}, nil
	}

	// Fill gaps
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(gapKernelSize, gapKernelSize))
	defer kernel.Close()
	gocv.Dilate(mask, &mask, kernel)
	gocv.Erode(mask, &mask, kernel)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	rec := &frame.ChangeRecord{Changed: true}
	if contours.Size() == 0 {
		return rec, nil
	}
	// Ignore blobs that are smaller than average
	areas := make([]float64, contours.Size())
	for i := range areas {
		areas[i] = gocv.ContourArea(contours.At(i))
	}
	meanArea := stats.Mean(areas)
	for i, area := range areas {
		if area < meanArea {
			continue
		}
		r := gocv.BoundingRect(contours.At(i))
		rec.Regions = append(rec.Regions, nn.Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()})
	}
	return rec, nil
}
