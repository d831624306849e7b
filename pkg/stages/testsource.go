package stages

import (
	"time"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/nn"
)

// TestSource generates a synthetic screen: a grey background with a white square that moves
// from left to right. This lets the whole pipeline run without a capture backend.
type TestSource struct {
	sourceBase

	Width     int
	Height    int
	FPS       float64
	Count     int // Stop (with EOS) after this many frames. Zero means unlimited.
	MoveEvery int // Move the square every N frames, so that change detection sees static frames in between
	BoxSize   int

	seq int64
}

func NewTestSource(name string, width, height int, fps float64) *TestSource {
	s := &TestSource{
		Width:     width,
		Height:    height,
		FPS:       fps,
		MoveEvery: 1,
		BoxSize:   max(min(width, height)/8, 1),
	}
	s.initSource(name, graph.Format{PixelFormat: "BGRA", Width: width, Height: height})
	return s
}

func (s *TestSource) ChangeState(t graph.Transition) error {
	s.changeSourceState(t, s.produce)
	return nil
}

// BoxAt returns the position of the square in frame number seq
func (s *TestSource) BoxAt(seq int64) nn.Rect {
	step := seq / int64(max(s.MoveEvery, 1))
	travel := max(s.Width-s.BoxSize, 1)
	x := int(step*int64(s.BoxSize/2+1)) % travel
	y := (s.Height - s.BoxSize) / 2
	return nn.MakeRect(x, y, s.BoxSize, s.BoxSize)
}

// Render draws frame number seq
func (s *TestSource) Render(seq int64) *frame.Frame {
	f := frame.New(s.Width, s.Height, frame.PixelFormatBGRA)
	f.Seq = seq
	f.PTS = time.Now()
	box := s.BoxAt(seq)
	for y := 0; y < s.Height; y++ {
		row := f.Row(y)
		inY := y >= box.Y && y < box.Y2()
		for x := 0; x < s.Width; x++ {
			v := byte(64)
			if inY && x >= box.X && x < box.X2() {
				v = 255
			}
			row[x*4] = v
			row[x*4+1] = v
			row[x*4+2] = v
			row[x*4+3] = 255
		}
	}
	frame.Set(f, &frame.WindowRecord{Source: s.Name(), Rect: nn.MakeRect(0, 0, s.Width, s.Height)})
	return f
}

func (s *TestSource) produce(stop chan bool) bool {
	if s.Count != 0 && s.seq >= int64(s.Count) {
		return false
	}
	s.Push(s.Out, s.Render(s.seq))
	s.seq++
	if s.FPS > 0 {
		select {
		case <-stop:
		case <-time.After(time.Duration(float64(time.Second) / s.FPS)):
		}
	}
	return true
}
