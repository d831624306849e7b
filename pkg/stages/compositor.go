package stages

import (
	"fmt"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/gen"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/nn"
)

// Compositor places the most recent frame from each of its inputs side by side, in a horizontal strip.
// Inputs are requested and released as sources come and go, so EOS on an input is not forwarded.
type Compositor struct {
	graph.Base
	Out *graph.Port

	lock    sync.Mutex
	latest  map[*graph.Port]*frame.Frame
	order   []*graph.Port // Left to right
	nextSeq int64
	nextID  int
}

func NewCompositor(name string) *Compositor {
	c := &Compositor{
		latest: map[*graph.Port]*frame.Frame{},
	}
	c.InitBase(name)
	c.Out = c.AddOutput("src", graph.Format{PixelFormat: "BGRA"})
	return c
}

func (c *Compositor) RequestInput() (*graph.Port, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	p := c.AddInput(fmt.Sprintf("sink_%d", c.nextID), graph.Format{PixelFormat: "BGRA"})
	c.nextID++
	c.order = append(c.order, p)
	return p, nil
}

func (c *Compositor) ReleaseInput(p *graph.Port) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if f := c.latest[p]; f != nil {
		f.Release()
	}
	delete(c.latest, p)
	c.order = gen.DeleteFirst(c.order, p)
	c.RemovePort(p)
}

// NumInputs returns the number of requested inputs
func (c *Compositor) NumInputs() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.order)
}

func (c *Compositor) ChangeState(t graph.Transition) error {
	if t.From == graph.StatePaused && t.To == graph.StateReady {
		c.lock.Lock()
		for p, f := range c.latest {
			f.Release()
			delete(c.latest, p)
		}
		c.lock.Unlock()
	}
	return nil
}

func (c *Compositor) Event(in *graph.Port, ev graph.Event) error {
	return nil
}

func (c *Compositor) Chain(in *graph.Port, f *frame.Frame) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if f.PixelFormat != frame.PixelFormatBGRA {
		f.Release()
		return fmt.Errorf("Compositor only accepts BGRA frames, not %v", f.PixelFormat)
	}
	if old := c.latest[in]; old != nil {
		old.Release()
	}
	c.latest[in] = f
	// We push while holding the lock, so that composited frames leave in the same order as their sequence numbers
	return c.Push(c.Out, c.compose())
}

// Must be called with the lock held
func (c *Compositor) compose() *frame.Frame {
	width, height := 0, 0
	for _, p := range c.order {
		if f := c.latest[p]; f != nil {
			width += f.Width
			height = max(height, f.Height)
		}
	}
	out := frame.New(width, height, frame.PixelFormatBGRA)
	out.Seq = c.nextSeq
	out.PTS = time.Now()
	c.nextSeq++

	dst := cimg.WrapImageStrided(out.Width, out.Height, cimg.PixelFormatBGRA, out.Pixels, out.Stride)
	layout := &frame.LayoutRecord{}
	var dets []frame.Detection
	x := 0
	for i, p := range c.order {
		src := c.latest[p]
		if src == nil {
			continue
		}
		dst.CopyImage(cimg.WrapImageStrided(src.Width, src.Height, cimg.PixelFormatBGRA, src.Pixels, src.Stride), x, 0)
		win := frame.WindowRecord{Source: fmt.Sprintf("input%d", i), Seq: src.Seq, Rect: nn.MakeRect(x, 0, src.Width, src.Height)}
		if w, ok := frame.Get[*frame.WindowRecord](src); ok {
			win.Source = w.Source
		}
		layout.Windows = append(layout.Windows, win)
		for _, d := range frame.Detections(src) {
			d.Box.Offset(x, 0)
			dets = append(dets, d)
		}
		x += src.Width
	}
	frame.Set(out, layout)
	if len(dets) != 0 {
		frame.AddDetections(out, dets)
	}
	return out
}
