package stages

import (
	"sync/atomic"
	"time"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/gen"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/nn"
)

// AppSource is fed by external code, such as a screen capture backend.
// Frames are buffered in a small leaky channel and pushed into the graph by the source's own goroutine.
type AppSource struct {
	sourceBase

	Dropped atomic.Int64

	frames chan *frame.Frame
	seq    int64
}

func NewAppSource(name string, bufferSize int) *AppSource {
	s := &AppSource{
		frames: make(chan *frame.Frame, max(bufferSize, 1)),
	}
	s.initSource(name, graph.Format{PixelFormat: "BGRA"})
	return s
}

// PushFrame hands a frame to the source. Ownership of f passes to the source.
// If the source is not playing, the frame is discarded.
func (s *AppSource) PushFrame(f *frame.Frame) error {
	s.lock.Lock()
	running := s.running
	s.lock.Unlock()
	if !running {
		f.Release()
		return graph.ErrFlushing
	}
	for {
		select {
		case s.frames <- f:
			return nil
		default:
		}
		// Full, so discard the oldest frame
		select {
		case old := <-s.frames:
			old.Release()
			s.Dropped.Add(1)
		default:
		}
	}
}

func (s *AppSource) ChangeState(t graph.Transition) error {
	s.changeSourceState(t, s.produce)
	if t.To == graph.StateReady && t.From == graph.StatePaused {
		s.drain()
	}
	return nil
}

func (s *AppSource) drain() {
	for _, f := range gen.DrainChannelIntoSlice(s.frames) {
		f.Release()
	}
}

func (s *AppSource) produce(stop chan bool) bool {
	select {
	case <-stop:
		return true
	case f := <-s.frames:
		f.Seq = s.seq
		s.seq++
		if f.PTS.IsZero() {
			f.PTS = time.Now()
		}
		frame.Set(f, &frame.WindowRecord{Source: s.Name(), Rect: nn.MakeRect(0, 0, f.Width, f.Height)})
		s.Push(s.Out, f)
	case <-time.After(50 * time.Millisecond):
		// Wake up periodically to check for EOS
	}
	return true
}
