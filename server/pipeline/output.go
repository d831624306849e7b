package pipeline

import (
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/stages"
)

// DetectionEvent is the set of objects detected in one frame of one source.
// Boxes are in the coordinates of the source frame.
type DetectionEvent struct {
	Source  string            `json:"source"`
	Seq     int64             `json:"seq"`
	Time    time.Time         `json:"time"`
	Objects []frame.Detection `json:"objects"`
}

type ChangeType string

const (
	ChangeSourceAttached  ChangeType = "sourceAttached"
	ChangeSourceDetached  ChangeType = "sourceDetached"
	ChangeElementInserted ChangeType = "elementInserted"
	ChangeElementRemoved  ChangeType = "elementRemoved"
)

// ChangeEvent describes a change to the shape of the pipeline
type ChangeEvent struct {
	Type    ChangeType   `json:"type"`
	Source  string       `json:"source"`
	Handle  SourceHandle `json:"handle"`
	Element string       `json:"element,omitempty"`
	Factory string       `json:"factory,omitempty"`
	Kind    string       `json:"kind"`
}

// output receives composited frames, and splits their detections back out into per-source events.
// A source frame stays in the composite until that source produces another one, so we only
// publish a window when its sequence number changes.
type output struct {
	p    *Pipeline
	sink *stages.Sink

	lock    sync.Mutex
	lastSeq map[string]int64
	history map[string]*ringbuffer.RingP[DetectionEvent]
}

func newOutput(p *Pipeline) *output {
	o := &output{
		p:       p,
		lastSeq: map[string]int64{},
		history: map[string]*ringbuffer.RingP[DetectionEvent]{},
	}
	o.sink = stages.NewSink("output", o.onFrame)
	return o
}

func (o *output) onFrame(f *frame.Frame) {
	layout, ok := frame.Get[*frame.LayoutRecord](f)
	if !ok {
		return
	}
	dets := frame.Detections(f)
	for _, win := range layout.Windows {
		o.lock.Lock()
		last, seen := o.lastSeq[win.Source]
		fresh := !seen || last != win.Seq
		o.lastSeq[win.Source] = win.Seq
		o.lock.Unlock()
		if !fresh {
			continue
		}
		o.p.Metrics.sourceFrames.WithLabelValues(win.Source).Inc()

		var mine []frame.Detection
		for _, d := range dets {
			if win.Rect.Contains(d.Box.Center()) {
				d.Box.Offset(-win.Rect.X, -win.Rect.Y)
				mine = append(mine, d)
			}
		}
		if len(mine) == 0 {
			continue
		}
		for _, d := range mine {
			o.p.Metrics.detections.WithLabelValues(win.Source, d.Label).Inc()
		}
		ev := DetectionEvent{
			Source:  win.Source,
			Seq:     win.Seq,
			Time:    f.PTS,
			Objects: mine,
		}
		o.lock.Lock()
		h := o.history[win.Source]
		if h == nil {
			r := ringbuffer.NewRingP[DetectionEvent](o.p.opt.HistorySize)
			h = &r
			o.history[win.Source] = h
		}
		h.Add(ev)
		o.lock.Unlock()
		o.p.Detections.Send(ev)
	}
}

// Forget a source that has been detached, so that a new source with the same name starts fresh
func (o *output) forget(source string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	delete(o.lastSeq, source)
	delete(o.history, source)
}

func (o *output) recent(source string) []DetectionEvent {
	o.lock.Lock()
	defer o.lock.Unlock()
	h := o.history[source]
	if h == nil {
		return nil
	}
	out := make([]DetectionEvent, 0, h.Len())
	for i := 0; i < h.Len(); i++ {
		out = append(out, h.Peek(i))
	}
	return out
}

// RecentDetections returns the most recent detection events of a source, oldest first
func (p *Pipeline) RecentDetections(source string) []DetectionEvent {
	return p.output.recent(source)
}
