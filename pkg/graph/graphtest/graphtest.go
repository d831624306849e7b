// Package graphtest contains synthetic stages for exercising a graph in tests
package graphtest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
)

// Source produces small frames with sequence numbers 0,1,2... on its own goroutine while playing
type Source struct {
	graph.Base
	Out *graph.Port

	Count    int           // Stop after this many frames. Zero means unlimited.
	Interval time.Duration // Pause between frames
	EOSAtEnd bool          // Push EOS after Count frames

	next       atomic.Int64
	lock       sync.Mutex
	running    bool
	eosPending bool
	eosSent    bool
	stop       chan struct{}
	done       chan struct{}
}

func NewSource(name string, count int, interval time.Duration) *Source {
	s := &Source{
		Count:    count,
		Interval: interval,
	}
	s.InitBase(name)
	s.Out = s.AddOutput("src", graph.AnyFormat)
	return s
}

// Produced returns the number of frames pushed so far
func (s *Source) Produced() int {
	return int(s.next.Load())
}

func (s *Source) ChangeState(t graph.Transition) error {
	switch {
	case t.From == graph.StatePaused && t.To == graph.StatePlaying:
		s.lock.Lock()
		s.running = true
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		s.lock.Unlock()
		go s.run(s.stop, s.done)
	case t.From == graph.StatePlaying && t.To == graph.StatePaused:
		s.lock.Lock()
		s.running = false
		stop, done := s.stop, s.done
		s.lock.Unlock()
		close(stop)
		<-done
	}
	return nil
}

// SendEOS makes the source emit EOS after the frame it is currently producing
func (s *Source) SendEOS() {
	s.lock.Lock()
	if s.running {
		s.eosPending = true
		s.lock.Unlock()
		return
	}
	already := s.eosSent
	s.eosSent = true
	s.lock.Unlock()
	if !already {
		s.PushEvent(s.Out, graph.EventEOS)
	}
}

// Returns true if EOS was sent, and the goroutine must exit
func (s *Source) maybeSendEOS(force bool) bool {
	s.lock.Lock()
	send := (s.eosPending || force) && !s.eosSent
	if send {
		s.eosSent = true
	}
	s.lock.Unlock()
	if send {
		s.PushEvent(s.Out, graph.EventEOS)
	}
	return send
}

func (s *Source) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if s.maybeSendEOS(false) {
			return
		}
		seq := s.next.Load()
		if s.Count != 0 && int(seq) >= s.Count {
			if s.EOSAtEnd {
				s.maybeSendEOS(true)
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		f := frame.New(4, 4, frame.PixelFormatBGRA)
		f.Seq = seq
		f.PTS = time.Now()
		s.next.Add(1)
		s.Push(s.Out, f)
		if s.Interval != 0 {
			select {
			case <-stop:
				return
			case <-time.After(s.Interval):
			}
		}
	}
}

// Sink records the frames and events that reach it
type Sink struct {
	graph.Base
	In *graph.Port

	lock   sync.Mutex
	cond   sync.Cond
	seqs   []int64
	tags   [][]string
	eos    int
	frames []*frame.Frame // Only retained when Keep is true
	Keep   bool
}

func NewSink(name string) *Sink {
	s := &Sink{}
	s.cond.L = &s.lock
	s.InitBase(name)
	s.In = s.AddInput("sink", graph.AnyFormat)
	return s
}

func (s *Sink) Chain(in *graph.Port, f *frame.Frame) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.seqs = append(s.seqs, f.Seq)
	s.tags = append(s.tags, Tags(f))
	if s.Keep {
		s.frames = append(s.frames, f)
	} else {
		f.Release()
	}
	s.cond.Broadcast()
	return nil
}

func (s *Sink) Event(in *graph.Port, ev graph.Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ev == graph.EventEOS {
		s.eos++
	}
	s.cond.Broadcast()
	return nil
}

// Seqs returns the sequence numbers received so far, in order of arrival
func (s *Sink) Seqs() []int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]int64(nil), s.seqs...)
}

// Tags returns the tags of every frame received so far, in order of arrival
func (s *Sink) Tags() [][]string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([][]string(nil), s.tags...)
}

// Frames returns the retained frames. The caller does not own them.
func (s *Sink) Frames() []*frame.Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*frame.Frame(nil), s.frames...)
}

func (s *Sink) EOSCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.eos
}

// WaitFor waits until at least n frames have arrived, or the timeout expires
func (s *Sink) WaitFor(n int, timeout time.Duration) bool {
	return s.waitUntil(timeout, func() bool { return len(s.seqs) >= n })
}

// WaitForEOS waits until EOS has arrived, or the timeout expires
func (s *Sink) WaitForEOS(timeout time.Duration) bool {
	return s.waitUntil(timeout, func() bool { return s.eos != 0 })
}

func (s *Sink) waitUntil(timeout time.Duration, cond func() bool) bool {
	timer := time.AfterFunc(timeout, func() {
		s.lock.Lock()
		s.cond.Broadcast()
		s.lock.Unlock()
	})
	defer timer.Stop()
	start := time.Now()
	s.lock.Lock()
	defer s.lock.Unlock()
	for !cond() {
		if time.Since(start) >= timeout {
			return false
		}
		s.cond.Wait()
	}
	return true
}

// Release every retained frame
func (s *Sink) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, f := range s.frames {
		f.Release()
	}
	s.frames = nil
	s.seqs = nil
	s.tags = nil
	s.eos = 0
}

// TagRecord lists the Tagger stages that a frame has passed through
type TagRecord struct {
	Tags []string
}

func (r *TagRecord) CloneRecord() frame.Record {
	return &TagRecord{Tags: append([]string(nil), r.Tags...)}
}

// Tags returns the tags on a frame
func Tags(f *frame.Frame) []string {
	if r, ok := frame.Get[*TagRecord](f); ok {
		return append([]string(nil), r.Tags...)
	}
	return nil
}

// Tagger is a pass-through stage that appends its tag to every frame
type Tagger struct {
	graph.Base
	In  *graph.Port
	Out *graph.Port
	Tag string

	Delay  time.Duration // Simulated processing time
	Frames atomic.Int64
	EOS    atomic.Int64
}

func NewTagger(name, tag string) *Tagger {
	t := &Tagger{Tag: tag}
	t.InitBase(name)
	t.In = t.AddInput("sink", graph.AnyFormat)
	t.Out = t.AddOutput("src", graph.AnyFormat)
	return t
}

func (t *Tagger) Chain(in *graph.Port, f *frame.Frame) error {
	if t.Delay != 0 {
		time.Sleep(t.Delay)
	}
	f = f.MakeWritable()
	if r, ok := frame.Get[*TagRecord](f); ok {
		r.Tags = append(r.Tags, t.Tag)
	} else {
		frame.Set(f, &TagRecord{Tags: []string{t.Tag}})
	}
	t.Frames.Add(1)
	return t.Push(t.Out, f)
}

func (t *Tagger) Event(in *graph.Port, ev graph.Event) error {
	if ev == graph.EventEOS {
		t.EOS.Add(1)
	}
	return t.PushEvent(t.Out, ev)
}

// Compositor is a minimal multi-input stage, which forwards frames from every input to its output.
// It never forwards EOS, because its inputs come and go.
type Compositor struct {
	graph.Base
	Out *graph.Port

	lock sync.Mutex
	n    int
}

func NewCompositor(name string) *Compositor {
	c := &Compositor{}
	c.InitBase(name)
	c.Out = c.AddOutput("src", graph.AnyFormat)
	return c
}

func (c *Compositor) RequestInput() (*graph.Port, error) {
	c.lock.Lock()
	c.n++
	c.lock.Unlock()
	return c.AddInput("sink", graph.AnyFormat), nil
}

func (c *Compositor) ReleaseInput(p *graph.Port) {
	if err := c.RemovePort(p); err == nil {
		c.lock.Lock()
		c.n--
		c.lock.Unlock()
	}
}

// NumInputs returns the number of requested inputs that have not been released
func (c *Compositor) NumInputs() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.n
}

func (c *Compositor) Chain(in *graph.Port, f *frame.Frame) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.Push(c.Out, f)
}

func (c *Compositor) Event(in *graph.Port, ev graph.Event) error {
	return nil
}
