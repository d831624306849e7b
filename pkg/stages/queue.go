package stages

import (
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
)

// Queue decouples its upstream and downstream stages.
// Frames are pushed downstream by the queue's own goroutine, which runs from paused until ready.
// A leaky queue drops its oldest frame when full. A non-leaky queue blocks the upstream goroutine.
type Queue struct {
	graph.Base
	In  *graph.Port
	Out *graph.Port

	MaxSize int
	Leaky   bool

	Dropped atomic.Int64 // Number of frames discarded by a leaky queue

	log      logs.Log
	lock     sync.Mutex
	cond     sync.Cond
	items    []queueItem
	nFrames  int
	running  bool
	finished chan bool
}

type queueItem struct {
	frame *frame.Frame
	event graph.Event
}

func NewQueue(log logs.Log, name string, maxSize int, leaky bool) *Queue {
	q := &Queue{
		MaxSize: maxSize,
		Leaky:   leaky,
	}
	q.cond.L = &q.lock
	q.InitBase(name)
	q.log = logs.NewPrefixLogger(log, "Queue "+name+":")
	q.In = q.AddInput("sink", graph.AnyFormat)
	q.Out = q.AddOutput("src", graph.AnyFormat)
	return q
}

// Len returns the number of frames waiting in the queue
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.nFrames
}

func (q *Queue) ChangeState(t graph.Transition) error {
	switch {
	case t.From == graph.StateReady && t.To == graph.StatePaused:
		q.start()
	case t.From == graph.StatePaused && t.To == graph.StateReady:
		q.stop()
	}
	return nil
}

func (q *Queue) start() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.running = true
	q.finished = make(chan bool)
	go q.loop(q.finished)
}

func (q *Queue) stop() {
	q.lock.Lock()
	q.running = false
	q.cond.Broadcast()
	finished := q.finished
	q.lock.Unlock()
	<-finished

	q.lock.Lock()
	defer q.lock.Unlock()
	for _, it := range q.items {
		if it.frame != nil {
			it.frame.Release()
		}
	}
	q.items = nil
	q.nFrames = 0
}

func (q *Queue) Chain(in *graph.Port, f *frame.Frame) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.running {
		f.Release()
		return graph.ErrFlushing
	}
	for q.MaxSize > 0 && q.nFrames >= q.MaxSize {
		if q.Leaky {
			q.dropOldest()
			break
		}
		q.cond.Wait()
		if !q.running {
			f.Release()
			return graph.ErrFlushing
		}
	}
	q.items = append(q.items, queueItem{frame: f})
	q.nFrames++
	q.cond.Broadcast()
	return nil
}

// Must be called with the lock held
func (q *Queue) dropOldest() {
	for i, it := range q.items {
		if it.frame != nil {
			it.frame.Release()
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.nFrames--
			if q.Dropped.Add(1)%100 == 1 {
				q.log.Debugf("Dropped %v frames", q.Dropped.Load())
			}
			return
		}
	}
}

// Events are queued behind the frames that preceded them, and are never dropped
func (q *Queue) Event(in *graph.Port, ev graph.Event) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.running {
		// Nothing is buffered, so the event can go straight through
		q.lock.Unlock()
		err := q.PushEvent(q.Out, ev)
		q.lock.Lock()
		return err
	}
	q.items = append(q.items, queueItem{event: ev})
	q.cond.Broadcast()
	return nil
}

func (q *Queue) loop(finished chan bool) {
	defer close(finished)
	for {
		q.lock.Lock()
		for q.running && len(q.items) == 0 {
			q.cond.Wait()
		}
		if !q.running {
			q.lock.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		if it.frame != nil {
			q.nFrames--
		}
		q.cond.Broadcast()
		q.lock.Unlock()

		if it.frame != nil {
			if err := q.Push(q.Out, it.frame); err != nil && err != graph.ErrNotLinked && err != graph.ErrFlushing {
				q.log.Warnf("Push failed: %v", err)
			}
		} else {
			q.PushEvent(q.Out, it.event)
		}
	}
}
