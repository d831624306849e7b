package objdetect

import (
	"context"
	"sync"

	"github.com/cyclopcam/screenguard/pkg/frame"
)

// workItem is one (model, bypass) pair on its way through the detector
type workItem struct {
	model       *frame.Frame
	bypass      *frame.Frame
	detections  []frame.Detection
	err         error
	done        bool      // Guarded by session.fifoLock
	source      *workItem // If not nil, this item reuses the detections of source
	inference   bool      // Submitted to the worker pool
	passthrough bool      // Stage was inactive when the pair arrived
}

func (w *workItem) release() {
	if w.model != nil {
		w.model.Release()
		w.model = nil
	}
	if w.bypass != nil {
		w.bypass.Release()
		w.bypass = nil
	}
}

// session is the detector's running state, which exists from paused until ready
type session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	jobs        chan *workItem
	wg          sync.WaitGroup
	maxInFlight int

	fifoLock    sync.Mutex
	fifoCond    sync.Cond
	fifo        []*workItem
	outstanding int       // Items submitted to workers, and not yet done
	last        *workItem // Most recent active item, for temporal reuse
}

func newSession(nWorkers, maxInFlight int, infer func(ctx context.Context, item *workItem) ([]frame.Detection, error)) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(chan *workItem, max(maxInFlight, 1)),
		maxInFlight: maxInFlight,
	}
	s.fifoCond.L = &s.fifoLock
	for i := 0; i < nWorkers; i++ {
		s.wg.Add(1)
		go s.worker(infer)
	}
	return s
}

func (s *session) worker(infer func(ctx context.Context, item *workItem) ([]frame.Detection, error)) {
	defer s.wg.Done()
	for item := range s.jobs {
		if err := s.ctx.Err(); err != nil {
			// Session is stopping. Discard work that was never started.
			s.complete(item, nil, err)
			continue
		}
		dets, err := infer(s.ctx, item)
		s.complete(item, dets, err)
	}
}

func (s *session) complete(item *workItem, dets []frame.Detection, err error) {
	s.fifoLock.Lock()
	item.detections = dets
	item.err = err
	item.done = true
	s.outstanding--
	s.fifoCond.Broadcast()
	s.fifoLock.Unlock()
}

// isFull returns true if a new pair must be dropped
func (s *session) isFull() bool {
	s.fifoLock.Lock()
	defer s.fifoLock.Unlock()
	return s.outstanding >= s.maxInFlight
}

// Number of items submitted for inference, and not yet done
func (s *session) inFlight() int {
	s.fifoLock.Lock()
	defer s.fifoLock.Unlock()
	return s.outstanding
}

func (s *session) queueLen() int {
	s.fifoLock.Lock()
	defer s.fifoLock.Unlock()
	return len(s.fifo)
}

// enqueue appends an item to the FIFO.
// If reuse is true and a previous active item exists, the new item is coupled to it.
// Otherwise, if infer is true, the item is submitted to the worker pool.
// Returns true if the item was coupled.
func (s *session) enqueue(item *workItem, reuse, infer bool) bool {
	s.fifoLock.Lock()
	defer s.fifoLock.Unlock()
	coupled := false
	switch {
	case !infer:
		item.passthrough = true
		item.done = true
	case reuse && s.last != nil:
		item.source = s.last
		item.done = true
		coupled = true
		s.last = item
	default:
		item.inference = true
		s.outstanding++
		s.last = item
	}
	s.fifo = append(s.fifo, item)
	if item.inference {
		// Never blocks, because the channel can hold maxInFlight items, and outstanding < maxInFlight
		s.jobs <- item
	}
	return coupled
}

// popDone removes and returns the head of the FIFO if it is done, or returns nil
func (s *session) popDone() *workItem {
	s.fifoLock.Lock()
	defer s.fifoLock.Unlock()
	if len(s.fifo) == 0 || !s.fifo[0].done {
		return nil
	}
	item := s.fifo[0]
	s.fifo[0] = nil
	s.fifo = s.fifo[1:]
	return item
}

// waitIdle waits until every submitted item is done
func (s *session) waitIdle() {
	s.fifoLock.Lock()
	defer s.fifoLock.Unlock()
	for s.outstanding > 0 {
		s.fifoCond.Wait()
	}
}

func (s *session) clearLast() {
	s.fifoLock.Lock()
	s.last = nil
	s.fifoLock.Unlock()
}

// stop joins the workers and releases every frame in the FIFO
func (s *session) stop() {
	s.cancel()
	close(s.jobs)
	s.wg.Wait()
	s.fifoLock.Lock()
	defer s.fifoLock.Unlock()
	for _, item := range s.fifo {
		item.release()
	}
	s.fifo = nil
	s.last = nil
}
