package stages

import (
	"sync"

	"github.com/cyclopcam/screenguard/pkg/graph"
)

// sourceBase runs a source's streaming goroutine while the source is playing,
// and handles the EOS requests of graph mutations.
type sourceBase struct {
	graph.Base
	Out *graph.Port

	lock       sync.Mutex
	running    bool
	eosPending bool
	eosSent    bool
	stop       chan bool
	finished   chan bool
}

// produce is called in a loop by the streaming goroutine. It returns false once the source is exhausted.
type produceFunc func(stop chan bool) bool

func (s *sourceBase) initSource(name string, format graph.Format) {
	s.InitBase(name)
	s.Out = s.AddOutput("src", format)
}

func (s *sourceBase) changeSourceState(t graph.Transition, produce produceFunc) {
	switch {
	case t.From == graph.StatePaused && t.To == graph.StatePlaying:
		s.lock.Lock()
		s.running = true
		s.stop = make(chan bool)
		s.finished = make(chan bool)
		go s.loop(s.stop, s.finished, produce)
		s.lock.Unlock()
	case t.From == graph.StatePlaying && t.To == graph.StatePaused:
		s.lock.Lock()
		s.running = false
		stop, finished := s.stop, s.finished
		s.lock.Unlock()
		close(stop)
		<-finished
	case t.From == graph.StateReady && t.To == graph.StateStopped:
		s.lock.Lock()
		s.eosPending = false
		s.eosSent = false
		s.lock.Unlock()
	}
}

// SendEOS makes the source emit EOS after the frame that it is currently producing, and then go idle
func (s *sourceBase) SendEOS() {
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

// Push EOS if it was requested (or force is true). Returns true if the source must stop producing.
func (s *sourceBase) checkEOS(force bool) bool {
	s.lock.Lock()
	send := (s.eosPending || force) && !s.eosSent
	if send {
		s.eosSent = true
	}
	done := s.eosSent
	s.lock.Unlock()
	if send {
		s.PushEvent(s.Out, graph.EventEOS)
	}
	return done
}

func (s *sourceBase) loop(stop, finished chan bool, produce produceFunc) {
	defer close(finished)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if s.checkEOS(false) {
			return
		}
		if !produce(stop) {
			s.checkEOS(true)
			return
		}
	}
}
