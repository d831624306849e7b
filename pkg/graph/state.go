package graph

import "fmt"

// State is the playback state of a graph, and the mirror of that state on each stage.
// States are ordered, and transitions always move one step at a time.
type State int32

const (
	StateStopped State = iota // No resources allocated
	StateReady                // Resources allocated, but no data flowing
	StatePaused               // Data may flow through queues, but sources are idle
	StatePlaying              // Sources are producing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// IsFlowing is true when buffers may be crossing ports, so a mutation must drain the stage first
func (s State) IsFlowing() bool {
	return s > StateReady
}

// Transition is a single step between two adjacent states
type Transition struct {
	From State
	To   State
}

func (t Transition) IsUpward() bool {
	return t.To > t.From
}

func (t Transition) String() string {
	return t.From.String() + "->" + t.To.String()
}

// Steps returns the single-step transitions required to move from 'from' to 'to'
func Steps(from, to State) []Transition {
	steps := []Transition{}
	for from < to {
		steps = append(steps, Transition{From: from, To: from + 1})
		from++
	}
	for from > to {
		steps = append(steps, Transition{From: from, To: from - 1})
		from--
	}
	return steps
}
