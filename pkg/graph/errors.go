package graph

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	PeerUnavailable     ErrorKind = iota // The port or its peer vanished, or a blocking point could not be acquired
	StageCreationFailed                  // A factory could not create the stage
	LinkRejected                         // The formats of two ports are incompatible, or a port is already linked
)

func (k ErrorKind) String() string {
	switch k {
	case PeerUnavailable:
		return "peer unavailable"
	case StageCreationFailed:
		return "stage creation failed"
	case LinkRejected:
		return "link rejected"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by graph mutations.
// Use errors.Is(err, graph.ErrPeerUnavailable) etc to test the kind.
type Error struct {
	Kind  ErrorKind
	Op    string // eg "insert"
	Stage string // Name of the stage being operated on
	Err   error
}

var (
	ErrPeerUnavailable     = &Error{Kind: PeerUnavailable}
	ErrStageCreationFailed = &Error{Kind: StageCreationFailed}
	ErrLinkRejected        = &Error{Kind: LinkRejected}
)

// Errors returned on the streaming path. These are not failures of a mutation.
var (
	ErrNotLinked = errors.New("Port is not linked")
	ErrFlushing  = errors.New("Stage is not running")
	ErrEOS       = errors.New("Stage has already received end of stream")
)

func NewError(kind ErrorKind, op, stage string, err error) *Error {
	return &Error{Kind: kind, Op: op, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Stage != "" {
		s += " (" + e.Stage + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
