package graph

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/screenguard/pkg/idgen"
)

type StageID uint32
type PortID uint32

// NoPort is the link state of an unlinked port
const NoPort PortID = 0

var stageIDs idgen.Counter[StageID]
var portIDs idgen.Counter[PortID]

type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirInput {
		return "input"
	}
	return "output"
}

// Format describes the frames that a port accepts or produces.
// A zero value in any field is a wildcard.
type Format struct {
	PixelFormat string // eg "BGRA"
	Width       int
	Height      int
}

// AnyFormat accepts everything
var AnyFormat = Format{}

func (f Format) String() string {
	pf := f.PixelFormat
	if pf == "" {
		pf = "*"
	}
	dim := func(v int) string {
		if v == 0 {
			return "*"
		}
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%v %vx%v", pf, dim(f.Width), dim(f.Height))
}

// Intersect returns the format that satisfies both a and b, or false if they are incompatible
func (f Format) Intersect(b Format) (Format, bool) {
	r := f
	if r.PixelFormat == "" {
		r.PixelFormat = b.PixelFormat
	} else if b.PixelFormat != "" && b.PixelFormat != r.PixelFormat {
		return Format{}, false
	}
	if r.Width == 0 {
		r.Width = b.Width
	} else if b.Width != 0 && b.Width != r.Width {
		return Format{}, false
	}
	if r.Height == 0 {
		r.Height = b.Height
	} else if b.Height != 0 && b.Height != r.Height {
		return Format{}, false
	}
	return r, true
}

// Port is a directional connection point on a stage.
// A port refers to its owner and its peer by ID. The peer is only modified while holding
// the graph's arena lock, and only once the port's blocking point (if any traffic is possible)
// has been acquired.
type Port struct {
	id     PortID
	owner  StageID
	name   string
	dir    Direction

	formatLock sync.Mutex
	format     Format // What the owner accepts/produces

	// Guarded by Graph.arenaLock (or owned by the builder, while the stage is detached)
	peer       PortID
	negotiated Format

	block blockPoint // Only used on output ports

	watchLock sync.Mutex
	eosWatch  func() // One-shot watcher that consumes an EOS marker leaving this port
}

func newPort(owner StageID, name string, dir Direction, format Format) *Port {
	p := &Port{
		id:     portIDs.Next(),
		owner:  owner,
		name:   name,
		dir:    dir,
		format: format,
	}
	p.block.init()
	return p
}

func (p *Port) ID() PortID { return p.id }
func (p *Port) Owner() StageID { return p.owner }
func (p *Port) Name() string { return p.name }
func (p *Port) Direction() Direction { return p.dir }

func (p *Port) Format() Format {
	p.formatLock.Lock()
	defer p.formatLock.Unlock()
	return p.format
}

// SetFormat changes what the port accepts. Used when a stage renegotiates, eg a scaler
// whose target size changes with the model. It does not affect an existing link.
// Safe to call at any time, including while another goroutine is mutating the graph.
func (p *Port) SetFormat(f Format) {
	p.formatLock.Lock()
	defer p.formatLock.Unlock()
	p.format = f
}

func (p *Port) String() string {
	return fmt.Sprintf("%v port %v:%v", p.dir, p.owner, p.name)
}

// Arm a one-shot watcher that swallows the next EOS marker to leave this port.
// Panics if a watcher is already armed.
func (p *Port) watchEOS(fn func()) {
	p.watchLock.Lock()
	defer p.watchLock.Unlock()
	if p.eosWatch != nil {
		panic(fmt.Sprintf("EOS watcher already armed on %v", p))
	}
	p.eosWatch = fn
}

func (p *Port) takeEOSWatcher() func() {
	p.watchLock.Lock()
	defer p.watchLock.Unlock()
	fn := p.eosWatch
	p.eosWatch = nil
	return fn
}
