package objdetect

import "sync"

// ModelGuard lets inference calls share a model, while guaranteeing that the model is
// never swapped or closed during a call.
//
// A swap sets 'blocked', which stops new calls from being admitted, and then waits for
// the count of live calls to reach zero. The blocked flag and the live count each have
// their own mutex and condition variable.
type ModelGuard struct {
	swapLock sync.Mutex // Serializes Swap

	blockLock sync.Mutex
	blockCond sync.Cond
	blocked   bool

	refLock sync.Mutex
	refCond sync.Cond
	refs    int
	model   Model
}

func NewModelGuard() *ModelGuard {
	g := &ModelGuard{}
	g.blockCond.L = &g.blockLock
	g.refCond.L = &g.refLock
	return g
}

// Acquire admits a call, and returns the model that it must use (which may be nil).
// Every Acquire must be paired with a Release.
func (g *ModelGuard) Acquire() Model {
	g.blockLock.Lock()
	for g.blocked {
		g.blockCond.Wait()
	}
	// The increment happens under blockLock, so a swap cannot slip in between our check and the increment
	g.refLock.Lock()
	g.refs++
	m := g.model
	g.refLock.Unlock()
	g.blockLock.Unlock()
	return m
}

func (g *ModelGuard) Release() {
	g.refLock.Lock()
	g.refs--
	if g.refs < 0 {
		g.refLock.Unlock()
		panic("ModelGuard released more times than acquired")
	}
	if g.refs == 0 {
		g.refCond.Broadcast()
	}
	g.refLock.Unlock()
}

// Model returns the current model, without admitting a call. Do not run inference on it.
func (g *ModelGuard) Model() Model {
	g.refLock.Lock()
	defer g.refLock.Unlock()
	return g.model
}

// Swap waits for all live calls to finish, closes the old model, and installs the new one.
// Once Swap returns, the old model will never be used again.
func (g *ModelGuard) Swap(m Model) {
	g.swapLock.Lock()
	defer g.swapLock.Unlock()

	g.blockLock.Lock()
	g.blocked = true
	g.blockLock.Unlock()

	g.refLock.Lock()
	for g.refs != 0 {
		g.refCond.Wait()
	}
	old := g.model
	g.model = m
	g.refLock.Unlock()

	if old != nil {
		old.Close()
	}

	g.blockLock.Lock()
	g.blocked = false
	g.blockCond.Broadcast()
	g.blockLock.Unlock()
}

// Close waits for live calls, and closes the model
func (g *ModelGuard) Close() {
	g.Swap(nil)
}
