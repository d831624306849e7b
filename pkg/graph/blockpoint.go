package graph

import (
	"context"
	"sync"
	"sync/atomic"
)

// blockPoint pauses the flow of buffers across a single output port.
//
// A streaming goroutine calls enter() before handing a buffer or event to the peer,
// and leave() once the peer has returned. A controller calls acquire(), which returns
// once no buffer is crossing, and guarantees that nothing else crosses until the
// returned Block is released. A second acquire() on the same port queues behind the first.
type blockPoint struct {
	mu       sync.Mutex
	cond     sync.Cond
	crossing int    // Number of goroutines currently between enter() and leave()
	holder   *Block // Current owner of the blocking point, or nil
}

// Block is a held blocking point. Release it exactly once.
type Block struct {
	bp       *blockPoint
	released atomic.Bool
}

func (b *blockPoint) init() {
	b.cond.L = &b.mu
}

func (b *blockPoint) enter() {
	b.mu.Lock()
	for b.holder != nil {
		b.cond.Wait()
	}
	b.crossing++
	b.mu.Unlock()
}

func (b *blockPoint) leave() {
	b.mu.Lock()
	b.crossing--
	if b.crossing < 0 {
		b.mu.Unlock()
		panic("blockPoint crossing count is negative")
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// acquire waits for any previous holder to release, then waits for the port to become idle.
// If ctx ends first, nothing is held and ctx.Err() is returned.
func (b *blockPoint) acquire(ctx context.Context) (*Block, error) {
	// Wake up our waits if the context ends
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	blk := &Block{bp: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.holder != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.cond.Wait()
	}
	// From here on, new buffers wait in enter()
	b.holder = blk
	for b.crossing > 0 {
		if err := ctx.Err(); err != nil {
			b.holder = nil
			b.cond.Broadcast()
			return nil, err
		}
		b.cond.Wait()
	}
	return blk, nil
}

func (b *blockPoint) isBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holder != nil
}

// Release lets buffers flow across the port again.
// Releasing twice is a programming error, and panics.
func (blk *Block) Release() {
	if !blk.released.CompareAndSwap(false, true) {
		panic("Blocking point released twice")
	}
	b := blk.bp
	b.mu.Lock()
	if b.holder != blk {
		b.mu.Unlock()
		panic("Blocking point released by a non-holder")
	}
	b.holder = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}
