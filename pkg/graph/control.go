package graph

// The control loop runs topology changes that cannot be made by the goroutine that
// discovers the need for them. The canonical case is an EOS watcher, which fires on
// a streaming goroutine that is inside the very stage that is about to be destroyed.

func (g *Graph) controlLoop() {
	defer close(g.loopDone)
	for {
		select {
		case fn := <-g.ctrl:
			fn()
		case <-g.closed:
			// Run whatever is left, so that nobody waits forever on a completion
			for {
				select {
				case fn := <-g.ctrl:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post hands fn to the control loop. If the graph has been closed, fn runs on the caller.
func (g *Graph) post(fn func()) {
	select {
	case g.ctrl <- fn:
	case <-g.closed:
		fn()
	}
}
