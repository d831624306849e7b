// Package event provides a way for listeners to subscribe to synchronous events.
package event

import "sync"

// Listener receives events of type T.
// We use an interface instead of a function, because functions cannot be compared for equality.
// Comparison for equality is essential for removing an existing listener.
type Listener[T any] interface {
	OnEvent(event T)
}

// Sender sends events to its listeners, on the caller's goroutine
type Sender[T any] struct {
	listenersLock sync.Mutex
	listeners     []Listener[T]
}

// Add a new listener
// If the listener is already present, then the function returns immediately
func (s *Sender[T]) AddListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for _, l := range s.listeners {
		if l == listener {
			return
		}
	}
	s.listeners = append(s.listeners, listener)
}

// Remove an existing listener
// If the listener is not present, then the function returns immediately
func (s *Sender[T]) RemoveListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Sender[T]) NumListeners() int {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	return len(s.listeners)
}

// Send an event to all listeners.
// A listener may add or remove listeners while handling the event.
func (s *Sender[T]) Send(event T) {
	s.listenersLock.Lock()
	list := s.listeners
	s.listenersLock.Unlock()

	for _, l := range list {
		l.OnEvent(event)
	}
}
