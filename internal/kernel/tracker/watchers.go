package tracker

import (
	"slices"
	"sync"
)

// Trigger describes the request whose completion fired the watchers.
type Trigger struct {
	RequestID string
	Kind      Kind
}

// Watchers is the always-on listener list notified when the kernel goes
// idle after a tracked execution. It is independent of the request map.
type Watchers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Trigger)
}

// NewWatchers creates an empty listener list.
func NewWatchers() *Watchers {
	return &Watchers{fns: make(map[int]func(Trigger))}
}

// Add registers fn and returns a function that unregisters it.
func (w *Watchers) Add(fn func(Trigger)) func() {
	w.mu.Lock()
	id := w.next
	w.next++
	w.fns[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

// Notify calls every listener once, in registration order. Listeners may
// add or remove listeners.
func (w *Watchers) Notify(t Trigger) {
	w.mu.Lock()
	ids := make([]int, 0, len(w.fns))
	for id := range w.fns {
		ids = append(ids, id)
	}
	fns := make([]func(Trigger), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, w.fns[id])
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
}

// Len returns the number of listeners.
func (w *Watchers) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fns)
}
