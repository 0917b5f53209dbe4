package recorder

import "sync"

// Feed is a source of values that a session listens to while observing.
// Sources publish into it; the session subscribes when it starts observing
// and cancels when it stops.
type Feed[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

// NewFeed returns a feed with no subscribers.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns the handle that removes it. The
// handle is safe to call more than once.
func (f *Feed[T]) Subscribe(fn func(T)) (cancel func()) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber. It reports false when nobody is
// listening.
func (f *Feed[T]) Publish(v T) bool {
	f.mu.RLock()
	fns := make([]func(T), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()

	// Subscribers may take the session lock, which is also held while
	// cancelling, so they run outside f.mu.
	for _, fn := range fns {
		fn(v)
	}
	return len(fns) > 0
}

// Subscribers reports how many listeners are attached.
func (f *Feed[T]) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
