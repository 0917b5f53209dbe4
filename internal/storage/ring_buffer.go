package storage

import "sync"

// RingBuffer is a fixed-capacity circular buffer. Entries are evicted in
// FIFO order once capacity is reached.
type RingBuffer[T any] struct {
	mu sync.RWMutex

	entries  []T
	capacity int
	head     int // index where the next write goes once full

	totalAdded int64
}

// NewRingBuffer creates a ring buffer holding at most capacity entries.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// WriteOne appends entry and reports the entry it evicted, if any.
func (rb *RingBuffer[T]) WriteOne(entry T) (evicted T, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
	} else {
		evicted, ok = rb.entries[rb.head], true
		rb.entries[rb.head] = entry
	}
	rb.head = (rb.head + 1) % rb.capacity
	rb.totalAdded++
	return evicted, ok
}

// ReadAll returns all entries currently in the buffer, oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]T, len(rb.entries))
	if len(rb.entries) < rb.capacity {
		copy(result, rb.entries)
	} else {
		// Full: head points to the oldest entry.
		n := copy(result, rb.entries[rb.head:])
		copy(result[n:], rb.entries[:rb.head])
	}
	return result
}

// ReadLast returns the newest entry.
func (rb *RingBuffer[T]) ReadLast() (last T, ok bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.entries) == 0 {
		return last, false
	}
	return rb.entries[(rb.head-1+rb.capacity)%rb.capacity], true
}

func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// TotalAdded is the number of entries ever written, including evicted ones.
func (rb *RingBuffer[T]) TotalAdded() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.totalAdded
}

// Clear drops every entry and keeps the capacity.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = make([]T, 0, rb.capacity)
	rb.head = 0
}
