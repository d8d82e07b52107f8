package soundcord

import "fmt"

// History is a fixed-capacity, append-only sequence. Pushing beyond
// capacity evicts the oldest element first. It is not safe for concurrent
// use; callers are expected to hold their own locks.
type History[T any] struct {
	items    []T
	capacity int
}

// NewHistory creates a History with the given capacity, optionally seeded
// with initial values. The capacity must be positive, and the seed values
// must not exceed it.
func NewHistory[T any](capacity int, seed ...T) (*History[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("history capacity must be positive, got: %d", capacity)
	}
	if len(seed) > capacity {
		return nil, fmt.Errorf(
			"%d seed values exceed history capacity %d",
			len(seed),
			capacity,
		)
	}
	h := &History[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	h.items = append(h.items, seed...)
	return h, nil
}

// Push appends item, evicting the oldest element if the buffer is full.
func (h *History[T]) Push(item T) {
	if len(h.items) == h.capacity {
		copy(h.items, h.items[1:])
		h.items[len(h.items)-1] = item
		return
	}
	h.items = append(h.items, item)
}

// Len returns the number of elements currently held.
func (h *History[T]) Len() int {
	return len(h.items)
}

// Capacity returns the fixed maximum number of elements.
func (h *History[T]) Capacity() int {
	return h.capacity
}

// Full indicates whether the buffer is at capacity.
func (h *History[T]) Full() bool {
	return len(h.items) == h.capacity
}

// First returns the oldest element. The boolean is false if the
// buffer is empty.
func (h *History[T]) First() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[0], true
}

// Last returns the newest element. The boolean is false if the
// buffer is empty.
func (h *History[T]) Last() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[len(h.items)-1], true
}

// At returns the element at index i (0 = oldest). The boolean is false
// if i is out of range.
func (h *History[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(h.items) {
		return zero, false
	}
	return h.items[i], true
}
