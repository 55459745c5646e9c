// Package history keeps a bounded record of visited items.
package history

// History is a back/forward navigation stack over comparable items.
// It is not safe for concurrent use.
type History[T comparable] struct {
	stack        []T
	currentIndex int
	capacity     int
}

// New creates a History holding at most capacity items.
// A capacity of 0 disables recording; negative values are treated as 0.
func New[T comparable](capacity int) *History[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &History[T]{
		stack:        make([]T, 0, capacity),
		currentIndex: -1,
		capacity:     capacity,
	}
}

// Record adds item as the newest entry. Anything ahead of the current
// position is discarded first, and recording the current item again is a no-op.
func (h *History[T]) Record(item T) {
	if h.capacity == 0 {
		return
	}
	if h.currentIndex != -1 && h.currentIndex < len(h.stack)-1 {
		h.stack = h.stack[:h.currentIndex+1]
	}
	if h.currentIndex >= 0 && h.stack[h.currentIndex] == item {
		return
	}

	h.stack = append(h.stack, item)
	if len(h.stack) > h.capacity {
		h.stack = h.stack[len(h.stack)-h.capacity:]
	}
	h.currentIndex = len(h.stack) - 1
}

// Back steps to the previous item.
func (h *History[T]) Back() (item T, ok bool) {
	if h.currentIndex <= 0 {
		return item, false
	}
	h.currentIndex--
	return h.stack[h.currentIndex], true
}

// Forward steps to the next item after a Back.
func (h *History[T]) Forward() (item T, ok bool) {
	if h.currentIndex == -1 || h.currentIndex >= len(h.stack)-1 {
		return item, false
	}
	h.currentIndex++
	return h.stack[h.currentIndex], true
}

// Current returns the item at the current position.
func (h *History[T]) Current() (item T, ok bool) {
	if h.currentIndex < 0 {
		return item, false
	}
	return h.stack[h.currentIndex], true
}

// Remove drops every occurrence of item. If the current item goes, the
// position moves to the entry visited before it.
func (h *History[T]) Remove(item T) {
	if len(h.stack) == 0 {
		return
	}

	kept := make([]T, 0, len(h.stack))
	removedBefore := 0
	currentRemoved := false
	for i, it := range h.stack {
		if it != item {
			kept = append(kept, it)
			continue
		}
		if i < h.currentIndex {
			removedBefore++
		} else if i == h.currentIndex {
			currentRemoved = true
		}
	}
	if len(kept) == len(h.stack) {
		return
	}
	h.stack = kept
	if len(kept) == 0 {
		h.currentIndex = -1
		return
	}

	idx := h.currentIndex - removedBefore
	if currentRemoved {
		idx--
	}
	h.currentIndex = max(0, min(idx, len(kept)-1))
}

// Clear forgets everything.
func (h *History[T]) Clear() {
	h.stack = h.stack[:0]
	h.currentIndex = -1
}

// Items returns a copy of the recorded items, oldest first.
func (h *History[T]) Items() []T {
	out := make([]T, len(h.stack))
	copy(out, h.stack)
	return out
}

// Len returns the number of recorded items.
func (h *History[T]) Len() int {
	return len(h.stack)
}
