package utils

import "golang.org/x/exp/constraints"

// Heap is a binary min-heap over any ordered type.
type Heap[T constraints.Ordered] struct {
	buf []T
}

func (h *Heap[T]) Len() int {
	return len(h.buf)
}

func (h *Heap[T]) Push(x T) {
	h.buf = append(h.buf, x)
	h.siftUp(len(h.buf) - 1)
}

// Peek returns the minimum without removing it. The heap must not be empty.
func (h *Heap[T]) Peek() T {
	return h.buf[0]
}

// Pop removes and returns the minimum. The heap must not be empty.
func (h *Heap[T]) Pop() (min T) {
	min = h.buf[0]
	last := len(h.buf) - 1
	h.buf[0] = h.buf[last]
	h.buf = h.buf[:last]
	if last > 0 {
		h.siftDown(0)
	}
	return
}

func (h *Heap[T]) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.buf[parent] <= h.buf[i] {
			return
		}
		h.buf[parent], h.buf[i] = h.buf[i], h.buf[parent]
		i = parent
	}
}

func (h *Heap[T]) siftDown(i int) {
	n := len(h.buf)
	for {
		least := i
		if l := 2*i + 1; l < n && h.buf[l] < h.buf[least] {
			least = l
		}
		if r := 2*i + 2; r < n && h.buf[r] < h.buf[least] {
			least = r
		}
		if least == i {
			return
		}
		h.buf[i], h.buf[least] = h.buf[least], h.buf[i]
		i = least
	}
}
