package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64Heap_Pop(t *testing.T) {
	h := Heap[uint64]{}
	for i := uint64(0); i < 64; i++ {
		h.Push(i ^ 17)
	}
	assert.Equal(t, uint64(0), h.Peek())
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, i, h.Pop())
	}
	assert.Equal(t, 0, h.Len())
}

func TestHeap_Duplicates(t *testing.T) {
	h := Heap[uint64]{}
	for _, v := range []uint64{5, 3, 5, 1, 3} {
		h.Push(v)
	}
	var got []uint64
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	assert.Equal(t, []uint64{1, 3, 3, 5, 5}, got)
}
