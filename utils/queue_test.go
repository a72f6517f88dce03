package utils

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type records [][]byte

func TestFDQueue_DrainFeedOrder(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4

	queue := NewFDQueue[records](1024, time.Second, 64)
	ctx := context.Background()

	for k := 0; k < K; k++ {
		go func(k int) {
			i := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], i|n)
				assert.Nil(t, queue.Drain(ctx, records{b[:]}))
			}
		}(k)
	}

	check := [K]int{}
	for i := uint64(0); i < N*K; {
		nums, err := queue.Feed(ctx)
		assert.Nil(t, err)
		for _, num := range nums {
			assert.Equal(t, 8, len(num))
			j := binary.LittleEndian.Uint64(num)
			k := int(j >> 32)
			n := int(j & 0xffffffff)
			assert.Equal(t, check[k], n)
			check[k] = n + 1
			i++
		}
	}

	assert.Nil(t, queue.Close())
	assert.Equal(t, ErrClosed, queue.Drain(ctx, records{{'a'}}))
	_, err := queue.Feed(ctx)
	assert.Equal(t, ErrClosed, err)
}

func TestFDQueue_FeedReturnsPartialBatch(t *testing.T) {
	queue := NewFDQueue[records](1024, 20*time.Millisecond, 1<<10)
	defer queue.Close()
	ctx := context.Background()

	assert.Nil(t, queue.Drain(ctx, records{[]byte("hello")}))
	assert.Equal(t, 5, queue.Size())

	start := time.Now()
	recs, err := queue.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, records{[]byte("hello")}, recs)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 0, queue.Size())
}

func TestFDQueue_Overflow(t *testing.T) {
	queue := NewFDQueue[records](4, 10*time.Millisecond, 4)
	defer queue.Close()
	ctx := context.Background()

	assert.Equal(t, ErrOverflow, queue.Drain(ctx, records{[]byte("too long")}))
	assert.Equal(t, ErrOverflow, queue.Drain(ctx, records{{'a'}}))
	_, err := queue.Feed(ctx)
	assert.Equal(t, ErrOverflow, err)
}

func TestAvgVal(t *testing.T) {
	a := AvgVal{}
	a.Add(2)
	a.Add(4)
	assert.Equal(t, 3.0, a.Val())
	assert.Equal(t, 2, a.Count())
}
