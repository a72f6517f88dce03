package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

type backlog[T ~[][]byte] struct {
	recs T
	size int
}

// FDQueue is a bounded feed/drain queue of byte records. Drain blocks while
// the queue is full; Feed returns once batchSize bytes are collected or the
// time limit runs out, whichever comes first. A drain that cannot make room
// within the time limit marks the queue overflowed for good.
type FDQueue[T ~[][]byte] struct {
	ctx        context.Context
	close      context.CancelFunc
	timelimit  time.Duration
	batchSize  int
	maxSize    int
	backlog    atomic.Pointer[backlog[T]]
	overflowed atomic.Bool

	feedTurn  chan struct{}
	drainTurn chan struct{}
	mu        chan struct{}

	feedWake  atomic.Pointer[chan struct{}]
	drainWake atomic.Pointer[chan struct{}]
}

var ErrClosed = errors.New("docswarm: feed/drain queue is closed")
var ErrOverflow = errors.New("docswarm: feed/drain queue is overflowed")

var errTimeout = errors.New("timeout")

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &FDQueue[T]{
		timelimit: timelimit,
		ctx:       ctx,
		close:     cancel,
		maxSize:   limit,
		batchSize: batchSize,
		feedTurn:  make(chan struct{}, 1),
		drainTurn: make(chan struct{}, 1),
		mu:        make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.close()
	q.backlog.Store(nil)
	return nil
}

// Size is the number of queued bytes.
func (q *FDQueue[T]) Size() int {
	if q.ctx.Err() != nil {
		return 0
	}
	if b := q.backlog.Load(); b != nil {
		return b.size
	}
	return 0
}

// enter takes a token from a one-slot semaphore channel.
func (q *FDQueue[T]) enter(ctx context.Context, timer *time.Timer, sem chan struct{}) (bool, error) {
	select {
	case sem <- struct{}{}:
		return true, nil
	case <-q.ctx.Done():
		return false, nil
	case <-ctx.Done():
		return false, nil
	case <-timer.C:
		return false, errTimeout
	}
}

func (q *FDQueue[T]) wait(ctx context.Context, timer *time.Timer, wake chan struct{}) (bool, error) {
	select {
	case <-wake:
		return true, nil
	case <-q.ctx.Done():
		return false, nil
	case <-ctx.Done():
		return false, nil
	case <-timer.C:
		return false, errTimeout
	}
}

func wakeup(p *atomic.Pointer[chan struct{}]) {
	if ch := p.Swap(nil); ch != nil {
		*ch <- struct{}{}
	}
}

func (q *FDQueue[T]) drainFailed(err error) error {
	if errors.Is(err, errTimeout) {
		q.overflowed.Store(true)
		return ErrOverflow
	}
	return nil
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	if q.overflowed.Load() {
		return ErrOverflow
	}

	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	// drains are ordered among themselves
	ok, err := q.enter(ctx, timer, q.drainTurn)
	if !ok {
		return q.drainFailed(err)
	}
	defer func() { <-q.drainTurn }()

	if ok, err = q.enter(ctx, timer, q.mu); !ok {
		return q.drainFailed(err)
	}

	for len(recs) > 0 {
		cur := q.backlog.Load()
		next := &backlog[T]{}
		if cur != nil {
			next.recs, next.size = cur.recs, cur.size
		}
		free := q.maxSize - next.size
		n, size := 0, 0
		for _, rec := range recs {
			if len(rec) > free {
				break
			}
			free -= len(rec)
			size += len(rec)
			n++
		}
		if n > 0 {
			next.recs = append(next.recs, recs[:n]...)
			next.size += size
			if !q.backlog.CompareAndSwap(cur, next) {
				continue
			}
			recs = recs[n:]
			wakeup(&q.feedWake)
			if len(recs) == 0 {
				break
			}
		}
		// full: release the queue and wait for a feed to make room
		wake := make(chan struct{}, 1)
		q.drainWake.Store(&wake)
		<-q.mu
		if ok, err = q.wait(ctx, timer, wake); !ok {
			return q.drainFailed(err)
		}
		if ok, err = q.enter(ctx, timer, q.mu); !ok {
			return q.drainFailed(err)
		}
	}
	<-q.mu
	return nil
}

func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	if q.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if q.overflowed.Load() {
		return nil, ErrOverflow
	}

	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	if ok, _ := q.enter(ctx, timer, q.feedTurn); !ok {
		return
	}
	defer func() { <-q.feedTurn }()

	if ok, _ := q.enter(ctx, timer, q.mu); !ok {
		return
	}

	total := 0
	for {
		if cur := q.backlog.Load(); cur != nil {
			n, taken := 0, 0
			for _, rec := range cur.recs {
				recs = append(recs, rec)
				taken += len(rec)
				n++
				if total+taken >= q.batchSize {
					break
				}
			}
			cur.recs = cur.recs[n:]
			cur.size -= taken
			total += taken
			wakeup(&q.drainWake)
			if total >= q.batchSize {
				<-q.mu
				return recs, nil
			}
		}
		wake := make(chan struct{}, 1)
		q.feedWake.Store(&wake)
		<-q.mu
		if ok, _ := q.wait(ctx, timer, wake); !ok {
			return
		}
		if ok, _ := q.enter(ctx, timer, q.mu); !ok {
			return
		}
	}
}
