package protocol

import (
	"context"
	"io"
)

// Feeder produces batches of records. The EOF convention follows io.Reader:
// it may return `records, EOF` or `records, nil` followed by `nil, EOF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

// Drainer consumes batches of records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

type Traced interface {
	GetTraceId() string
}

// FeedDrainCloserTraced is what a connection needs from a protocol handler.
type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}

// Relay moves one batch from feeder to drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); err == nil {
			err = derr
		}
	}
	return err
}

// PumpCtx relays batches until one side fails or ctx is done.
func PumpCtx(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}

// PumpThenClose pumps until one side fails, then closes both.
// The feed error takes precedence.
func PumpThenClose(ctx context.Context, feed FeedCloser, drain DrainCloser) error {
	var ferr, derr error
	for ferr == nil && derr == nil && ctx.Err() == nil {
		var recs Records
		recs, ferr = feed.Feed(ctx)
		if len(recs) > 0 {
			derr = drain.Drain(ctx, recs)
		}
	}
	_ = feed.Close()
	_ = drain.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}
