package testutils

import (
	"context"
	"sync"

	"github.com/drpcorg/docswarm/logstore"
	"github.com/drpcorg/docswarm/protocol"
)

// Connect replicates a and b over an in-process pipe until the returned
// function is called.
func Connect(a, b *logstore.Store) (func(), error) {
	sa, err := a.Replicate(logstore.ReplicateOptions{Name: "b"})
	if err != nil {
		return nil, err
	}
	sb, err := b.Replicate(logstore.ReplicateOptions{Name: "a"})
	if err != nil {
		_ = sa.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = protocol.PumpCtx(ctx, sa, sb)
	}()
	go func() {
		defer wg.Done()
		_ = protocol.PumpCtx(ctx, sb, sa)
	}()
	return func() {
		cancel()
		_ = sa.Close()
		_ = sb.Close()
		wg.Wait()
	}, nil
}
