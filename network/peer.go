package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/docswarm/protocol"
	"github.com/drpcorg/docswarm/utils"
)

// Peer runs one connection: a read loop that cuts the byte stream into TLV
// records and drains them into the protocol in batches, and a write loop
// that feeds records from the protocol onto the wire with vectored writes.
// Reading the next batch overlaps with draining the previous one.
type Peer struct {
	conn           net.Conn
	inout          protocol.FeedDrainCloserTraced
	writeBatchSize *utils.AvgVal
	incomingBuffer atomic.Int32

	readAccumTimeLimit time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
	writeTimeout       time.Duration

	closed    atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newPeer(conn net.Conn, inout protocol.FeedDrainCloserTraced, n *Net) *Peer {
	return &Peer{
		conn:               conn,
		inout:              inout,
		writeBatchSize:     &utils.AvgVal{},
		readAccumTimeLimit: n.readAccumTimeLimit,
		bufferMaxSize:      n.bufferMaxSize,
		bufferMinToProcess: n.bufferMinToProcess,
		writeTimeout:       n.writeTimeout,
	}
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

// drainLoop hands batches to the protocol. It asks for work on idle and
// reports the first drain error on failed.
func (p *Peer) drainLoop(ctx context.Context, idle chan<- struct{}, batches <-chan protocol.Records, failed chan<- error) {
	for {
		select {
		case idle <- struct{}{}:
		case <-ctx.Done():
			return
		}
		var recs protocol.Records
		select {
		case recs = <-batches:
		case <-ctx.Done():
			return
		}
		if len(recs) == 0 {
			continue
		}
		BytesTotal.WithLabelValues("in").Add(float64(recs.TotalLen()))
		if err := p.inout.Drain(ctx, recs); err != nil {
			failed <- err
			return
		}
	}
}

// keepRead accumulates incoming bytes and passes complete records on once
// bufferMinToProcess bytes are in, or the batch is readAccumTimeLimit old,
// or the buffer hits bufferMaxSize. A record that does not fit into
// bufferMaxSize ends the connection.
func (p *Peer) keepRead(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	idle := make(chan struct{})
	batches := make(chan protocol.Records)
	failed := make(chan error, 1)
	var drainer sync.WaitGroup
	drainer.Add(1)
	go func() {
		defer drainer.Done()
		defer cancel()
		p.drainLoop(ctx, idle, batches, failed)
	}()
	defer drainer.Wait()
	defer cancel()

	var buf bytes.Buffer
	var deadline time.Time
	for !p.closed.Load() {
		if ctx.Err() != nil {
			select {
			case err := <-failed:
				return err
			default:
				return nil
			}
		}

		if buf.Len() < p.bufferMaxSize {
			if deadline.IsZero() {
				deadline = time.Now().Add(p.readAccumTimeLimit)
			}
			buf.Grow(TypicalMTU)
			chunk := buf.AvailableBuffer()[:buf.Available()]
			_ = p.conn.SetReadDeadline(deadline)
			n, err := p.conn.Read(chunk)
			buf.Write(chunk[:n])
			switch {
			case err == nil:
			case errors.Is(err, os.ErrDeadlineExceeded):
			case errors.Is(err, io.EOF):
				return nil
			default:
				return err
			}
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		if buf.Len() == 0 {
			if !time.Now().Before(deadline) {
				deadline = time.Time{}
			}
			continue
		}
		due := buf.Len() >= p.bufferMinToProcess || buf.Len() >= p.bufferMaxSize || !time.Now().Before(deadline)
		if !due {
			continue
		}
		select {
		case <-idle:
			recs, err := protocol.Split(&buf)
			if errors.Is(err, protocol.ErrIncomplete) {
				if buf.Len() >= p.bufferMaxSize {
					return fmt.Errorf("network: record does not fit %d byte read buffer: %w", p.bufferMaxSize, err)
				}
			} else if err != nil {
				return err
			}
			select {
			case batches <- recs:
			case <-ctx.Done():
			}
			deadline = time.Time{}
		default:
			if buf.Len() >= p.bufferMaxSize {
				time.Sleep(time.Millisecond)
			}
		}
	}
	return nil
}

// keepWrite feeds records from the protocol onto the wire.
func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if errors.Is(err, utils.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		size := recs.TotalLen()
		p.writeBatchSize.Add(float64(size))

		if p.writeTimeout != 0 {
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		bufs := net.Buffers(recs)
		if _, err := bufs.WriteTo(p.conn); err != nil {
			return err
		}
		BytesTotal.WithLabelValues("out").Add(float64(size))
	}
	return nil
}

// Keep runs both loops until one of them ends. The connection is closed
// only once the write loop is done, so queued records still go out; that
// close then ends the read loop.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()
	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				rerr = nil
			}
		case werr = <-writeErrCh:
			if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				cerr = err
			}
		}
		p.closed.Store(true)
	}
	return
}

// Close stops both loops and closes the protocol handler.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		_ = p.conn.Close()
		p.wg.Wait()
		_ = p.inout.Close()
	})
}
