// Package network carries replication streams between processes.
//
// A Net owns listeners and outgoing connections. Every established
// connection becomes a Peer that runs a read loop and a write loop against a
// protocol handler obtained from the install callback, so the handler only
// deals with batches of TLV records:
//
//	n := network.NewNet(log, install, destroy,
//		&network.NetTlsConfigOpt{Config: tlsConfig},
//		&network.NetWriteTimeoutOpt{Timeout: 30 * time.Second},
//	)
//	_ = n.Listen("tcp://:7700")
//	_ = n.Connect("ws://peer.local:7701/replicate")
//	defer n.Close()
//
// Outgoing connections are kept alive: a dropped or refused connection is
// retried with exponential backoff between MinRetryPeriod and
// MaxRetryPeriod until Disconnect or Close.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/drpcorg/docswarm/protocol"
	"github.com/drpcorg/docswarm/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("the address invalid")
	ErrAddressDuplicated = errors.New("the address already used")
	ErrAddressUnknown    = errors.New("address unknown")
)

const (
	TCP ConnType = iota + 1
	TLS
	WS
	WSS
)

const (
	TypicalMTU = 1500

	MinRetryPeriod = time.Second / 2
	MaxRetryPeriod = time.Minute

	// DefaultWSPath is where websocket listeners accept replication.
	DefaultWSPath = "/replicate"
)

type InstallCallback func(name string) (protocol.FeedDrainCloserTraced, error)
type DestroyCallback func(name string, p protocol.Traced)

// Net keeps replication connections. One slow peer never holds up the
// others: every connection has its own goroutines and its own queue in the
// protocol handler.
type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns   *xsync.MapOf[string, *Peer]
	dials   *xsync.MapOf[string, context.CancelFunc]
	listens *xsync.MapOf[string, net.Listener]
	ctx     context.Context
	cancel  context.CancelFunc

	tlsConfig          *tls.Config
	readBufferTcpSize  int
	writeBufferTcpSize int
	readAccumTimeLimit time.Duration
	writeTimeout       time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

// NetReadBatchOpt tunes read batching: incoming bytes are handed to the
// protocol once BufferMinToProcess bytes are buffered or ReadAccumTimeLimit
// has passed since the batch started.
type NetReadBatchOpt struct {
	ReadAccumTimeLimit time.Duration
	BufferMaxSize      int
	BufferMinToProcess int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.readAccumTimeLimit = opt.ReadAccumTimeLimit
	n.bufferMaxSize = opt.BufferMaxSize
	n.bufferMinToProcess = opt.BufferMinToProcess
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:                log,
		onInstall:          install,
		onDestroy:          destroy,
		conns:              xsync.NewMapOf[string, *Peer](),
		dials:              xsync.NewMapOf[string, context.CancelFunc](),
		listens:            xsync.NewMapOf[string, net.Listener](),
		ctx:                ctx,
		cancel:             cancel,
		readAccumTimeLimit: 50 * time.Millisecond,
		bufferMaxSize:      64 << 20,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type NetStats struct {
	ReadBuffers  map[string]int32
	WriteBatches map[string]int32
}

func (n *Net) GetStats() NetStats {
	stats := NetStats{
		ReadBuffers:  make(map[string]int32),
		WriteBatches: make(map[string]int32),
	}
	n.conns.Range(func(name string, p *Peer) bool {
		stats.ReadBuffers[name] = p.GetIncomingPacketBufferSize()
		stats.WriteBatches[name] = int32(p.writeBatchSize.Val())
		return true
	})
	return stats
}

// Peers lists the names of live connections, sorted.
func (n *Net) Peers() []string {
	var names []string
	n.conns.Range(func(name string, _ *Peer) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// ListenAddr is the bound address of a listener, useful with port 0.
func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) Close() error {
	n.cancel()

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			_ = l.Close()
		}
		return true
	})
	n.listens.Clear()

	n.dials.Range(func(_ string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
	n.dials.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		p.Close()
		return true
	})

	n.wg.Wait()
	n.conns.Clear()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection named name to whichever of addrs
// answers first.
func (n *Net) ConnectPool(name string, addrs []string) error {
	if n.ctx.Err() != nil {
		return net.ErrClosed
	}
	for _, addr := range addrs {
		if _, _, err := parseAddr(addr); err != nil {
			return fmt.Errorf("%w: %s", err, addr)
		}
	}
	ctx, cancel := context.WithCancel(n.ctx)
	if _, loaded := n.dials.LoadOrStore(name, cancel); loaded {
		cancel()
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(ctx, name, addrs)
	}()
	return nil
}

// Disconnect stops a connection made by Connect or ConnectPool and its
// reconnect loop.
func (n *Net) Disconnect(name string) error {
	cancel, ok := n.dials.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	cancel()
	if p, ok := n.conns.Load(name); ok {
		p.Close()
	}
	return nil
}

// Listen accepts connections on addr: "tcp://:port", "tls://:port",
// "ws://:port/path" or "wss://:port/path".
func (n *Net) Listen(addr string) error {
	// the nil placeholder keeps a concurrent Listen on addr out
	if _, loaded := n.listens.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr, "bound", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr, listener)
	}()
	return nil
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok || listener == nil {
		return ErrAddressUnknown
	}
	return listener.Close()
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = MinRetryPeriod
	bo.MaxInterval = MaxRetryPeriod
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// KeepConnecting dials addrs in turn until one answers, serves the
// connection until it drops, and starts over until ctx is done.
func (n *Net) KeepConnecting(ctx context.Context, name string, addrs []string) {
	bo := newBackoff()
	for ctx.Err() == nil {
		var conn net.Conn
		var err error
		for _, addr := range addrs {
			if conn, err = n.createConn(ctx, addr); err == nil {
				break
			}
		}
		if err != nil {
			wait := bo.NextBackOff()
			n.log.Warn("net: couldn't connect", "name", name, "err", err, "retry", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}

		bo.Reset()
		n.setTCPBuffersSize(utils.WithDefaultArgs(ctx, "name", name), conn)
		n.log.Info("net: connected", "name", name, "remoteAddr", conn.RemoteAddr().String())
		n.keepPeer(ctx, name, conn)
	}
	n.log.Debug("net: stopped connecting", "name", name)
}

// KeepListening accepts connections until the listener is closed.
func (n *Net) KeepListening(addr string, listener net.Listener) {
	for n.ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// reconnects are the client's problem
			n.log.Error("net: couldn't accept connection", "addr", addr, "err", err)
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remoteAddr)
		n.log.Info("net: accepted connection", "addr", addr, "remoteAddr", remoteAddr)
		n.setTCPBuffersSize(utils.WithDefaultArgs(n.ctx, "addr", addr, "remoteAddr", remoteAddr), conn)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(n.ctx, name, conn)
		}()
	}

	if l, ok := n.listens.Load(addr); ok && l == listener {
		n.listens.Delete(addr)
	}
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		n.log.Error("net: couldn't close listener", "addr", addr, "err", err)
	}
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) setTCPBuffersSize(ctx context.Context, conn net.Conn) {
	if n.readBufferTcpSize <= 0 && n.writeBufferTcpSize <= 0 {
		return
	}
	for {
		switch c := conn.(type) {
		case *wsConn:
			conn = c.ws.NetConn()
			continue
		case *tls.Conn:
			conn = c.NetConn()
			continue
		case *net.TCPConn:
			if n.readBufferTcpSize > 0 {
				_ = c.SetReadBuffer(n.readBufferTcpSize)
			}
			if n.writeBufferTcpSize > 0 {
				_ = c.SetWriteBuffer(n.writeBufferTcpSize)
			}
		default:
			n.log.WarnCtx(ctx, "net: unable to set buffers on connection", "type", fmt.Sprintf("%T", conn))
		}
		return
	}
}

// keepPeer serves one connection until it fails or ctx is done.
func (n *Net) keepPeer(ctx context.Context, name string, conn net.Conn) {
	proto, err := n.onInstall(name)
	if err != nil {
		n.log.Error("net: couldn't install protocol", "name", name, "err", err)
		_ = conn.Close()
		return
	}
	peer := newPeer(conn, proto, n)
	n.conns.Store(name, peer)
	ConnectionsOpen.Inc()

	readErr, writeErr, closeErr := peer.Keep(ctx)
	trace := peer.GetTraceId()
	if readErr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", readErr, "trace_id", trace)
	}
	if writeErr != nil {
		n.log.Error("net: couldn't write to peer", "name", name, "err", writeErr, "trace_id", trace)
	}
	if closeErr != nil {
		n.log.Error("net: couldn't close peer", "name", name, "err", closeErr, "trace_id", trace)
	}

	n.conns.Delete(name)
	ConnectionsOpen.Dec()
	peer.Close()
	if n.onDestroy != nil {
		n.onDestroy(name, peer)
	}
	n.log.Info("net: peer gone", "name", name, "trace_id", trace)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, u, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	switch connType {
	case TLS:
		listener = tls.NewListener(listener, n.tlsConfig)
	case WS:
		listener = newWSListener(listener, u.Path, n.log)
	case WSS:
		listener = newWSListener(tls.NewListener(listener, n.tlsConfig), u.Path, n.log)
	}
	return listener, nil
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	connType, u, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	switch connType {
	case TLS:
		d := tls.Dialer{NetDialer: &net.Dialer{Timeout: time.Minute}, Config: n.tlsConfig}
		return d.DialContext(ctx, "tcp", u.Host)
	case WS, WSS:
		d := websocket.Dialer{HandshakeTimeout: time.Minute, TLSClientConfig: n.tlsConfig}
		ws, _, err := d.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		return newWSConn(ws), nil
	default:
		d := net.Dialer{Timeout: time.Minute}
		return d.DialContext(ctx, "tcp", u.Host)
	}
}

// parseAddr reads "scheme://host:port/path". A bare "host:port" is tcp;
// websocket addresses without a path get DefaultWSPath.
func parseAddr(addr string) (ConnType, *url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return 0, nil, errors.Join(ErrAddressInvalid, err)
	}
	if u.Host == "" {
		return 0, nil, ErrAddressInvalid
	}

	var conn ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	case "ws":
		conn = WS
	case "wss":
		conn = WSS
	default:
		return 0, nil, ErrAddressInvalid
	}
	if (conn == WS || conn == WSS) && (u.Path == "" || u.Path == "/") {
		u.Path = DefaultWSPath
	}
	return conn, u, nil
}
