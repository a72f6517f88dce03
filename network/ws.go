package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/drpcorg/docswarm/utils"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  TypicalMTU,
	WriteBufferSize: TypicalMTU,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn presents a websocket as a byte stream. Each Write is one binary
// message. Messages are read ahead by a goroutine, so a read deadline only
// interrupts the wait and leaves the websocket usable.
type wsConn struct {
	ws     *websocket.Conn
	in     chan []byte
	done   chan struct{}
	rerr   error
	wlock  sync.Mutex
	once   sync.Once
	cur    []byte
	dlLock sync.Mutex
	dl     time.Time
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		in:   make(chan []byte),
		done: make(chan struct{}),
	}
	go c.readAhead()
	return c
}

func (c *wsConn) readAhead() {
	defer close(c.in)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = net.ErrClosed
			}
			c.rerr = err
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Read(b []byte) (int, error) {
	if len(c.cur) == 0 {
		c.dlLock.Lock()
		dl := c.dl
		c.dlLock.Unlock()
		var timeout <-chan time.Time
		if !dl.IsZero() {
			wait := time.Until(dl)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case msg, ok := <-c.in:
			if !ok {
				if c.rerr != nil {
					return 0, c.rerr
				}
				return 0, net.ErrClosed
			}
			c.cur = msg
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		case <-c.done:
			return 0, net.ErrClosed
		}
	}
	n := copy(b, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.dlLock.Lock()
	c.dl = t
	c.dlLock.Unlock()
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsListener serves websocket upgrades on one path and hands the upgraded
// connections out through Accept.
type wsListener struct {
	inner net.Listener
	srv   *http.Server
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newWSListener(inner net.Listener, path string, log utils.Logger) *wsListener {
	if path == "" {
		path = DefaultWSPath
	}
	l := &wsListener{
		inner: inner,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	router := mux.NewRouter()
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("net: websocket upgrade failed", "remoteAddr", r.RemoteAddr, "err", err)
			return
		}
		select {
		case l.conns <- newWSConn(ws):
		case <-l.done:
			_ = ws.Close()
		}
	}).Methods(http.MethodGet)
	l.srv = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(inner); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("net: websocket server failed", "addr", inner.Addr().String(), "err", err)
		}
		_ = l.Close()
	}()
	return l
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	err := net.ErrClosed
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.inner.Addr()
}
