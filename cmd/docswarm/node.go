package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drpcorg/docswarm"
	"github.com/drpcorg/docswarm/config"
	"github.com/drpcorg/docswarm/discovery"
	"github.com/drpcorg/docswarm/logstore"
	"github.com/drpcorg/docswarm/network"
	"github.com/drpcorg/docswarm/protocol"
	"github.com/drpcorg/docswarm/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// node is one running docswarm process: the engine, its transports and the
// optional HTTP API.
type node struct {
	cfg  config.Config
	log  utils.Logger
	eng  *docswarm.Engine
	net  *network.Net
	mdns *discovery.MDNS
	srv  *http.Server
	reg  *prometheus.Registry
	sub  *docswarm.Subscription
	done chan struct{}
}

func openNode(ctx context.Context, cfg config.Config) (*node, error) {
	n := &node{
		cfg:  cfg,
		log:  cfg.Logger(),
		reg:  prometheus.NewRegistry(),
		done: make(chan struct{}),
	}
	st, err := cfg.OpenStorage()
	if err != nil {
		return nil, err
	}
	n.eng, err = docswarm.Open(ctx, cfg.EngineOptions(st, n.log))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	n.sub = n.eng.Subscribe()
	go n.logEvents()

	n.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.reg.MustRegister(docswarm.Collectors()...)
	n.reg.MustRegister(network.Collectors()...)
	if ps, ok := st.(*logstore.PebbleStorage); ok {
		n.reg.MustRegister(logstore.NewPebbleCollector(ps.DB()))
	}

	tlsConf, err := cfg.TLSConfig()
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	opts := []network.NetOpt{&network.NetWriteTimeoutOpt{Timeout: cfg.Network.WriteTimeout}}
	if tlsConf != nil {
		opts = append(opts, &network.NetTlsConfigOpt{Config: tlsConf})
	}
	n.net = network.NewNet(n.log, n.install, n.destroy, opts...)

	for _, addr := range cfg.ListenAddrs() {
		if err := n.net.Listen(addr); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	for _, addr := range cfg.Network.Connect {
		if err := n.net.Connect(addr); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	if cfg.Network.MDNS {
		if err := n.startDiscovery(ctx); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	if cfg.HTTP.Addr != "" {
		if err := n.serveHTTP(); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	return n, nil
}

// install gives every new connection its own replication stream.
func (n *node) install(name string) (protocol.FeedDrainCloserTraced, error) {
	store := n.eng.Store()
	if store == nil {
		return nil, fmt.Errorf("%s: engine not started", name)
	}
	st, err := store.Replicate(logstore.ReplicateOptions{Name: name})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (n *node) destroy(name string, p protocol.Traced) {
	n.log.Debug("connection gone", "name", name, "trace_id", p.GetTraceId())
}

// startDiscovery advertises the first listener that got a port.
func (n *node) startDiscovery(ctx context.Context) error {
	for _, addr := range n.cfg.ListenAddrs() {
		bound, ok := n.net.ListenAddr(addr)
		if !ok {
			continue
		}
		_, portStr, err := net.SplitHostPort(bound.String())
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		m, err := discovery.Start(ctx, discovery.Options{
			Port:   port,
			Scheme: schemeOf(addr),
			Logger: n.log,
		}, n.net)
		if err != nil {
			return err
		}
		n.mdns = m
		return nil
	}
	return errors.New("mdns needs a listener")
}

func schemeOf(addr string) string {
	if scheme, _, ok := strings.Cut(addr, "://"); ok {
		return scheme
	}
	return "tcp"
}

func (n *node) serveHTTP() error {
	ln, err := net.Listen("tcp", n.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	n.srv = &http.Server{
		Handler:           newAPI(n).router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("http server failed", "err", err)
		}
	}()
	n.log.Info("http api listening", "addr", ln.Addr().String())
	return nil
}

func (n *node) logEvents() {
	defer close(n.done)
	for ev := range n.sub.C {
		switch e := ev.(type) {
		case docswarm.ReadyEvent:
			n.log.Info("ready", "docs", len(n.eng.Docs()))
		case docswarm.DocumentReadyEvent:
			n.log.Info("document ready", "doc", e.DocID, "seq", e.Doc.Seq())
		case docswarm.DocumentUpdatedEvent:
			n.log.Info("document updated", "doc", e.DocID, "seq", e.Doc.Seq())
		case docswarm.PeerJoinedEvent:
			n.log.Info("peer joined", "actor", e.ActorID, "peer", e.Peer.String())
		case docswarm.PeerLeftEvent:
			n.log.Info("peer left", "actor", e.ActorID, "peer", e.Peer.String())
		case docswarm.PeerMessageEvent:
			n.log.Info("message", "actor", e.ActorID, "peer", e.Peer.String(), "payload", string(e.Payload))
		case docswarm.ErrorEvent:
			n.log.Warn("document error", "doc", e.DocID, "actor", e.ActorID, "err", e.Err)
		}
	}
}

func (n *node) Close() error {
	var errs []error
	if n.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, n.srv.Shutdown(ctx))
		cancel()
	}
	if n.mdns != nil {
		errs = append(errs, n.mdns.Close())
	}
	if n.net != nil {
		errs = append(errs, n.net.Close())
	}
	errs = append(errs, n.eng.Close())
	<-n.done
	return errors.Join(errs...)
}
