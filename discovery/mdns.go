// Package discovery finds replication peers on the local network with
// mDNS/DNS-SD and dials them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/drpcorg/docswarm/network"
	"github.com/drpcorg/docswarm/utils"
	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_docswarm._tcp"
	DefaultDomain  = "local."
)

// Dialer is the part of network.Net discovery needs.
type Dialer interface {
	ConnectPool(name string, addrs []string) error
}

type Options struct {
	// Instance names this process on the network; unique per process.
	Instance string
	Service  string
	Domain   string
	// Port and Scheme describe the replication listener being advertised.
	Port   int
	Scheme string
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Instance == "" {
		host, _ := os.Hostname()
		o.Instance = fmt.Sprintf("docswarm-%s-%s", host, uuid.Must(uuid.NewV7()).String()[:8])
	}
	if o.Service == "" {
		o.Service = DefaultService
	}
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.Scheme == "" {
		o.Scheme = "tcp"
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// MDNS advertises the local listener and connects to every other instance
// it sees. Of two instances that see each other only the one with the
// smaller name dials, so a pair ends up with one connection.
type MDNS struct {
	opts   Options
	log    utils.Logger
	dialer Dialer
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock sync.Mutex
	seen map[string]bool
}

func Start(ctx context.Context, opts Options, dialer Dialer) (*MDNS, error) {
	opts.SetDefaults()
	if opts.Port <= 0 {
		return nil, fmt.Errorf("discovery: nothing to advertise, port %d", opts.Port)
	}
	server, err := zeroconf.Register(opts.Instance, opts.Service, opts.Domain, opts.Port,
		[]string{"scheme=" + opts.Scheme}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &MDNS{
		opts:   opts,
		log:    opts.Logger,
		dialer: dialer,
		server: server,
		cancel: cancel,
		seen:   make(map[string]bool),
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, opts.Service, opts.Domain, entries); err != nil {
		cancel()
		server.Shutdown()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				m.found(entry)
			case <-ctx.Done():
				return
			}
		}
	}()
	m.log.Info("mdns: advertising", "instance", opts.Instance, "service", opts.Service, "port", opts.Port)
	return m, nil
}

func (m *MDNS) found(entry *zeroconf.ServiceEntry) {
	if entry == nil || !shouldDial(m.opts.Instance, entry.Instance) {
		return
	}
	m.lock.Lock()
	if m.seen[entry.Instance] {
		m.lock.Unlock()
		return
	}
	m.seen[entry.Instance] = true
	m.lock.Unlock()

	addrs := entryAddrs(entry, m.opts.Scheme)
	if len(addrs) == 0 {
		m.log.Debug("mdns: peer without addresses", "instance", entry.Instance)
		return
	}
	err := m.dialer.ConnectPool("mdns:"+entry.Instance, addrs)
	if err != nil && !errors.Is(err, network.ErrAddressDuplicated) {
		m.log.Warn("mdns: couldn't connect", "instance", entry.Instance, "err", err)
		return
	}
	m.log.Info("mdns: peer found", "instance", entry.Instance, "addrs", addrs)
}

// shouldDial breaks the symmetry between two instances that see each other.
func shouldDial(self, other string) bool {
	return other != "" && self < other
}

// entryAddrs turns a service entry into dialable addresses, IPv4 first.
// A scheme in the entry's TXT record wins over the local one.
func entryAddrs(entry *zeroconf.ServiceEntry, scheme string) []string {
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "scheme="); ok && v != "" {
			scheme = v
		}
	}
	port := strconv.Itoa(entry.Port)
	var addrs []string
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip.IsLinkLocalUnicast() && ip.To4() == nil {
			// needs a zone we don't have
			continue
		}
		addrs = append(addrs, scheme+"://"+net.JoinHostPort(ip.String(), port))
	}
	return addrs
}

func (m *MDNS) Close() error {
	m.cancel()
	m.server.Shutdown()
	m.wg.Wait()
	return nil
}
