package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/protocol"
	"github.com/drpcorg/docswarm/utils"
	"github.com/google/uuid"
)

// Peer is the remote end of a stream, as seen by the logs it shares.
type Peer struct {
	ID   string
	Name string

	stream *Stream
}

// Extension sends an application message on the log's channel.
func (p *Peer) Extension(l *Log, name string, payload []byte) error {
	return p.stream.sendExtension(l, name, payload)
}

func (p *Peer) String() string {
	if p.Name != "" {
		return p.Name + "/" + p.ID
	}
	return p.ID
}

type channel struct {
	log          *Log
	sent         bool
	received     bool
	open         bool
	remoteLength uint64
	inflight     map[uint64]struct{}
}

// Stream replicates every log both ends hold, multiplexed over one
// connection. It implements protocol.FeedDrainCloserTraced.
type Stream struct {
	store *Store
	id    string
	name  string
	log   utils.Logger
	outq  *utils.FDQueue[protocol.Records]
	ctx   context.Context
	stop  context.CancelFunc

	lock     sync.Mutex
	peer     *Peer
	channels map[DiscoveryKey]*channel
	closed   bool
}

func newStream(store *Store, name string) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	o := store.opts
	return &Stream{
		store:    store,
		id:       uuid.Must(uuid.NewV7()).String(),
		name:     name,
		log:      store.log,
		outq:     utils.NewFDQueue[protocol.Records](o.QueueLimit, o.FeedTimeout, o.BatchSize),
		ctx:      ctx,
		stop:     cancel,
		channels: make(map[DiscoveryKey]*channel),
	}
}

func (s *Stream) GetTraceId() string {
	return s.id
}

func be64(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func (s *Stream) send(recs ...[]byte) {
	if err := s.outq.Drain(s.ctx, recs); err != nil {
		s.log.Debug("replication: send failed", "stream", s.id, "err", err)
	}
}

func (s *Stream) start() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.send(protocol.Record('Y', []byte(s.id)))
	for _, l := range s.store.Logs() {
		s.announceLocked(l)
	}
}

func (s *Stream) channelLocked(dk DiscoveryKey) *channel {
	ch, ok := s.channels[dk]
	if !ok {
		ch = &channel{inflight: make(map[uint64]struct{})}
		s.channels[dk] = ch
	}
	return ch
}

func (s *Stream) announce(l *Log) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.announceLocked(l)
}

func (s *Stream) announceLocked(l *Log) {
	if s.closed {
		return
	}
	ch := s.channelLocked(l.dkey)
	ch.log = l
	if !ch.sent {
		ch.sent = true
		s.send(protocol.Record('F', l.dkey[:]))
	}
	if ch.received {
		s.openLocked(ch)
	}
}

func (s *Stream) openLocked(ch *channel) {
	if ch.open {
		return
	}
	ch.open = true
	l, p := ch.log, s.peer
	if l.addPeer(p) {
		s.store.notify.push(func() { s.store.listener().PeerAdded(l, p) })
	}
	s.send(protocol.Record('H', l.dkey[:], be64(l.Downloaded())))
}

func (s *Stream) sendHave(l *Log, length uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ch := s.channels[l.dkey]; !s.closed && ch != nil && ch.open && ch.log == l {
		s.send(protocol.Record('H', l.dkey[:], be64(length)))
	}
}

func (s *Stream) sendExtension(l *Log, name string, payload []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return docswarm_errors.ErrClosed
	}
	ch := s.channels[l.dkey]
	if ch == nil || !ch.open {
		return fmt.Errorf("%w: no channel for %s", docswarm_errors.ErrActorUnknown, l.actor)
	}
	return s.outq.Drain(s.ctx, protocol.Records{
		protocol.Record('X', l.dkey[:], protocol.Record('N', []byte(name)), payload),
	})
}

// closeChannel is called when the local side drops the log.
func (s *Stream) closeChannel(l *Log) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ch := s.channels[l.dkey]
	if s.closed || ch == nil || ch.log != l {
		return
	}
	delete(s.channels, l.dkey)
	s.send(protocol.Record('C', l.dkey[:]))
	s.dropLocked(ch)
}

func (s *Stream) dropLocked(ch *channel) {
	if !ch.open {
		return
	}
	ch.open = false
	l, p := ch.log, s.peer
	if l.removePeer(p) {
		s.store.notify.push(func() { s.store.listener().PeerRemoved(l, p) })
	}
}

// requestMore asks for missing blocks the remote has, up to MaxInflight.
func (s *Stream) requestMoreLocked(ch *channel) {
	l := ch.log
	var recs protocol.Records
	for i := l.Downloaded(); i < ch.remoteLength && len(ch.inflight) < s.store.opts.MaxInflight; i++ {
		if _, ok := ch.inflight[i]; ok || l.Has(i) {
			continue
		}
		ch.inflight[i] = struct{}{}
		recs = append(recs, protocol.Record('Q', l.dkey[:], be64(i)))
	}
	if len(recs) > 0 {
		s.send(recs...)
	}
}

func (s *Stream) protocolError(l *Log, kind string, err error) {
	ProtocolErrors.WithLabelValues(kind).Inc()
	s.log.Warn("replication: protocol error", "stream", s.id, "actor", l.actor, "err", err)
	p := s.peer
	s.store.notify.push(func() { s.store.listener().ProtocolError(l, p, err) })
}

func takeDiscoveryKey(body []byte) (dk DiscoveryKey, rest []byte, err error) {
	if len(body) < len(dk) {
		return dk, nil, protocol.ErrBadRecord
	}
	copy(dk[:], body)
	return dk, body[len(dk):], nil
}

func takeIndex(body []byte) (uint64, []byte, error) {
	if len(body) < 8 {
		return 0, nil, protocol.ErrBadRecord
	}
	return binary.BigEndian.Uint64(body), body[8:], nil
}

// Drain processes records from the remote. Malformed records end the
// stream; problems confined to one log are reported to the listener.
func (s *Stream) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		lit, body, _, err := protocol.TakeAnyWary(rec)
		if err != nil {
			return err
		}
		var after func()
		s.lock.Lock()
		if s.closed {
			err = docswarm_errors.ErrClosed
		} else {
			after, err = s.handleLocked(lit, body)
		}
		s.lock.Unlock()
		if err != nil {
			return err
		}
		if after != nil {
			after()
		}
	}
	return nil
}

func (s *Stream) handleLocked(lit byte, body []byte) (func(), error) {
	if lit == 'Y' {
		if s.peer != nil {
			return nil, fmt.Errorf("%w: repeated handshake", docswarm_errors.ErrBadHandshake)
		}
		s.peer = &Peer{ID: string(body), Name: s.name, stream: s}
		s.log.Debug("replication: handshake", "stream", s.id, "peer", s.peer.ID)
		return nil, nil
	}
	if s.peer == nil {
		return nil, fmt.Errorf("%w: got %c before handshake", docswarm_errors.ErrBadHandshake, lit)
	}
	dk, rest, err := takeDiscoveryKey(body)
	if err != nil {
		return nil, err
	}

	if lit == 'F' {
		ch := s.channelLocked(dk)
		ch.received = true
		if ch.log == nil {
			if l, ok := s.store.LogByDiscoveryKey(dk); ok {
				s.announceLocked(l)
			} else {
				s.log.Debug("replication: unknown log", "stream", s.id, "dk", dk.String())
			}
			return nil, nil
		}
		s.openLocked(ch)
		return nil, nil
	}

	ch := s.channels[dk]
	if ch == nil || !ch.open {
		s.log.Debug("replication: no channel", "stream", s.id, "lit", string(lit), "dk", dk.String())
		return nil, nil
	}
	l := ch.log

	switch lit {
	case 'H':
		length, _, err := takeIndex(rest)
		if err != nil {
			return nil, err
		}
		if length > ch.remoteLength {
			ch.remoteLength = length
		}
		l.updateKnown(length)
		s.requestMoreLocked(ch)
	case 'Q':
		index, _, err := takeIndex(rest)
		if err != nil {
			return nil, err
		}
		if b, ok := l.readSigned(index); ok {
			BlocksTotal.WithLabelValues("uploaded").Inc()
			s.send(protocol.Record('D', l.dkey[:], be64(index), b.Sig, b.Data))
		}
	case 'D':
		index, rest, err := takeIndex(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 64 {
			return nil, protocol.ErrBadRecord
		}
		sig, data := rest[:64], rest[64:]
		delete(ch.inflight, index)
		stored, err := l.putDownloaded(index, sig, data)
		if errors.Is(err, docswarm_errors.ErrBadSignature) {
			s.protocolError(l, "signature", fmt.Errorf("block %d: %w", index, err))
			return nil, nil
		} else if err != nil {
			s.protocolError(l, "storage", err)
			return nil, nil
		}
		s.requestMoreLocked(ch)
		if !stored {
			return nil, nil
		}
		BlocksTotal.WithLabelValues("downloaded").Inc()
		s.store.notify.push(func() { s.store.listener().BlockDownloaded(l, index) })
		return func() { s.store.broadcastHave(l, l.Downloaded()) }, nil
	case 'X':
		name, payload, err := protocol.TakeWary('N', rest)
		if err != nil {
			return nil, err
		}
		p, n, payload := s.peer, string(name), slices.Clone(payload)
		s.store.notify.push(func() { s.store.listener().ExtensionMessage(l, p, n, payload) })
	case 'C':
		delete(s.channels, dk)
		s.dropLocked(ch)
	default:
		s.log.Debug("replication: unknown record", "stream", s.id, "lit", string(lit))
	}
	return nil, nil
}

func (s *Stream) Feed(ctx context.Context) (protocol.Records, error) {
	return s.outq.Feed(ctx)
}

// Close detaches the stream from all logs. It is safe at any point,
// including before the handshake completed.
func (s *Stream) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.channels {
		s.dropLocked(ch)
	}
	s.channels = nil
	s.lock.Unlock()

	s.stop()
	s.store.unregister(s)
	s.log.Debug("replication stopped", "stream", s.id, "name", s.name)
	return s.outq.Close()
}
