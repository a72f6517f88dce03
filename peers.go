package docswarm

import (
	"encoding/json"
	"fmt"

	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/logstore"
)

const (
	// ExtensionName is the one extension channel the engine speaks.
	ExtensionName = "docswarm/v1"
	// FeedsShared announces actor keys the receiver should replicate.
	FeedsShared = "FEEDS_SHARED"
	// MessageType marks application payloads sent with Engine.Message.
	MessageType = "message"
)

type envelope struct {
	Type    string          `json:"type"`
	Keys    []string        `json:"keys,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (eng *Engine) shareLocked(l *logstore.Log, p *logstore.Peer, keys []string) {
	if len(keys) == 0 {
		return
	}
	data, err := json.Marshal(envelope{Type: FeedsShared, Keys: keys})
	if err == nil {
		err = p.Extension(l, ExtensionName, data)
	}
	if err != nil {
		eng.log.Debug("feeds not shared", "actor", l.ActorID(), "peer", p.String(), "err", err)
	}
}

// shareGroupLocked tells a peer of a root actor about the whole group.
func (eng *Engine) shareGroupLocked(l *logstore.Log, p *logstore.Peer, md *Metadata) {
	eng.shareLocked(l, p, eng.index.Group(md.GroupID))
}

// announceLocked tells the peers of every root actor in the group about
// a new member.
func (eng *Engine) announceLocked(actor, group string) {
	for _, member := range eng.index.Group(group) {
		md, ok := eng.index.Meta(member)
		if member == actor || !ok || !md.IsRoot(member) {
			continue
		}
		key, err := logstore.ParseKey(member)
		if err != nil {
			continue
		}
		l, err := eng.store.Log(key)
		if err != nil {
			continue
		}
		for _, p := range l.Peers() {
			eng.shareLocked(l, p, []string{actor})
		}
	}
}

// listener adapts store events to the engine.
type listener struct {
	eng *Engine
}

func (li listener) locked(fn func(eng *Engine)) {
	eng := li.eng
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if eng.closed || !eng.started {
		return
	}
	fn(eng)
}

func (li listener) LogOpened(l *logstore.Log) {
	li.locked(func(eng *Engine) {
		eng.loadMetaLocked(l)
	})
}

func (li listener) BlockDownloaded(l *logstore.Log, index uint64) {
	li.locked(func(eng *Engine) {
		actor := l.ActorID()
		md, ok := eng.index.Meta(actor)
		if !ok || index == 0 {
			return
		}
		if eng.actors[actor] == ActorDepsResolved {
			eng.actors[actor] = ActorDepsResolving
		}
		eng.requestLocked(md.DocID, actor, index+1, l)
	})
}

func (li listener) PeerAdded(l *logstore.Log, p *logstore.Peer) {
	li.locked(func(eng *Engine) {
		actor := l.ActorID()
		eng.log.Debug("peer joined", "actor", actor, "peer", p.String())
		eng.emitLocked(PeerJoinedEvent{ActorID: actor, Peer: p})
		if md, ok := eng.index.Meta(actor); ok && md.IsRoot(actor) {
			eng.shareGroupLocked(l, p, md)
		}
	})
}

func (li listener) PeerRemoved(l *logstore.Log, p *logstore.Peer) {
	li.locked(func(eng *Engine) {
		eng.log.Debug("peer left", "actor", l.ActorID(), "peer", p.String())
		eng.emitLocked(PeerLeftEvent{ActorID: l.ActorID(), Peer: p})
	})
}

func (li listener) ExtensionMessage(l *logstore.Log, p *logstore.Peer, name string, payload []byte) {
	li.locked(func(eng *Engine) {
		actor := l.ActorID()
		if name != ExtensionName {
			eng.failLocked("", actor, fmt.Errorf("%w: %q from %s", docswarm_errors.ErrUnexpectedExtension, name, p))
			return
		}
		var msg envelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			eng.failLocked("", actor, fmt.Errorf("%w: undecodable message from %s: %w", docswarm_errors.ErrUnexpectedExtension, p, err))
			return
		}
		if msg.Type != FeedsShared {
			eng.emitLocked(PeerMessageEvent{ActorID: actor, Peer: p, Type: msg.Type, Payload: msg.Payload})
			return
		}
		for _, hex := range msg.Keys {
			key, err := logstore.ParseKey(hex)
			if err == nil {
				_, err = eng.store.CreateLog(key)
			}
			if err != nil {
				eng.failLocked("", actor, fmt.Errorf("shared feed: %w", err))
			}
		}
	})
}

func (li listener) ProtocolError(l *logstore.Log, p *logstore.Peer, err error) {
	li.locked(func(eng *Engine) {
		eng.failLocked("", l.ActorID(), fmt.Errorf("peer %s: %w", p, err))
	})
}
