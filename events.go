package docswarm

import (
	"encoding/json"
	"sync"

	"github.com/drpcorg/docswarm/crdt"
	"github.com/drpcorg/docswarm/logstore"
)

type Event interface {
	eventName() string
}

// ReadyEvent: startup indexing is done.
type ReadyEvent struct{}

// DocumentReadyEvent fires once per document, when its own blocks and all
// their dependencies are applied.
type DocumentReadyEvent struct {
	DocID string
	Doc   *crdt.Doc
}

// DocumentUpdatedEvent reports remote changes only.
type DocumentUpdatedEvent struct {
	DocID string
	Doc   *crdt.Doc
	Prev  *crdt.Doc
}

type PeerJoinedEvent struct {
	ActorID string
	Peer    *logstore.Peer
}

type PeerLeftEvent struct {
	ActorID string
	Peer    *logstore.Peer
}

type PeerMessageEvent struct {
	ActorID string
	Peer    *logstore.Peer
	Type    string
	Payload json.RawMessage
}

type ErrorEvent struct {
	DocID   string
	ActorID string
	Err     error
}

func (ReadyEvent) eventName() string           { return "ready" }
func (DocumentReadyEvent) eventName() string   { return "document_ready" }
func (DocumentUpdatedEvent) eventName() string { return "document_updated" }
func (PeerJoinedEvent) eventName() string      { return "peer_joined" }
func (PeerLeftEvent) eventName() string        { return "peer_left" }
func (PeerMessageEvent) eventName() string     { return "peer_message" }
func (ErrorEvent) eventName() string           { return "error" }

// Subscription delivers engine events in order. The backlog is unbounded,
// so a slow reader never stalls the engine. C is closed by Close or when
// the engine closes.
type Subscription struct {
	C <-chan Event

	c       chan Event
	lock    sync.Mutex
	backlog []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	engine  *Engine
}

func newSubscription(eng *Engine, buffer int) *Subscription {
	c := make(chan Event, buffer)
	sub := &Subscription{
		C:      c,
		c:      c,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		engine: eng,
	}
	go sub.run()
	return sub
}

func (sub *Subscription) push(ev Event) {
	sub.lock.Lock()
	sub.backlog = append(sub.backlog, ev)
	sub.lock.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) run() {
	defer close(sub.c)
	for {
		sub.lock.Lock()
		batch := sub.backlog
		sub.backlog = nil
		sub.lock.Unlock()
		for _, ev := range batch {
			select {
			case sub.c <- ev:
			case <-sub.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
	}
}

func (sub *Subscription) Close() {
	sub.once.Do(func() {
		close(sub.done)
		if sub.engine != nil {
			sub.engine.unsubscribe(sub)
		}
	})
}
