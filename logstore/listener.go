package logstore

import "sync"

// Listener receives store events. Calls are made one at a time, in the
// order the events happened, from a goroutine owned by the store; a
// listener may call back into the store.
type Listener interface {
	LogOpened(l *Log)
	BlockDownloaded(l *Log, index uint64)
	PeerAdded(l *Log, p *Peer)
	PeerRemoved(l *Log, p *Peer)
	ExtensionMessage(l *Log, p *Peer, name string, payload []byte)
	ProtocolError(l *Log, p *Peer, err error)
}

// NopListener ignores everything. Embed it to implement part of Listener.
type NopListener struct{}

func (NopListener) LogOpened(*Log) {}
func (NopListener) BlockDownloaded(*Log, uint64) {}
func (NopListener) PeerAdded(*Log, *Peer) {}
func (NopListener) PeerRemoved(*Log, *Peer) {}
func (NopListener) ExtensionMessage(*Log, *Peer, string, []byte) {}
func (NopListener) ProtocolError(*Log, *Peer, error) {}

type notifier struct {
	lock    sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(fn func()) {
	n.lock.Lock()
	n.queue = append(n.queue, fn)
	n.lock.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.stopped)
	for {
		n.lock.Lock()
		batch := n.queue
		n.queue = nil
		n.lock.Unlock()
		for _, fn := range batch {
			select {
			case <-n.done:
				return
			default:
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-n.wake:
		case <-n.done:
			return
		}
	}
}

// stop discards pending events. Must not be called from a listener.
func (n *notifier) stop() {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	<-n.stopped
}
