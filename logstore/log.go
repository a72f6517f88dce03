package logstore

import (
	"context"
	"crypto/ed25519"
	"slices"
	"sync"

	"github.com/drpcorg/docswarm/docswarm_errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Log is an append-only sequence of signed blocks owned by one ed25519 key.
// Only the holder of the secret key appends; everyone else downloads.
type Log struct {
	store  *Store
	pub    ed25519.PublicKey
	secret ed25519.PrivateKey
	dkey   DiscoveryKey
	actor  string
	st     LogStorage
	cache  *lru.Cache[uint64, []byte]

	lock       sync.Mutex
	have       map[uint64]struct{}
	contiguous uint64
	known      uint64
	waiters    map[uint64][]chan struct{}
	peers      map[*Peer]struct{}
	closed     bool
	done       chan struct{}
}

func newLog(store *Store, pub ed25519.PublicKey, secret ed25519.PrivateKey, st LogStorage, cacheSize int) (*Log, error) {
	cache, err := lru.New[uint64, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	l := &Log{
		store:   store,
		pub:     pub,
		secret:  secret,
		dkey:    DiscoveryKeyOf(pub),
		actor:   KeyString(pub),
		st:      st,
		cache:   cache,
		have:    make(map[uint64]struct{}),
		waiters: make(map[uint64][]chan struct{}),
		peers:   make(map[*Peer]struct{}),
		done:    make(chan struct{}),
	}
	indices, err := st.Indices()
	if err != nil {
		return nil, err
	}
	for _, i := range indices {
		l.markLocked(i)
	}
	return l, nil
}

func (l *Log) Key() ed25519.PublicKey {
	return l.pub
}

// ActorID is the hex public key.
func (l *Log) ActorID() string {
	return l.actor
}

func (l *Log) DiscoveryKey() DiscoveryKey {
	return l.dkey
}

func (l *Log) Writable() bool {
	return l.secret != nil
}

// Length is the number of blocks known to exist, locally or at some peer.
func (l *Log) Length() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.known
}

// Downloaded is the length of the local gap-free prefix.
func (l *Log) Downloaded() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.contiguous
}

func (l *Log) Has(index uint64) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.have[index]
	return ok
}

func (l *Log) Peers() []*Peer {
	l.lock.Lock()
	peers := make([]*Peer, 0, len(l.peers))
	for p := range l.peers {
		peers = append(peers, p)
	}
	l.lock.Unlock()
	slices.SortFunc(peers, func(a, b *Peer) int {
		if a.ID < b.ID {
			return -1
		} else if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return peers
}

// markLocked records a block as present and wakes its waiters.
func (l *Log) markLocked(index uint64) {
	l.have[index] = struct{}{}
	for {
		if _, ok := l.have[l.contiguous]; !ok {
			break
		}
		l.contiguous++
	}
	if index+1 > l.known {
		l.known = index + 1
	}
	for _, ch := range l.waiters[index] {
		close(ch)
	}
	delete(l.waiters, index)
}

// Append signs and stores blocks at the end of the log, all or nothing,
// and returns the resulting length.
func (l *Log) Append(blocks ...[]byte) (uint64, error) {
	if !l.Writable() {
		return 0, docswarm_errors.ErrNotWritable
	}
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return 0, docswarm_errors.ErrClosed
	}
	start := l.contiguous
	stored := make([]Block, len(blocks))
	for i, data := range blocks {
		index := start + uint64(i)
		stored[i] = Block{Index: index, Sig: signBlock(l.secret, index, data), Data: data}
	}
	if err := l.st.Put(stored...); err != nil {
		l.lock.Unlock()
		return 0, err
	}
	for _, b := range stored {
		l.markLocked(b.Index)
		l.cache.Add(b.Index, b.Data)
	}
	length := l.contiguous
	l.lock.Unlock()

	BlocksTotal.WithLabelValues("appended").Add(float64(len(blocks)))
	l.store.broadcastHave(l, length)
	return length, nil
}

// Get returns block index, waiting until it is downloaded, ctx is done or
// the log is closed.
func (l *Log) Get(ctx context.Context, index uint64) ([]byte, error) {
	for {
		l.lock.Lock()
		if l.closed {
			l.lock.Unlock()
			return nil, docswarm_errors.ErrClosed
		}
		if _, ok := l.have[index]; ok {
			l.lock.Unlock()
			return l.read(index)
		}
		ch := make(chan struct{})
		l.waiters[index] = append(l.waiters[index], ch)
		l.lock.Unlock()

		select {
		case <-ch:
		case <-l.done:
			return nil, docswarm_errors.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Log) read(index uint64) ([]byte, error) {
	if data, ok := l.cache.Get(index); ok {
		return data, nil
	}
	b, err := l.st.Get(index)
	if err != nil {
		return nil, err
	}
	l.cache.Add(index, b.Data)
	return b.Data, nil
}

func (l *Log) readSigned(index uint64) (Block, bool) {
	if !l.Has(index) {
		return Block{}, false
	}
	b, err := l.st.Get(index)
	if err != nil {
		return Block{}, false
	}
	return b, true
}

// putDownloaded verifies and stores a block received from a peer. It
// reports whether the block was new.
func (l *Log) putDownloaded(index uint64, sig, data []byte) (bool, error) {
	if !verifyBlock(l.pub, index, data, sig) {
		return false, docswarm_errors.ErrBadSignature
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return false, docswarm_errors.ErrClosed
	}
	if _, ok := l.have[index]; ok {
		return false, nil
	}
	data = slices.Clone(data)
	if err := l.st.Put(Block{Index: index, Sig: sig, Data: data}); err != nil {
		return false, err
	}
	l.markLocked(index)
	l.cache.Add(index, data)
	return true, nil
}

// updateKnown raises the known length from a peer's announcement.
func (l *Log) updateKnown(length uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if length > l.known {
		l.known = length
	}
}

func (l *Log) addPeer(p *Peer) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, ok := l.peers[p]; ok || l.closed {
		return false
	}
	l.peers[p] = struct{}{}
	return true
}

func (l *Log) removePeer(p *Peer) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, ok := l.peers[p]; !ok {
		return false
	}
	delete(l.peers, p)
	return true
}

func (l *Log) close() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.waiters = nil
	l.lock.Unlock()
	return l.st.Close()
}
