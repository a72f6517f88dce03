package logstore

import (
	"crypto/ed25519"
	"errors"
	"slices"
	"sync"

	"github.com/drpcorg/docswarm/docswarm_errors"
)

// Block is a log entry as kept at rest.
type Block struct {
	Index uint64
	Sig   []byte
	Data  []byte
}

// Storage is a backend holding any number of logs plus the store journal.
type Storage interface {
	OpenLog(dk DiscoveryKey) (LogStorage, error)
	Journal() (LogStorage, error)
	Close() error
}

// LogStorage keeps the blocks and keys of one log. Blocks may arrive out of
// index order when downloaded from peers.
type LogStorage interface {
	// ReadKey returns ErrNoKey for a log never keyed.
	ReadKey() (ed25519.PublicKey, ed25519.PrivateKey, error)
	WriteKey(pub ed25519.PublicKey, secret ed25519.PrivateKey) error
	// Put stores all blocks or none.
	Put(blocks ...Block) error
	// Get returns ErrBlockNotFound for an absent index.
	Get(index uint64) (Block, error)
	Indices() ([]uint64, error)
	Close() error
}

var ErrNoKey = errors.New("docswarm: log has no key stored")

var ErrBlockNotFound = docswarm_errors.ErrBlockNotFound

func encodeKeys(pub ed25519.PublicKey, secret ed25519.PrivateKey) []byte {
	return append(slices.Clone([]byte(pub)), secret...)
}

func decodeKeys(b []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	switch len(b) {
	case ed25519.PublicKeySize:
		return ed25519.PublicKey(slices.Clone(b)), nil, nil
	case ed25519.PublicKeySize + ed25519.PrivateKeySize:
		b = slices.Clone(b)
		return ed25519.PublicKey(b[:ed25519.PublicKeySize]), ed25519.PrivateKey(b[ed25519.PublicKeySize:]), nil
	default:
		return nil, nil, docswarm_errors.ErrBadKey
	}
}

// MemoryStorage keeps everything in process memory. Logs survive a Store
// reopen on the same MemoryStorage, which is handy in tests.
type MemoryStorage struct {
	lock    sync.Mutex
	logs    map[DiscoveryKey]*memoryLog
	journal *memoryLog
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		logs:    make(map[DiscoveryKey]*memoryLog),
		journal: newMemoryLog(),
	}
}

func (m *MemoryStorage) OpenLog(dk DiscoveryKey) (LogStorage, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	l, ok := m.logs[dk]
	if !ok {
		l = newMemoryLog()
		m.logs[dk] = l
	}
	return l, nil
}

func (m *MemoryStorage) Journal() (LogStorage, error) {
	return m.journal, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

type memoryLog struct {
	lock   sync.Mutex
	keys   []byte
	blocks map[uint64]Block
}

func newMemoryLog() *memoryLog {
	return &memoryLog{blocks: make(map[uint64]Block)}
}

func (l *memoryLog) ReadKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.keys == nil {
		return nil, nil, ErrNoKey
	}
	return decodeKeys(l.keys)
}

func (l *memoryLog) WriteKey(pub ed25519.PublicKey, secret ed25519.PrivateKey) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.keys = encodeKeys(pub, secret)
	return nil
}

func (l *memoryLog) Put(blocks ...Block) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, b := range blocks {
		l.blocks[b.Index] = Block{Index: b.Index, Sig: slices.Clone(b.Sig), Data: slices.Clone(b.Data)}
	}
	return nil
}

func (l *memoryLog) Get(index uint64) (Block, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	b, ok := l.blocks[index]
	if !ok {
		return Block{}, ErrBlockNotFound
	}
	return b, nil
}

func (l *memoryLog) Indices() ([]uint64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	indices := make([]uint64, 0, len(l.blocks))
	for i := range l.blocks {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return indices, nil
}

func (l *memoryLog) Close() error {
	return nil
}
