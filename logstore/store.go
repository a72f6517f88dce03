package logstore

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

type Options struct {
	Storage  Storage
	Logger   utils.Logger
	Listener Listener

	// CacheSize is the number of blocks cached per log.
	CacheSize int
	// MaxInflight caps outstanding block requests per replication channel.
	MaxInflight int
	// QueueLimit is the outbound queue size of a stream, in bytes.
	QueueLimit  int
	FeedTimeout time.Duration
	BatchSize   int
}

func (o *Options) SetDefaults() {
	if o.Storage == nil {
		o.Storage = NewMemoryStorage()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Listener == nil {
		o.Listener = NopListener{}
	}
	if o.CacheSize == 0 {
		o.CacheSize = 256
	}
	if o.MaxInflight == 0 {
		o.MaxInflight = 64
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 32 << 20
	}
	if o.FeedTimeout == 0 {
		o.FeedTimeout = 10 * time.Millisecond
	}
	if o.BatchSize == 0 {
		o.BatchSize = 4 << 10
	}
}

// Store holds the logs of one peer: the ones it writes and the ones it
// replicates from others.
type Store struct {
	opts    Options
	log     utils.Logger
	journal *journal
	notify  *notifier

	lock      sync.Mutex // serializes log creation and removal
	journaled map[DiscoveryKey]bool
	logs      *xsync.MapOf[DiscoveryKey, *Log]
	streams   *xsync.MapOf[string, *Stream]

	ready  atomic.Bool
	closed atomic.Bool
}

// Open opens the storage and every log recorded in its journal.
func Open(opts Options) (*Store, error) {
	opts.SetDefaults()
	s := &Store{
		opts:      opts,
		log:       opts.Logger,
		journaled: make(map[DiscoveryKey]bool),
		logs:      xsync.NewMapOf[DiscoveryKey, *Log](),
		streams:   xsync.NewMapOf[string, *Stream](),
	}
	jst, err := opts.Storage.Journal()
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	var entries []journalEntry
	if s.journal, entries, err = openJournal(jst); err != nil {
		return nil, err
	}
	keys, err := replayJournal(entries)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		l, err := s.openLog(key, nil)
		if err != nil {
			s.closeLogs()
			return nil, fmt.Errorf("open log %s: %w", KeyString(key), err)
		}
		s.journaled[l.dkey] = true
		s.logs.Store(l.dkey, l)
		LogsOpen.Inc()
	}
	s.notify = newNotifier()
	s.ready.Store(true)
	s.log.Info("log store opened", "logs", len(keys))
	return s, nil
}

func (s *Store) checkReady() error {
	if s.closed.Load() {
		return docswarm_errors.ErrClosed
	}
	if !s.ready.Load() {
		return docswarm_errors.ErrNotReady
	}
	return nil
}

func (s *Store) openLog(pub ed25519.PublicKey, secret ed25519.PrivateKey) (*Log, error) {
	dk := DiscoveryKeyOf(pub)
	st, err := s.opts.Storage.OpenLog(dk)
	if err != nil {
		return nil, err
	}
	spub, ssecret, err := st.ReadKey()
	switch {
	case errors.Is(err, ErrNoKey):
		err = st.WriteKey(pub, secret)
	case err != nil:
	case !bytes.Equal(spub, pub):
		err = fmt.Errorf("%w: stored key mismatch", docswarm_errors.ErrBadKey)
	case secret == nil:
		secret = ssecret
	case ssecret == nil:
		err = st.WriteKey(pub, secret)
	}
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	l, err := newLog(s, pub, secret, st, s.opts.CacheSize)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return l, nil
}

// CreateLog opens the log of the given key, creating it if needed. A nil
// key makes a fresh keypair and so a writable log. Repeated calls with the
// same key return the same *Log.
func (s *Store) CreateLog(key ed25519.PublicKey) (*Log, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	var secret ed25519.PrivateKey
	if key == nil {
		var err error
		if key, secret, err = GenerateKeyPair(); err != nil {
			return nil, err
		}
	} else if len(key) != ed25519.PublicKeySize {
		return nil, docswarm_errors.ErrBadKey
	}
	dk := DiscoveryKeyOf(key)
	if l, ok := s.logs.Load(dk); ok {
		return l, nil
	}

	s.lock.Lock()
	if l, ok := s.logs.Load(dk); ok {
		s.lock.Unlock()
		return l, nil
	}
	l, err := s.openLog(key, secret)
	if err == nil && !s.journaled[dk] {
		if err = s.journal.append(journalEntry{Type: journalAdd, Key: KeyString(key)}); err != nil {
			_ = l.close()
		} else {
			s.journaled[dk] = true
		}
	}
	if err != nil {
		s.lock.Unlock()
		return nil, err
	}
	s.logs.Store(dk, l)
	s.lock.Unlock()

	LogsOpen.Inc()
	s.log.Debug("log opened", "actor", l.actor, "writable", l.Writable(), "length", l.Length())
	s.notify.push(func() { s.opts.Listener.LogOpened(l) })
	s.streams.Range(func(_ string, st *Stream) bool {
		st.announce(l)
		return true
	})
	return l, nil
}

// RemoveLog closes the log and forgets it. Its blocks stay in storage.
func (s *Store) RemoveLog(key ed25519.PublicKey) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	dk := DiscoveryKeyOf(key)
	s.lock.Lock()
	l, ok := s.logs.LoadAndDelete(dk)
	if !ok {
		s.lock.Unlock()
		return docswarm_errors.ErrActorUnknown
	}
	delete(s.journaled, dk)
	err := s.journal.append(journalEntry{Type: journalRemove, Key: KeyString(key)})
	s.lock.Unlock()

	s.streams.Range(func(_ string, st *Stream) bool {
		st.closeChannel(l)
		return true
	})
	LogsOpen.Dec()
	return errors.Join(err, l.close())
}

// Log returns an open log or ErrActorUnknown.
func (s *Store) Log(key ed25519.PublicKey) (*Log, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	l, ok := s.logs.Load(DiscoveryKeyOf(key))
	if !ok {
		return nil, docswarm_errors.ErrActorUnknown
	}
	return l, nil
}

func (s *Store) LogByDiscoveryKey(dk DiscoveryKey) (*Log, bool) {
	return s.logs.Load(dk)
}

func (s *Store) Logs() []*Log {
	logs := make([]*Log, 0, s.logs.Size())
	s.logs.Range(func(_ DiscoveryKey, l *Log) bool {
		logs = append(logs, l)
		return true
	})
	return logs
}

func (s *Store) Keys() []ed25519.PublicKey {
	logs := s.Logs()
	keys := make([]ed25519.PublicKey, len(logs))
	for i, l := range logs {
		keys[i] = l.pub
	}
	return keys
}

type ReplicateOptions struct {
	// Name is a label for logs, e.g. the remote address.
	Name string
}

// Replicate starts a replication stream. The caller pumps records between
// the stream and a connection, and closes the stream when done.
func (s *Store) Replicate(opts ReplicateOptions) (*Stream, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	st := newStream(s, opts.Name)
	s.streams.Store(st.id, st)
	StreamsOpen.Inc()
	st.start()
	s.log.Debug("replication started", "stream", st.id, "name", opts.Name)
	return st, nil
}

func (s *Store) unregister(st *Stream) {
	if _, ok := s.streams.LoadAndDelete(st.id); ok {
		StreamsOpen.Dec()
	}
}

func (s *Store) broadcastHave(l *Log, length uint64) {
	s.streams.Range(func(_ string, st *Stream) bool {
		st.sendHave(l, length)
		return true
	})
}

func (s *Store) listener() Listener {
	return s.opts.Listener
}

func (s *Store) closeLogs() (err error) {
	s.logs.Range(func(dk DiscoveryKey, l *Log) bool {
		err = errors.Join(err, l.close())
		s.logs.Delete(dk)
		LogsOpen.Dec()
		return true
	})
	return
}

// Close stops all streams and closes logs and storage.
func (s *Store) Close() error {
	if !s.ready.Load() || s.closed.Swap(true) {
		return nil
	}
	s.streams.Range(func(_ string, st *Stream) bool {
		_ = st.Close()
		return true
	})
	s.notify.stop()
	err := s.closeLogs()
	err = errors.Join(err, s.opts.Storage.Close())
	s.log.Info("log store closed")
	return err
}
