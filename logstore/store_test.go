package logstore

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/protocol"
	"github.com/drpcorg/docswarm/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lock       sync.Mutex
	opened     []string
	downloaded map[string][]uint64
	peers      map[string]int
	extensions []string
	errors     []error
}

func newRecorder() *recorder {
	return &recorder{downloaded: map[string][]uint64{}, peers: map[string]int{}}
}

func (r *recorder) LogOpened(l *Log) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.opened = append(r.opened, l.ActorID())
}

func (r *recorder) BlockDownloaded(l *Log, index uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.downloaded[l.ActorID()] = append(r.downloaded[l.ActorID()], index)
}

func (r *recorder) PeerAdded(l *Log, p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.peers[l.ActorID()]++
}

func (r *recorder) PeerRemoved(l *Log, p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.peers[l.ActorID()]--
}

func (r *recorder) ExtensionMessage(l *Log, p *Peer, name string, payload []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.extensions = append(r.extensions, name+":"+string(payload))
}

func (r *recorder) ProtocolError(l *Log, p *Peer, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) peerCount(actor string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.peers[actor]
}

func openTestStore(t *testing.T, st Storage, l Listener) *Store {
	s, err := Open(Options{
		Storage:  st,
		Logger:   utils.NewDefaultLogger(slog.LevelError),
		Listener: l,
	})
	require.NoError(t, err)
	return s
}

// connect pumps records between two stores in both directions.
func connect(t *testing.T, a, b *Store) func() {
	sa, err := a.Replicate(ReplicateOptions{Name: "b"})
	require.NoError(t, err)
	sb, err := b.Replicate(ReplicateOptions{Name: "a"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = protocol.PumpCtx(ctx, sa, sb)
	}()
	go func() {
		defer wg.Done()
		_ = protocol.PumpCtx(ctx, sb, sa)
	}()
	return func() {
		cancel()
		_ = sa.Close()
		_ = sb.Close()
		wg.Wait()
	}
}

func TestStore_CreateLogIdempotent(t *testing.T) {
	s := openTestStore(t, nil, nil)
	defer s.Close()

	l, err := s.CreateLog(nil)
	require.NoError(t, err)
	assert.True(t, l.Writable())
	assert.Equal(t, uint64(0), l.Length())

	again, err := s.CreateLog(l.Key())
	assert.NoError(t, err)
	assert.Same(t, l, again)
	assert.True(t, again.Writable())

	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	ro, err := s.CreateLog(pub)
	require.NoError(t, err)
	assert.False(t, ro.Writable())
	_, err = ro.Append([]byte("x"))
	assert.ErrorIs(t, err, docswarm_errors.ErrNotWritable)

	assert.Len(t, s.Logs(), 2)
	found, ok := s.LogByDiscoveryKey(DiscoveryKeyOf(pub))
	assert.True(t, ok)
	assert.Same(t, ro, found)

	_, err = s.CreateLog(ed25519.PublicKey{1, 2, 3})
	assert.ErrorIs(t, err, docswarm_errors.ErrBadKey)
}

func TestStore_AppendGet(t *testing.T) {
	s := openTestStore(t, nil, nil)
	defer s.Close()
	l, err := s.CreateLog(nil)
	require.NoError(t, err)

	n, err := l.Append([]byte("meta"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	n, err = l.Append([]byte("one"), []byte("two"))
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, uint64(3), l.Length())
	assert.Equal(t, uint64(3), l.Downloaded())
	assert.True(t, l.Has(2))

	data, err := l.Get(context.Background(), 2)
	assert.NoError(t, err)
	assert.Equal(t, "two", string(data))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Get(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := l.Get(context.Background(), 7)
		done <- err
	}()
	require.NoError(t, s.RemoveLog(l.Key()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, docswarm_errors.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Get did not return on close")
	}
}

func TestStore_Preconditions(t *testing.T) {
	var zero Store
	_, err := zero.CreateLog(nil)
	assert.ErrorIs(t, err, docswarm_errors.ErrNotReady)
	_, err = zero.Replicate(ReplicateOptions{})
	assert.ErrorIs(t, err, docswarm_errors.ErrNotReady)
	assert.NoError(t, zero.Close())

	s := openTestStore(t, nil, nil)
	require.NoError(t, s.Close())
	_, err = s.CreateLog(nil)
	assert.ErrorIs(t, err, docswarm_errors.ErrClosed)
	_, err = s.Log(make([]byte, 32))
	assert.ErrorIs(t, err, docswarm_errors.ErrClosed)
}

func TestStore_JournalReopen(t *testing.T) {
	for _, tc := range storageCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			st := tc.open(t, dir)
			rec := newRecorder()
			s := openTestStore(t, st, rec)
			own, err := s.CreateLog(nil)
			require.NoError(t, err)
			_, err = own.Append([]byte("meta"), []byte("change"))
			require.NoError(t, err)
			pub, _, _ := GenerateKeyPair()
			_, err = s.CreateLog(pub)
			require.NoError(t, err)
			gone, err := s.CreateLog(nil)
			require.NoError(t, err)
			require.NoError(t, s.RemoveLog(gone.Key()))
			assert.Eventually(t, func() bool {
				rec.lock.Lock()
				defer rec.lock.Unlock()
				return len(rec.opened) == 3
			}, time.Second, 5*time.Millisecond)
			require.NoError(t, s.Close())

			if tc.name != "memory" {
				st = tc.open(t, dir)
			}
			s = openTestStore(t, st, nil)
			defer s.Close()
			assert.Len(t, s.Keys(), 2)
			l, err := s.Log(own.Key())
			require.NoError(t, err)
			assert.True(t, l.Writable())
			assert.Equal(t, uint64(2), l.Length())
			data, err := l.Get(context.Background(), 1)
			assert.NoError(t, err)
			assert.Equal(t, "change", string(data))
			_, err = s.Log(gone.Key())
			assert.ErrorIs(t, err, docswarm_errors.ErrActorUnknown)
		})
	}
}

func TestStream_Replicates(t *testing.T) {
	recA, recB := newRecorder(), newRecorder()
	a := openTestStore(t, nil, recA)
	defer a.Close()
	b := openTestStore(t, nil, recB)
	defer b.Close()

	la, err := a.CreateLog(nil)
	require.NoError(t, err)
	_, err = la.Append([]byte("meta"), []byte("c1"))
	require.NoError(t, err)

	lb, err := b.CreateLog(la.Key())
	require.NoError(t, err)
	assert.False(t, lb.Writable())

	disconnect := connect(t, a, b)
	defer disconnect()

	data, err := getWithin(lb, 1)
	assert.NoError(t, err)
	assert.Equal(t, "c1", string(data))
	assert.Eventually(t, func() bool {
		return recA.peerCount(la.ActorID()) == 1 && recB.peerCount(la.ActorID()) == 1
	}, time.Second, 5*time.Millisecond)

	// live: appends after the channel opened propagate too
	_, err = la.Append([]byte("c2"))
	require.NoError(t, err)
	data, err = getWithin(lb, 2)
	assert.NoError(t, err)
	assert.Equal(t, "c2", string(data))
	assert.Equal(t, uint64(3), lb.Downloaded())
	assert.Eventually(t, func() bool {
		recB.lock.Lock()
		defer recB.lock.Unlock()
		return len(recB.downloaded[la.ActorID()]) == 3
	}, time.Second, 5*time.Millisecond)

	// extension messages ride the same channel
	peers := lb.Peers()
	require.Len(t, peers, 1)
	require.NoError(t, peers[0].Extension(lb, "docswarm/v1", []byte(`{"type":"ping"}`)))
	assert.Eventually(t, func() bool {
		recA.lock.Lock()
		defer recA.lock.Unlock()
		return len(recA.extensions) == 1 && recA.extensions[0] == `docswarm/v1:{"type":"ping"}`
	}, time.Second, 5*time.Millisecond)

	// a log created later on the other side opens its channel then
	lc, err := a.CreateLog(nil)
	require.NoError(t, err)
	_, err = lc.Append([]byte("late"))
	require.NoError(t, err)
	lc2, err := b.CreateLog(lc.Key())
	require.NoError(t, err)
	data, err = getWithin(lc2, 0)
	assert.NoError(t, err)
	assert.Equal(t, "late", string(data))

	disconnect()
	assert.Eventually(t, func() bool {
		return recB.peerCount(la.ActorID()) == 0
	}, time.Second, 5*time.Millisecond)
}

func getWithin(l *Log, index uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.Get(ctx, index)
}

func TestStream_RejectsBadSignature(t *testing.T) {
	rec := newRecorder()
	s := openTestStore(t, nil, rec)
	defer s.Close()
	pub, secret, err := GenerateKeyPair()
	require.NoError(t, err)
	l, err := s.CreateLog(pub)
	require.NoError(t, err)

	st, err := s.Replicate(ReplicateOptions{Name: "evil"})
	require.NoError(t, err)
	defer st.Close()
	dk := l.DiscoveryKey()
	good := signBlock(secret, 0, []byte("meta"))
	bad := signBlock(secret, 0, []byte("other"))
	err = st.Drain(context.Background(), protocol.Records{
		protocol.Record('Y', []byte("remote")),
		protocol.Record('F', dk[:]),
		protocol.Record('D', dk[:], be64(0), bad, []byte("meta")),
	})
	assert.NoError(t, err)
	assert.False(t, l.Has(0))
	assert.Eventually(t, func() bool {
		rec.lock.Lock()
		defer rec.lock.Unlock()
		return len(rec.errors) == 1
	}, time.Second, 5*time.Millisecond)
	rec.lock.Lock()
	assert.ErrorIs(t, rec.errors[0], docswarm_errors.ErrBadSignature)
	rec.lock.Unlock()

	err = st.Drain(context.Background(), protocol.Records{
		protocol.Record('D', dk[:], be64(0), good, []byte("meta")),
	})
	assert.NoError(t, err)
	assert.True(t, l.Has(0))

	// framing errors end the stream
	err = st.Drain(context.Background(), protocol.Records{protocol.Record('H', []byte{1, 2})})
	assert.ErrorIs(t, err, protocol.ErrBadRecord)
}

func TestStream_Handshake(t *testing.T) {
	rec := newRecorder()
	s := openTestStore(t, nil, rec)
	defer s.Close()
	l, err := s.CreateLog(nil)
	require.NoError(t, err)
	dk := l.DiscoveryKey()

	st, err := s.Replicate(ReplicateOptions{})
	require.NoError(t, err)
	err = st.Drain(context.Background(), protocol.Records{protocol.Record('F', dk[:])})
	assert.ErrorIs(t, err, docswarm_errors.ErrBadHandshake)
	require.NoError(t, st.Close())

	// closed mid-handshake: nothing gets processed
	st, err = s.Replicate(ReplicateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.Close())
	err = st.Drain(context.Background(), protocol.Records{
		protocol.Record('Y', []byte("remote")),
		protocol.Record('F', dk[:]),
	})
	assert.ErrorIs(t, err, docswarm_errors.ErrClosed)
	assert.Empty(t, l.Peers())
	_, err = st.Feed(context.Background())
	assert.Error(t, err)
	assert.NoError(t, st.Close())
}
