package docswarm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/drpcorg/docswarm/crdt"
	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/logstore"
	testutils "github.com/drpcorg/docswarm/test_utils"
	"github.com/drpcorg/docswarm/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func newTestEngine(t *testing.T, st logstore.Storage) (*Engine, *Subscription) {
	eng, err := New(Options{
		Storage:         st,
		Logger:          utils.NewDefaultLogger(slog.LevelError),
		DefaultMetadata: map[string]any{"app": "test"},
	})
	require.NoError(t, err)
	sub := eng.Subscribe()
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Close() })
	return eng, sub
}

func connectEngines(t *testing.T, a, b *Engine) func() {
	disconnect, err := testutils.Connect(a.Store(), b.Store())
	require.NoError(t, err)
	t.Cleanup(disconnect)
	return disconnect
}

// waitEvent reads events until one of type E satisfies match.
func waitEvent[E Event](t *testing.T, sub *Subscription, match func(E) bool) E {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "subscription closed")
			if e, ok := ev.(E); ok && (match == nil || match(e)) {
				return e
			}
		case <-timeout:
			var zero E
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func docReady(id string) func(DocumentReadyEvent) bool {
	return func(e DocumentReadyEvent) bool { return e.DocID == id }
}

func value(t *testing.T, d *crdt.Doc, key string) string {
	var s string
	if raw, ok := d.Get(key); ok {
		require.NoError(t, d.Decode(key, &s), string(raw))
	}
	return s
}

func set(kv ...string) func(*crdt.Map) error {
	return func(m *crdt.Map) error {
		for i := 0; i+1 < len(kv); i += 2 {
			if err := m.Set(kv[i], kv[i+1]); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestEngine_Preconditions(t *testing.T) {
	eng, err := New(Options{Logger: utils.NewDefaultLogger(slog.LevelError)})
	require.NoError(t, err)
	_, err = eng.Create(ctx, nil)
	assert.ErrorIs(t, err, docswarm_errors.ErrNotReady)
	assert.ErrorIs(t, eng.OpenDocument(ctx, "ab"), docswarm_errors.ErrNotReady)
	_, err = eng.Find("ab")
	assert.ErrorIs(t, err, docswarm_errors.ErrNotReady)
	assert.ErrorIs(t, eng.Message(ctx, "ab", "hi"), docswarm_errors.ErrNotReady)

	require.NoError(t, eng.Start(ctx))
	select {
	case <-eng.Ready():
	default:
		t.Fatal("not ready after Start")
	}
	_, err = eng.Find("00")
	assert.ErrorIs(t, err, docswarm_errors.ErrDocUnknown)
	assert.ErrorIs(t, eng.OpenDocument(ctx, "zz"), docswarm_errors.ErrBadKey)

	require.NoError(t, eng.Close())
	_, err = eng.Create(ctx, nil)
	assert.ErrorIs(t, err, docswarm_errors.ErrClosed)

	_, err = New(Options{DefaultMetadata: map[string]any{"groupId": 1}})
	assert.ErrorIs(t, err, docswarm_errors.ErrBadMetadata)
}

func TestEngine_CreateChange(t *testing.T) {
	eng, sub := newTestEngine(t, nil)
	waitEvent[ReadyEvent](t, sub, nil)

	doc, err := eng.Create(ctx, map[string]any{"title": "Board"})
	require.NoError(t, err)
	id := doc.Actor()
	waitEvent(t, sub, docReady(id))

	eng.lock.Lock()
	md, ok := eng.index.Meta(id)
	eng.lock.Unlock()
	require.True(t, ok)
	assert.Equal(t, id, md.DocID)
	assert.Equal(t, id, md.GroupID)
	assert.Equal(t, map[string]any{"app": "test", "title": "Board"}, md.Extra)

	next, err := eng.Change(ctx, id, "rename", set("name", "first"))
	require.NoError(t, err)
	assert.Equal(t, "first", value(t, next, "name"))
	assert.Equal(t, "", value(t, doc, "name"))

	found, err := eng.Find(id)
	require.NoError(t, err)
	assert.Equal(t, "first", value(t, found, "name"))
	assert.Equal(t, []string{id}, eng.Docs())

	status, err := eng.Status(id)
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Equal(t, ActorDepsResolved, status.Actors[id].State)
	assert.Equal(t, uint64(2), status.Actors[id].Length)
	assert.Equal(t, uint64(2), status.Actors[id].Requested)
	assert.Equal(t, uint64(2), status.Actors[id].Applied)

	// a failing edit leaves the document alone
	_, err = eng.Change(ctx, id, "", func(m *crdt.Map) error {
		_ = m.Set("name", "lost")
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	found, _ = eng.Find(id)
	assert.Equal(t, "first", value(t, found, "name"))

	// local edits never show up as updates
	select {
	case ev := <-sub.C:
		_, isUpdate := ev.(DocumentUpdatedEvent)
		assert.False(t, isUpdate)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_MetadataBeforeData(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	l, err := eng.Store().CreateLog(nil)
	require.NoError(t, err)

	c := &crdt.Change{Actor: l.ActorID(), Seq: 1, Ops: []crdt.Op{}}
	assert.ErrorIs(t, eng.appendChanges(l, []*crdt.Change{c}), docswarm_errors.ErrMetadataMissing)

	md, err := buildMetadata(l.ActorID(), nil)
	require.NoError(t, err)
	require.NoError(t, eng.appendMetadata(l, md))
	assert.ErrorIs(t, eng.appendMetadata(l, md), docswarm_errors.ErrMetadataExists)
	assert.NoError(t, eng.appendChanges(l, []*crdt.Change{c}))
	assert.Equal(t, uint64(2), l.Length())

	// not ours to write
	pub, _, err := logstore.GenerateKeyPair()
	require.NoError(t, err)
	ro, err := eng.Store().CreateLog(pub)
	require.NoError(t, err)
	_, err = ro.Append([]byte("{}"))
	assert.ErrorIs(t, err, docswarm_errors.ErrNotWritable)
}

func TestEngine_Update(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	doc, err := eng.Create(ctx, nil)
	require.NoError(t, err)
	id := doc.Actor()

	edited, _, err := crdt.Edit(doc.Clone(), "", set("a", "1"))
	require.NoError(t, err)
	edited, _, err = crdt.Edit(edited, "", set("b", "2"))
	require.NoError(t, err)
	next, err := eng.Update(ctx, id, edited)
	require.NoError(t, err)
	assert.Equal(t, "1", value(t, next, "a"))
	assert.Equal(t, "2", value(t, next, "b"))

	l, err := eng.Store().Log(keyOf(t, id))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l.Length())

	// changes by other actors are not ours to append
	other, _, err := crdt.Edit(crdt.New(id+"00"), "", set("c", "3"))
	require.NoError(t, err)
	next, err = eng.Update(ctx, id, other)
	require.NoError(t, err)
	assert.Equal(t, "", value(t, next, "c"))
	assert.Equal(t, uint64(3), l.Length())
}

func keyOf(t *testing.T, id string) []byte {
	key, err := logstore.ParseKey(id)
	require.NoError(t, err)
	return key
}

func TestEngine_Restart(t *testing.T) {
	dir := t.TempDir()
	st, err := logstore.OpenFileStorage(dir)
	require.NoError(t, err)
	eng, _ := newTestEngine(t, st)
	doc, err := eng.Create(ctx, nil)
	require.NoError(t, err)
	id := doc.Actor()
	_, err = eng.Change(ctx, id, "", set("k", "v1"))
	require.NoError(t, err)
	_, err = eng.Change(ctx, id, "", set("k", "v2", "j", "w"))
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	st, err = logstore.OpenFileStorage(dir)
	require.NoError(t, err)
	eng, sub := newTestEngine(t, st)
	ev := waitEvent(t, sub, docReady(id))
	assert.Equal(t, "v2", value(t, ev.Doc, "k"))
	assert.Equal(t, "w", value(t, ev.Doc, "j"))
	assert.Equal(t, 2, ev.Doc.Seq())

	next, err := eng.Change(ctx, id, "", set("k", "v3"))
	require.NoError(t, err)
	assert.Equal(t, "v3", value(t, next, "k"))
}

func TestEngine_ForkFromFreshProcess(t *testing.T) {
	one, _ := newTestEngine(t, nil)
	d, err := one.Create(ctx, nil)
	require.NoError(t, err)
	a := d.Actor()
	_, err = one.Change(ctx, a, "c1", set("title", "hello"))
	require.NoError(t, err)
	e, err := one.Fork(ctx, a)
	require.NoError(t, err)
	b := e.Actor()
	assert.Equal(t, "hello", value(t, e, "title"))
	_, err = one.Change(ctx, b, "c2", set("body", "world"))
	require.NoError(t, err)

	status, err := one.Status(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Actors[a].Applied)
	assert.Equal(t, uint64(2), status.Actors[a].Requested)

	two, sub := newTestEngine(t, nil)
	require.NoError(t, two.OpenDocument(ctx, b))
	_, err = two.Find(b)
	assert.ErrorIs(t, err, docswarm_errors.ErrDocNotLoaded)
	connectEngines(t, one, two)

	ev := waitEvent(t, sub, docReady(b))
	assert.Equal(t, "hello", value(t, ev.Doc, "title"))
	assert.Equal(t, "world", value(t, ev.Doc, "body"))
	assert.Equal(t, 3, ev.Doc.Seq())

	two.lock.Lock()
	md, ok := two.index.Meta(b)
	two.lock.Unlock()
	require.True(t, ok)
	assert.Equal(t, a, md.ParentID)
	assert.Equal(t, a, md.GroupID)

	status, err = two.Status(b)
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Empty(t, status.Missing)
	assert.Contains(t, status.Actors, a)
	assert.False(t, status.Actors[b].Writable)

	_, err = two.Change(ctx, b, "", set("x", "y"))
	assert.ErrorIs(t, err, docswarm_errors.ErrNotWritable)
}

func TestEngine_LiveUpdate(t *testing.T) {
	one, _ := newTestEngine(t, nil)
	d, err := one.Create(ctx, nil)
	require.NoError(t, err)
	id := d.Actor()
	_, err = one.Change(ctx, id, "", set("n", "1"))
	require.NoError(t, err)
	_, err = one.Change(ctx, id, "", set("n", "2"))
	require.NoError(t, err)

	two, sub := newTestEngine(t, nil)
	connectEngines(t, one, two)
	require.NoError(t, two.OpenDocument(ctx, id))
	ready := waitEvent(t, sub, docReady(id))
	assert.Equal(t, "2", value(t, ready.Doc, "n"))

	_, err = one.Change(ctx, id, "", set("n", "3"))
	require.NoError(t, err)
	isDoc := func(e DocumentUpdatedEvent) bool { return e.DocID == id }
	up := waitEvent(t, sub, isDoc)
	assert.Equal(t, "3", value(t, up.Doc, "n"))
	assert.Equal(t, "2", value(t, up.Prev, "n"))
	assert.Equal(t, 3, up.Doc.Seq())

	timeout := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-sub.C:
			if e, ok := ev.(DocumentUpdatedEvent); ok {
				assert.NotEqual(t, id, e.DocID, "second update event")
			}
		case <-timeout:
			done = true
		}
	}
	found, err := two.Find(id)
	require.NoError(t, err)
	assert.Equal(t, "3", value(t, found, "n"))
}

func TestEngine_DependencyChain(t *testing.T) {
	one, _ := newTestEngine(t, nil)
	d, err := one.Create(ctx, nil)
	require.NoError(t, err)
	ids := []string{d.Actor()}
	_, err = one.Change(ctx, ids[0], "", set("k0", "v0"))
	require.NoError(t, err)
	for i := 1; i < 5; i++ {
		f, err := one.Fork(ctx, ids[i-1])
		require.NoError(t, err)
		ids = append(ids, f.Actor())
		_, err = one.Change(ctx, f.Actor(), "", set("k"+string(rune('0'+i)), "v"))
		require.NoError(t, err)
	}
	last := ids[len(ids)-1]

	two, sub := newTestEngine(t, nil)
	connectEngines(t, one, two)
	require.NoError(t, two.OpenDocument(ctx, last))
	ev := waitEvent(t, sub, docReady(last))
	assert.Equal(t, "v0", value(t, ev.Doc, "k0"))
	assert.Equal(t, "v", value(t, ev.Doc, "k4"))
	assert.Len(t, ev.Doc.Clock(), 5)

	status, err := two.Status(last)
	require.NoError(t, err)
	assert.Empty(t, status.Missing)
	assert.Zero(t, status.InFlight)
	for _, id := range ids {
		assert.Contains(t, status.Actors, id)
	}
}

func TestEngine_MergeAndDelete(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	d1, err := eng.Create(ctx, nil)
	require.NoError(t, err)
	d2, err := eng.Create(ctx, nil)
	require.NoError(t, err)
	_, err = eng.Change(ctx, d1.Actor(), "", set("x", "1"))
	require.NoError(t, err)
	_, err = eng.Change(ctx, d2.Actor(), "", set("y", "2"))
	require.NoError(t, err)

	merged, err := eng.Merge(ctx, d1.Actor(), d2.Actor())
	require.NoError(t, err)
	assert.Equal(t, "1", value(t, merged, "x"))
	assert.Equal(t, "2", value(t, merged, "y"))
	status, err := eng.Status(d1.Actor())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Actors[d2.Actor()].Applied)
	assert.Equal(t, uint64(3), status.Actors[d1.Actor()].Length)

	require.NoError(t, eng.Delete(ctx, d2.Actor()))
	_, err = eng.Find(d2.Actor())
	assert.ErrorIs(t, err, docswarm_errors.ErrDocUnknown)
	assert.Equal(t, []string{d1.Actor()}, eng.Docs())
	_, err = eng.Store().Log(keyOf(t, d2.Actor()))
	assert.ErrorIs(t, err, docswarm_errors.ErrActorUnknown)
	assert.ErrorIs(t, eng.Delete(ctx, d2.Actor()), docswarm_errors.ErrDocUnknown)

	// the merged history stays with d1
	found, err := eng.Find(d1.Actor())
	require.NoError(t, err)
	assert.Equal(t, "2", value(t, found, "y"))
}

func TestEngine_Messages(t *testing.T) {
	one, subOne := newTestEngine(t, nil)
	d, err := one.Create(ctx, nil)
	require.NoError(t, err)
	id := d.Actor()

	two, sub := newTestEngine(t, nil)
	connectEngines(t, one, two)
	require.NoError(t, two.OpenDocument(ctx, id))
	waitEvent(t, sub, docReady(id))
	waitEvent(t, subOne, func(e PeerJoinedEvent) bool { return e.ActorID == id })

	require.NoError(t, one.Message(ctx, id, map[string]any{"cursor": 5}))
	msg := waitEvent(t, sub, func(e PeerMessageEvent) bool { return e.ActorID == id })
	assert.Equal(t, MessageType, msg.Type)
	assert.JSONEq(t, `{"cursor":5}`, string(msg.Payload))
}

func TestEngine_ExtensionErrors(t *testing.T) {
	eng, sub := newTestEngine(t, nil)
	l, err := eng.Store().CreateLog(nil)
	require.NoError(t, err)
	peer := &logstore.Peer{ID: "remote"}
	li := listener{eng}

	li.ExtensionMessage(l, peer, "other/v1", []byte(`{}`))
	ev := waitEvent[ErrorEvent](t, sub, nil)
	assert.ErrorIs(t, ev.Err, docswarm_errors.ErrUnexpectedExtension)

	pub, _, err := logstore.GenerateKeyPair()
	require.NoError(t, err)
	li.ExtensionMessage(l, peer, ExtensionName,
		[]byte(`{"type":"FEEDS_SHARED","keys":["nothex","`+logstore.KeyString(pub)+`"]}`))
	ev = waitEvent[ErrorEvent](t, sub, nil)
	assert.ErrorIs(t, ev.Err, docswarm_errors.ErrBadKey)
	_, err = eng.Store().Log(pub)
	assert.NoError(t, err)

	li.ExtensionMessage(l, peer, ExtensionName, []byte(`{"type":"presence","payload":{"on":true}}`))
	msg := waitEvent[PeerMessageEvent](t, sub, nil)
	assert.Equal(t, "presence", msg.Type)
	assert.Same(t, peer, msg.Peer)
}
