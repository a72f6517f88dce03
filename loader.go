package docswarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drpcorg/docswarm/crdt"
	"github.com/drpcorg/docswarm/logstore"
	"github.com/drpcorg/docswarm/utils"
)

// docState is the loading progress of one document.
type docState struct {
	ctx      context.Context
	cancel   context.CancelFunc
	root     *logstore.Log
	ready    bool
	inflight int
	missing  crdt.VV
	lastErr  error
	buffers  map[string]*reorderBuffer
}

// reorderBuffer holds fetched blocks of one actor until every lower index
// has been applied.
type reorderBuffer struct {
	heap    utils.Heap[uint64]
	changes map[uint64]*crdt.Change
}

type fetchTask struct {
	doc   string
	actor string
	from  uint64
	to    uint64
	log   *logstore.Log
	state *docState
}

func (eng *Engine) stateLocked(doc string) *docState {
	st := eng.states[doc]
	if st == nil {
		ctx, cancel := context.WithCancel(eng.ctx)
		st = &docState{ctx: ctx, cancel: cancel, buffers: make(map[string]*reorderBuffer)}
		eng.states[doc] = st
	}
	return st
}

// ensureDocLocked creates an empty snapshot for doc if there is none.
func (eng *Engine) ensureDocLocked(doc string) {
	if eng.docs[doc] != nil {
		return
	}
	d := eng.newDoc(doc)
	eng.docs[doc] = d
	eng.pDocs[doc] = snapshot(d)
	Documents.Inc()
}

// loadMetaLocked reads block 0 of a log; other work on the actor waits
// for it. A block that is not downloaded yet is awaited in the background.
func (eng *Engine) loadMetaLocked(l *logstore.Log) {
	actor := l.ActorID()
	if eng.actors[actor] != ActorUnknown {
		return
	}
	eng.actors[actor] = ActorMetadataPending
	if l.Has(0) {
		data, err := l.Get(eng.ctx, 0)
		eng.metadataArrivedLocked(l, data, err)
		return
	}
	go func() {
		data, err := l.Get(eng.ctx, 0)
		eng.lock.Lock()
		defer eng.lock.Unlock()
		if !eng.closed {
			eng.metadataArrivedLocked(l, data, err)
		}
	}()
}

func (eng *Engine) metadataArrivedLocked(l *logstore.Log, data []byte, err error) {
	actor := l.ActorID()
	if eng.actors[actor] != ActorMetadataPending {
		return
	}
	var md *Metadata
	if err == nil {
		md, err = decodeMetadata(data)
	}
	if err != nil {
		eng.actors[actor] = ActorUnknown
		eng.failLocked("", actor, fmt.Errorf("load metadata: %w", err))
		return
	}
	eng.metadataLoadedLocked(l, md)
}

func (eng *Engine) metadataLoadedLocked(l *logstore.Log, md *Metadata) {
	actor := l.ActorID()
	doc := md.DocID
	eng.index.SetMeta(actor, md)
	eng.actors[actor] = ActorMetadataLoaded
	eng.ensureDocLocked(doc)
	st := eng.stateLocked(doc)
	if md.IsRoot(actor) {
		st.root = l
	}
	eng.log.Debug("metadata loaded", "actor", actor, "doc", doc, "group", md.GroupID)

	eng.requestLocked(doc, actor, l.Length(), l)
	if md.IsRoot(actor) {
		for _, p := range l.Peers() {
			eng.shareGroupLocked(l, p, md)
		}
	}
	eng.settleLocked(doc)
}

// requestLocked makes sure blocks [.., upTo) of actor get applied to doc.
// Ranges already requested are not fetched again.
func (eng *Engine) requestLocked(doc, actor string, upTo uint64, l *logstore.Log) {
	from, ok := eng.index.Request(doc, actor, upTo)
	if !ok {
		return
	}
	st := eng.stateLocked(doc)
	st.inflight++
	if md, ok := eng.index.Meta(actor); ok && md.DocID == doc {
		if eng.actors[actor] >= ActorOwnBlocksComplete {
			eng.actors[actor] = ActorDepsResolving
		} else {
			eng.actors[actor] = ActorOwnBlocksLoading
		}
	}
	FetchTasks.WithLabelValues("started").Inc()
	task := fetchTask{doc: doc, actor: actor, from: from, to: upTo, log: l, state: st}
	go eng.fetch(task)
}

func (eng *Engine) fetch(t fetchTask) {
	for i := t.from; i < t.to; i++ {
		data, err := t.log.Get(t.state.ctx, i)
		var c *crdt.Change
		if err == nil {
			c, err = decodeBlock(t.actor, i, data)
		}
		if err != nil {
			eng.fetchFailed(t, i, err)
			return
		}
		eng.deliver(t, i, c)
	}
	eng.fetchDone(t)
}

func decodeBlock(actor string, index uint64, data []byte) (*crdt.Change, error) {
	c, err := crdt.DecodeChange(data)
	if err != nil {
		return nil, err
	}
	if c.Actor != actor || c.Seq != index {
		return nil, fmt.Errorf("%w: block %d of %s holds %s#%d", crdt.ErrBadChange, index, actor, c.Actor, c.Seq)
	}
	return c, nil
}

// current tells whether the task still belongs to a live document.
func (eng *Engine) current(t fetchTask) bool {
	return !eng.closed && eng.states[t.doc] == t.state
}

func (eng *Engine) fetchFailed(t fetchTask, index uint64, err error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if !eng.current(t) {
		return
	}
	t.state.inflight--
	eng.index.Rewind(t.doc, t.actor, index)
	FetchTasks.WithLabelValues("failed").Inc()
	if !errors.Is(err, context.Canceled) {
		eng.failLocked(t.doc, t.actor, fmt.Errorf("fetch block %d: %w", index, err))
	}
	eng.settleLocked(t.doc)
}

func (eng *Engine) fetchDone(t fetchTask) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if !eng.current(t) {
		return
	}
	t.state.inflight--
	FetchTasks.WithLabelValues("done").Inc()
	eng.settleLocked(t.doc)
}

// deliver buffers a fetched block and applies whatever run of blocks is
// now contiguous with the applied mark.
func (eng *Engine) deliver(t fetchTask, index uint64, c *crdt.Change) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if !eng.current(t) {
		return
	}
	applied := eng.index.Applied(t.doc, t.actor)
	buf := t.state.buffers[t.actor]
	if buf == nil {
		buf = &reorderBuffer{changes: make(map[uint64]*crdt.Change)}
		t.state.buffers[t.actor] = buf
	}
	if _, dup := buf.changes[index]; index < applied || dup {
		return
	}
	buf.changes[index] = c
	buf.heap.Push(index)

	var batch []*crdt.Change
	for buf.heap.Len() > 0 {
		next := buf.heap.Peek()
		if next > applied {
			break
		}
		buf.heap.Pop()
		if next == applied {
			batch = append(batch, buf.changes[next])
			applied++
		}
		delete(buf.changes, next)
	}
	if len(batch) == 0 {
		return
	}
	eng.index.SetApplied(t.doc, t.actor, applied)
	eng.applyLocked(t.doc, t.actor, batch)
}

// applyLocked folds remote changes into the snapshot, then chases
// whatever they depend on.
func (eng *Engine) applyLocked(doc, actor string, batch []*crdt.Change) {
	start := time.Now()
	prev := eng.docs[doc]
	seq := prev.Seq()
	next, err := crdt.ApplyChanges(prev, batch)
	if err != nil {
		eng.failLocked(doc, actor, err)
		return
	}
	eng.docs[doc] = next
	BlocksApplied.WithLabelValues("remote").Add(float64(len(batch)))
	ApplyDuration.Observe(time.Since(start).Seconds())

	eng.resolveDepsLocked(doc)
	st := eng.stateLocked(doc)
	if st.ready && next.Seq() != seq {
		snap := snapshot(next)
		prevSnap := eng.pDocs[doc]
		eng.pDocs[doc] = snap
		eng.emitLocked(DocumentUpdatedEvent{DocID: doc, Doc: snap, Prev: prevSnap})
	}
	eng.settleLocked(doc)
}

// retryLocked requests again whatever a failed fetch left behind: the
// doc's own actors up to their log length, then the missing deps.
func (eng *Engine) retryLocked(doc string) {
	st := eng.stateLocked(doc)
	st.lastErr = nil
	for _, actor := range eng.index.Actors(doc) {
		md, ok := eng.index.Meta(actor)
		if !ok || md.DocID != doc {
			continue
		}
		key, err := logstore.ParseKey(actor)
		if err != nil {
			continue
		}
		l, err := eng.store.Log(key)
		if err != nil {
			eng.failLocked(doc, actor, err)
			continue
		}
		eng.requestLocked(doc, actor, l.Length(), l)
	}
	eng.resolveDepsLocked(doc)
	eng.settleLocked(doc)
}

// resolveDepsLocked requests every change the snapshot references but
// lacks. Repeated until nothing is missing, this reaches a fixed point:
// each round either finds nothing new or raises some request mark.
func (eng *Engine) resolveDepsLocked(doc string) {
	st := eng.stateLocked(doc)
	st.missing = crdt.GetMissingDeps(eng.docs[doc])
	for _, actor := range st.missing.Actors() {
		key, err := logstore.ParseKey(actor)
		if err != nil {
			eng.failLocked(doc, actor, err)
			continue
		}
		l, err := eng.store.CreateLog(key)
		if err != nil {
			eng.failLocked(doc, actor, err)
			continue
		}
		eng.index.AddActor(doc, actor)
		eng.requestLocked(doc, actor, st.missing[actor]+1, l)
	}
}

// settleLocked updates the states of the doc's own actors and fires
// DocumentReadyEvent the first time everything is in.
func (eng *Engine) settleLocked(doc string) {
	st := eng.states[doc]
	if st == nil {
		return
	}
	for _, actor := range eng.index.Actors(doc) {
		md, ok := eng.index.Meta(actor)
		if !ok || md.DocID != doc {
			continue
		}
		cur := eng.actors[actor]
		switch {
		case eng.index.Applied(doc, actor) < eng.index.Requested(doc, actor):
			if cur < ActorOwnBlocksComplete {
				eng.actors[actor] = ActorOwnBlocksLoading
			} else {
				eng.actors[actor] = ActorDepsResolving
			}
		case len(st.missing) > 0:
			eng.actors[actor] = ActorDepsResolving
		case st.inflight > 0:
			if cur < ActorOwnBlocksComplete {
				eng.actors[actor] = ActorOwnBlocksComplete
			}
		default:
			eng.actors[actor] = ActorDepsResolved
		}
	}
	if st.ready || st.root == nil || st.inflight > 0 || len(st.missing) > 0 {
		return
	}
	applied := eng.index.Applied(doc, doc)
	if applied < eng.index.Requested(doc, doc) || applied < st.root.Length() {
		return
	}
	st.ready = true
	snap := snapshot(eng.docs[doc])
	eng.pDocs[doc] = snap
	eng.log.Info("document ready", "doc", doc, "actors", len(eng.index.Actors(doc)), "seq", snap.Seq())
	eng.emitLocked(DocumentReadyEvent{DocID: doc, Doc: snap})
}
