package docswarm

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/drpcorg/docswarm/crdt"
	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/logstore"
	"golang.org/x/exp/maps"
)

func (eng *Engine) appendMetadata(l *logstore.Log, md *Metadata) error {
	if l.Length() != 0 {
		return fmt.Errorf("%w: log %s has %d blocks", docswarm_errors.ErrMetadataExists, l.ActorID(), l.Length())
	}
	data, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	_, err = l.Append(data)
	return err
}

func (eng *Engine) appendChanges(l *logstore.Log, changes []*crdt.Change) error {
	if l.Length() == 0 {
		return fmt.Errorf("%w: log %s", docswarm_errors.ErrMetadataMissing, l.ActorID())
	}
	blocks := make([][]byte, 0, len(changes))
	for _, c := range changes {
		data, err := crdt.EncodeChange(c)
		if err != nil {
			return err
		}
		blocks = append(blocks, data)
	}
	_, err := l.Append(blocks...)
	return err
}

// createActorLocked makes a new writable log and writes its metadata.
func (eng *Engine) createActorLocked(parentID string, layers ...map[string]any) (*logstore.Log, *Metadata, error) {
	l, err := eng.store.CreateLog(nil)
	if err != nil {
		return nil, nil, err
	}
	actor := l.ActorID()
	md, err := buildMetadata(actor, append([]map[string]any{eng.opts.DefaultMetadata}, layers...)...)
	if err == nil {
		if parentID != "" {
			md.ParentID = parentID
		}
		err = eng.appendMetadata(l, md)
	}
	if err != nil {
		_ = eng.store.RemoveLog(l.Key())
		return nil, nil, err
	}
	eng.index.SetMeta(actor, md)
	eng.actors[actor] = ActorMetadataLoaded
	eng.stateLocked(actor).root = l
	return l, md, nil
}

// Create starts a new document with a fresh actor. meta keys override the
// default metadata.
func (eng *Engine) Create(ctx context.Context, meta map[string]any) (*crdt.Doc, error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, md, err := eng.createActorLocked("", meta)
	if err != nil {
		return nil, err
	}
	actor := l.ActorID()
	eng.ensureDocLocked(actor)
	eng.settleLocked(actor)
	eng.announceLocked(actor, md.GroupID)
	eng.log.Info("document created", "doc", actor, "group", md.GroupID)
	return snapshot(eng.docs[actor]), nil
}

// OpenDocument starts tracking a document by id. Its snapshot appears once
// the root actor's metadata is available, locally or from a peer. On a
// document already tracked it re-issues fetches that failed.
func (eng *Engine) OpenDocument(ctx context.Context, docID string) error {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return err
	}
	key, err := logstore.ParseKey(docID)
	if err != nil {
		return err
	}
	if eng.docs[docID] != nil {
		eng.retryLocked(docID)
		return nil
	}
	eng.opened[docID] = true
	l, err := eng.store.CreateLog(key)
	if err != nil {
		return err
	}
	eng.loadMetaLocked(l)
	return nil
}

// docLocked returns the live snapshot of a tracked document.
func (eng *Engine) docLocked(docID string) (*crdt.Doc, error) {
	if d := eng.docs[docID]; d != nil {
		return d, nil
	}
	if eng.opened[docID] {
		return nil, fmt.Errorf("%w: %s", docswarm_errors.ErrDocNotLoaded, docID)
	}
	return nil, fmt.Errorf("%w: %s", docswarm_errors.ErrDocUnknown, docID)
}

// writableLocked returns a document together with its root log, which this
// process must be able to append to.
func (eng *Engine) writableLocked(docID string) (*crdt.Doc, *logstore.Log, error) {
	d, err := eng.docLocked(docID)
	if err != nil {
		return nil, nil, err
	}
	key, err := logstore.ParseKey(docID)
	if err != nil {
		return nil, nil, err
	}
	l, err := eng.store.Log(key)
	if err != nil {
		return nil, nil, err
	}
	if !l.Writable() {
		return nil, nil, fmt.Errorf("%w: %s", docswarm_errors.ErrNotWritable, docID)
	}
	// own blocks still loading after a restart
	if applied := eng.index.Applied(docID, l.ActorID()); applied < l.Length() {
		return nil, nil, fmt.Errorf("%w: %s has %d of %d blocks applied",
			docswarm_errors.ErrDocNotLoaded, docID, applied, l.Length())
	}
	return d, l, nil
}

// commitLocalLocked appends the changes of next authored by the log's own
// actor and makes next the live snapshot.
func (eng *Engine) commitLocalLocked(docID string, l *logstore.Log, prev, next *crdt.Doc, changes []*crdt.Change) error {
	actor := l.ActorID()
	seq := prev.Clock().Get(actor)
	var own []*crdt.Change
	for _, c := range changes {
		if c.Actor == actor && c.Seq > seq {
			own = append(own, c)
		}
	}
	slices.SortFunc(own, func(a, b *crdt.Change) int { return cmp.Compare(a.Seq, b.Seq) })
	for i, c := range own {
		if c.Seq != seq+1+uint64(i) {
			return fmt.Errorf("%w: %s#%d does not follow #%d", crdt.ErrBadChange, actor, c.Seq, seq+uint64(i))
		}
	}
	if len(own) > 0 {
		if n := l.Length(); n != 0 && n != seq+1 {
			return fmt.Errorf("%w: log %s has %d blocks, snapshot has seq %d",
				crdt.ErrBadChange, actor, n, seq)
		}
		if err := eng.appendChanges(l, own); err != nil {
			return err
		}
	}
	eng.index.Raise(docID, actor, l.Length())
	eng.docs[docID] = next
	eng.pDocs[docID] = snapshot(next)
	BlocksApplied.WithLabelValues("local").Add(float64(len(own)))
	return nil
}

// Change edits a document through fn and appends the result to the
// document's own log. The new snapshot is returned; no update event fires.
func (eng *Engine) Change(ctx context.Context, docID, message string, fn func(*crdt.Map) error) (*crdt.Doc, error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return nil, err
	}
	prev, l, err := eng.writableLocked(docID)
	if err != nil {
		return nil, err
	}
	next, c, err := crdt.Edit(working(prev), message, fn)
	if err != nil {
		return nil, err
	}
	if err := eng.commitLocalLocked(docID, l, prev, next, []*crdt.Change{c}); err != nil {
		return nil, err
	}
	return snapshot(next), nil
}

// Update takes a snapshot the caller changed with the crdt package and
// appends the changes authored by the document's own actor. Changes by
// other actors are ignored.
func (eng *Engine) Update(ctx context.Context, docID string, doc *crdt.Doc) (*crdt.Doc, error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return nil, err
	}
	prev, l, err := eng.writableLocked(docID)
	if err != nil {
		return nil, err
	}
	var own []*crdt.Change
	for _, c := range crdt.GetChanges(prev, doc) {
		if c.Actor == l.ActorID() {
			own = append(own, c)
		}
	}
	next, err := crdt.ApplyChanges(working(prev), own)
	if err != nil {
		return nil, err
	}
	if err := eng.commitLocalLocked(docID, l, prev, next, own); err != nil {
		return nil, err
	}
	return snapshot(next), nil
}

// raiseMarksLocked records that doc already holds everything in clock, so
// later dependency work never fetches it again.
func (eng *Engine) raiseMarksLocked(doc string, clock crdt.VV) {
	for actor, seq := range clock {
		eng.index.AddActor(doc, actor)
		eng.index.Raise(doc, actor, seq+1)
	}
}

// Fork makes a new document that starts with the full history of parentID.
func (eng *Engine) Fork(ctx context.Context, parentID string) (*crdt.Doc, error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return nil, err
	}
	parent, err := eng.docLocked(parentID)
	if err != nil {
		return nil, err
	}
	pmd, ok := eng.index.Meta(parentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", docswarm_errors.ErrDocNotLoaded, parentID)
	}
	l, md, err := eng.createActorLocked(parentID, pmd.inheritable())
	if err != nil {
		return nil, err
	}
	actor := l.ActorID()
	work, err := crdt.Merge(eng.newDoc(actor), parent)
	if err == nil {
		var c *crdt.Change
		work, c = crdt.EmptyChange(work, "fork "+parentID)
		err = eng.appendChanges(l, []*crdt.Change{c})
	}
	if err != nil {
		eng.index.RemoveDoc(actor)
		delete(eng.actors, actor)
		delete(eng.states, actor)
		_ = eng.store.RemoveLog(l.Key())
		return nil, err
	}
	eng.docs[actor] = work
	eng.pDocs[actor] = snapshot(work)
	Documents.Inc()
	eng.raiseMarksLocked(actor, work.Clock())
	eng.index.Raise(actor, actor, l.Length())
	eng.settleLocked(actor)
	eng.announceLocked(actor, md.GroupID)
	eng.log.Info("document forked", "doc", actor, "parent", parentID)
	return snapshot(work), nil
}

// Merge folds everything sourceID has into destID and records that in
// destID's log as one change depending on all of it.
func (eng *Engine) Merge(ctx context.Context, destID, sourceID string) (*crdt.Doc, error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return nil, err
	}
	prev, l, err := eng.writableLocked(destID)
	if err != nil {
		return nil, err
	}
	src, err := eng.docLocked(sourceID)
	if err != nil {
		return nil, err
	}
	next, err := crdt.Merge(working(prev), src)
	if err != nil {
		return nil, err
	}
	next, c := crdt.EmptyChange(next, "merge "+sourceID)
	if err := eng.commitLocalLocked(destID, l, prev, next, []*crdt.Change{c}); err != nil {
		return nil, err
	}
	eng.raiseMarksLocked(destID, next.Clock())
	eng.resolveDepsLocked(destID)
	return snapshot(next), nil
}

// Delete stops tracking a document and closes its root log. Blocks stay
// in storage and with peers.
func (eng *Engine) Delete(ctx context.Context, docID string) error {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return err
	}
	key, err := logstore.ParseKey(docID)
	if err != nil {
		return err
	}
	if _, err := eng.docLocked(docID); err != nil && !errors.Is(err, docswarm_errors.ErrDocNotLoaded) {
		return err
	}
	if st := eng.states[docID]; st != nil {
		st.cancel()
		delete(eng.states, docID)
	}
	for _, actor := range eng.index.Actors(docID) {
		if md, ok := eng.index.Meta(actor); ok && md.DocID == docID {
			delete(eng.actors, actor)
		}
	}
	delete(eng.actors, docID)
	eng.index.RemoveDoc(docID)
	if eng.docs[docID] != nil {
		Documents.Dec()
	}
	delete(eng.docs, docID)
	delete(eng.pDocs, docID)
	delete(eng.opened, docID)
	if err := eng.store.RemoveLog(key); err != nil && !errors.Is(err, docswarm_errors.ErrActorUnknown) {
		return err
	}
	eng.log.Info("document deleted", "doc", docID)
	return nil
}

// Message sends payload to every peer replicating the actor's log. It is
// not part of any document.
func (eng *Engine) Message(ctx context.Context, actorID string, payload any) error {
	eng.lock.Lock()
	err := eng.checkReady()
	store := eng.store
	eng.lock.Unlock()
	if err != nil {
		return err
	}
	key, err := logstore.ParseKey(actorID)
	if err != nil {
		return err
	}
	l, err := store.Log(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Type: MessageType, Payload: raw})
	if err != nil {
		return err
	}
	for _, p := range l.Peers() {
		err = errors.Join(err, p.Extension(l, ExtensionName, data))
	}
	return err
}

// Find returns the current snapshot of a document.
func (eng *Engine) Find(docID string) (*crdt.Doc, error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return nil, err
	}
	d, err := eng.docLocked(docID)
	if err != nil {
		return nil, err
	}
	return snapshot(d), nil
}

// Docs lists the tracked documents.
func (eng *Engine) Docs() []string {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	ids := maps.Keys(eng.docs)
	slices.Sort(ids)
	return ids
}

func (eng *Engine) Status(docID string) (DocStatus, error) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if err := eng.checkReady(); err != nil {
		return DocStatus{}, err
	}
	if _, err := eng.docLocked(docID); err != nil && !errors.Is(err, docswarm_errors.ErrDocNotLoaded) {
		return DocStatus{}, err
	}
	status := DocStatus{DocID: docID, Actors: make(map[string]ActorStatus)}
	if st := eng.states[docID]; st != nil {
		status.Ready = st.ready
		status.InFlight = st.inflight
		if len(st.missing) > 0 {
			status.Missing = st.missing.Clone()
		}
		if st.lastErr != nil {
			status.LastError = st.lastErr.Error()
		}
	}
	actors := eng.index.Actors(docID)
	if !slices.Contains(actors, docID) {
		actors = append(actors, docID)
	}
	for _, actor := range actors {
		as := ActorStatus{
			State:     eng.actors[actor],
			Requested: eng.index.Requested(docID, actor),
			Applied:   eng.index.Applied(docID, actor),
		}
		if key, err := logstore.ParseKey(actor); err == nil {
			if l, err := eng.store.Log(key); err == nil {
				as.Length = l.Length()
				as.Writable = l.Writable()
			}
		}
		status.Actors[actor] = as
	}
	return status, nil
}
