package docswarm

import "slices"

// DocIndex relates actors, documents and groups, and keeps per-document
// fetch bookkeeping. It is not safe for concurrent use; the engine guards
// it with its lock.
type DocIndex struct {
	meta   map[string]*Metadata
	docs   map[string][]string
	groups map[string][]string
	// next block index to fetch, per doc and actor
	requested map[string]map[string]uint64
	// next block index to apply, per doc and actor
	applied map[string]map[string]uint64
}

func NewDocIndex() *DocIndex {
	return &DocIndex{
		meta:      make(map[string]*Metadata),
		docs:      make(map[string][]string),
		groups:    make(map[string][]string),
		requested: make(map[string]map[string]uint64),
		applied:   make(map[string]map[string]uint64),
	}
}

func addUnique(list []string, item string) ([]string, bool) {
	if slices.Contains(list, item) {
		return list, false
	}
	return append(list, item), true
}

// SetMeta records an actor's metadata and links it to its doc and group.
func (x *DocIndex) SetMeta(actor string, md *Metadata) {
	x.meta[actor] = md
	x.AddActor(md.DocID, actor)
	x.groups[md.GroupID], _ = addUnique(x.groups[md.GroupID], actor)
}

func (x *DocIndex) Meta(actor string) (*Metadata, bool) {
	md, ok := x.meta[actor]
	return md, ok
}

// AddActor reports whether actor is new to doc.
func (x *DocIndex) AddActor(doc, actor string) (added bool) {
	x.docs[doc], added = addUnique(x.docs[doc], actor)
	return
}

func (x *DocIndex) Actors(doc string) []string {
	return slices.Clone(x.docs[doc])
}

func (x *DocIndex) Group(group string) []string {
	return slices.Clone(x.groups[group])
}

// Docs lists every document with a known root actor, sorted.
func (x *DocIndex) Docs() []string {
	var ids []string
	for actor, md := range x.meta {
		if md.IsRoot(actor) {
			ids = append(ids, actor)
		}
	}
	slices.Sort(ids)
	return ids
}

func mark(m map[string]map[string]uint64, doc, actor string) uint64 {
	if n, ok := m[doc][actor]; ok {
		return n
	}
	return 1 // block 0 is metadata
}

func setMark(m map[string]map[string]uint64, doc, actor string, n uint64) {
	if m[doc] == nil {
		m[doc] = make(map[string]uint64)
	}
	m[doc][actor] = n
}

func (x *DocIndex) Requested(doc, actor string) uint64 {
	return mark(x.requested, doc, actor)
}

// Request raises the fetch mark to upTo and returns the range that is new,
// or ok=false when upTo is already covered.
func (x *DocIndex) Request(doc, actor string, upTo uint64) (from uint64, ok bool) {
	from = x.Requested(doc, actor)
	if upTo <= from {
		return from, false
	}
	setMark(x.requested, doc, actor, upTo)
	return from, true
}

// Rewind lowers the fetch mark after a failed fetch, so the same request
// can be issued again.
func (x *DocIndex) Rewind(doc, actor string, index uint64) {
	if index < x.Requested(doc, actor) {
		setMark(x.requested, doc, actor, index)
	}
}

func (x *DocIndex) Applied(doc, actor string) uint64 {
	return mark(x.applied, doc, actor)
}

func (x *DocIndex) SetApplied(doc, actor string, n uint64) {
	setMark(x.applied, doc, actor, n)
}

// Raise lifts both marks to at least n.
func (x *DocIndex) Raise(doc, actor string, n uint64) {
	if x.Requested(doc, actor) < n {
		setMark(x.requested, doc, actor, n)
	}
	if x.Applied(doc, actor) < n {
		setMark(x.applied, doc, actor, n)
	}
}

// RemoveDoc drops a document with its bookkeeping, and the metadata of
// the actors that belong to it.
func (x *DocIndex) RemoveDoc(doc string) {
	for actor, md := range x.meta {
		if md.DocID != doc {
			continue
		}
		delete(x.meta, actor)
		x.groups[md.GroupID] = slices.DeleteFunc(x.groups[md.GroupID], func(a string) bool { return a == actor })
		if len(x.groups[md.GroupID]) == 0 {
			delete(x.groups, md.GroupID)
		}
	}
	delete(x.docs, doc)
	delete(x.requested, doc)
	delete(x.applied, doc)
}
