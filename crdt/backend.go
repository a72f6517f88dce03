package crdt

import (
	"encoding/json"
	"time"
)

// ApplyChanges folds changes into doc in causal order. Changes whose
// dependencies are absent wait inside the doc until they arrive; duplicates
// are no-ops.
func ApplyChanges(doc *Doc, changes []*Change) (*Doc, error) {
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return doc, err
		}
	}
	d := doc.writable()
	for _, c := range changes {
		d.apply(c)
	}
	d.drainQueue()
	return d, nil
}

// GetChanges lists the changes newDoc has applied that oldDoc has not, in
// an order that respects causality. A nil oldDoc means everything.
func GetChanges(oldDoc, newDoc *Doc) []*Change {
	var seen VV
	if oldDoc != nil {
		seen = oldDoc.clock
	}
	var changes []*Change
	for _, c := range newDoc.history {
		if c.Seq > seen.Get(c.Actor) {
			changes = append(changes, c)
		}
	}
	return changes
}

// GetMissingDeps names, per actor, the highest sequence number the doc
// needs but has neither applied nor parked.
func GetMissingDeps(doc *Doc) VV {
	parked := make(map[string]map[uint64]bool)
	for _, c := range doc.queue {
		if parked[c.Actor] == nil {
			parked[c.Actor] = make(map[uint64]bool)
		}
		parked[c.Actor][c.Seq] = true
	}
	missing := make(VV)
	need := func(actor string, seq uint64) {
		have := doc.clock.Get(actor)
		for seq > have && parked[actor][seq] {
			seq--
		}
		if seq > have {
			missing.Put(actor, seq)
		}
	}
	for _, c := range doc.queue {
		need(c.Actor, c.Seq-1)
		for actor, seq := range c.Deps {
			need(actor, seq)
		}
	}
	return missing
}

// Map is the mutable view a change function edits.
type Map struct {
	doc     *Doc
	counter uint64
	ops     []Op
}

func (m *Map) Get(key string) (json.RawMessage, bool) {
	for i := len(m.ops) - 1; i >= 0; i-- {
		if m.ops[i].Key == key {
			if m.ops[i].Action == ActionDel {
				return nil, false
			}
			return m.ops[i].Value, true
		}
	}
	return m.doc.Get(key)
}

func (m *Map) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.counter++
	m.ops = append(m.ops, Op{Action: ActionSet, Key: key, Value: raw, Counter: m.counter})
	return nil
}

func (m *Map) Delete(key string) {
	m.counter++
	m.ops = append(m.ops, Op{Action: ActionDel, Key: key, Counter: m.counter})
}

// Edit runs fn against doc and commits what it did as one change authored
// by doc's actor. If fn fails, doc is returned untouched.
func Edit(doc *Doc, message string, fn func(*Map) error) (*Doc, *Change, error) {
	m := &Map{doc: doc, counter: doc.maxOp}
	if fn != nil {
		if err := fn(m); err != nil {
			return doc, nil, err
		}
	}
	deps := doc.clock.Clone()
	delete(deps, doc.actor)
	c := &Change{
		Actor:   doc.actor,
		Seq:     doc.clock.Get(doc.actor) + 1,
		Deps:    deps,
		Time:    time.Now().Unix(),
		Message: message,
		Ops:     m.ops,
	}
	if c.Ops == nil {
		c.Ops = []Op{}
	}
	d := doc.writable()
	d.commit(c)
	return d, c, nil
}

// EmptyChange records a change with no ops, pinning everything doc has seen
// as a dependency of its actor's history.
func EmptyChange(doc *Doc, message string) (*Doc, *Change) {
	d, c, _ := Edit(doc, message, nil)
	return d, c
}

// Merge folds into dst every change src has that dst lacks.
func Merge(dst, src *Doc) (*Doc, error) {
	return ApplyChanges(dst, GetChanges(dst, src))
}
