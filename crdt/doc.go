// Package crdt is a last-writer-wins map with causal delivery. Every key
// holds the value of the op with the highest (counter, actor) pair, so any
// two docs that applied the same set of changes hold the same state, in
// whatever order the changes arrived.
package crdt

import (
	"encoding/json"
	"slices"
)

type register struct {
	value   json.RawMessage
	counter uint64
	actor   string
	deleted bool
}

func (r register) losesTo(counter uint64, actor string) bool {
	if counter != r.counter {
		return counter > r.counter
	}
	return actor > r.actor
}

// Doc is a document snapshot as seen by one actor.
type Doc struct {
	actor     string
	immutable bool

	clock   VV
	maxOp   uint64
	fields  map[string]register
	history []*Change
	queue   []*Change
}

type Option func(*Doc)

// Immutable docs are never modified: every transition returns a new Doc.
// Mutable docs are updated in place and the same pointer is returned.
func Immutable(on bool) Option {
	return func(d *Doc) { d.immutable = on }
}

func New(actor string, opts ...Option) *Doc {
	d := &Doc{
		actor:  actor,
		clock:  make(VV),
		fields: make(map[string]register),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Doc) Actor() string {
	return d.actor
}

func (d *Doc) IsImmutable() bool {
	return d.immutable
}

func (d *Doc) Clock() VV {
	return d.clock.Clone()
}

// Seq is the number of changes folded in so far.
func (d *Doc) Seq() int {
	return len(d.history)
}

// Pending is the number of received changes still waiting for dependencies.
func (d *Doc) Pending() int {
	return len(d.queue)
}

func (d *Doc) History() []*Change {
	return slices.Clone(d.history)
}

func (d *Doc) Get(key string) (json.RawMessage, bool) {
	r, ok := d.fields[key]
	if !ok || r.deleted {
		return nil, false
	}
	return r.value, true
}

// Decode unmarshals the value under key into v; a missing key leaves v untouched.
func (d *Doc) Decode(key string, v any) error {
	raw, ok := d.Get(key)
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (d *Doc) Keys() []string {
	keys := make([]string, 0, len(d.fields))
	for k, r := range d.fields {
		if !r.deleted {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (d *Doc) Len() int {
	return len(d.Keys())
}

func (d *Doc) ToMap() map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(d.fields))
	for k, r := range d.fields {
		if !r.deleted {
			m[k] = r.value
		}
	}
	return m
}

func (d *Doc) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToMap())
}

func (d *Doc) Clone() *Doc {
	c := &Doc{
		actor:     d.actor,
		immutable: d.immutable,
		clock:     d.clock.Clone(),
		maxOp:     d.maxOp,
		fields:    make(map[string]register, len(d.fields)),
		history:   slices.Clone(d.history),
		queue:     slices.Clone(d.queue),
	}
	for k, r := range d.fields {
		c.fields[k] = r
	}
	return c
}

// writable returns the doc a transition may modify.
func (d *Doc) writable() *Doc {
	if d.immutable {
		return d.Clone()
	}
	return d
}

func (d *Doc) ready(c *Change) bool {
	return c.Seq == d.clock.Get(c.Actor)+1 && d.clock.Seen(c.Deps)
}

func (d *Doc) commit(c *Change) {
	for _, op := range c.Ops {
		if op.Counter > d.maxOp {
			d.maxOp = op.Counter
		}
		r, ok := d.fields[op.Key]
		if ok && !r.losesTo(op.Counter, c.Actor) {
			continue
		}
		d.fields[op.Key] = register{
			value:   op.Value,
			counter: op.Counter,
			actor:   c.Actor,
			deleted: op.Action == ActionDel,
		}
	}
	d.clock.Put(c.Actor, c.Seq)
	d.history = append(d.history, c)
}

func (d *Doc) enqueue(c *Change) {
	for _, q := range d.queue {
		if q.Actor == c.Actor && q.Seq == c.Seq {
			return
		}
	}
	d.queue = append(d.queue, c)
}

// apply folds c in, or parks it until its dependencies arrive.
// Changes already covered by the clock are ignored.
func (d *Doc) apply(c *Change) {
	if c.Seq <= d.clock.Get(c.Actor) {
		return
	}
	if !d.ready(c) {
		d.enqueue(c)
		return
	}
	d.commit(c)
}

func (d *Doc) drainQueue() {
	for progress := true; progress; {
		progress = false
		kept := d.queue[:0]
		for _, c := range d.queue {
			switch {
			case c.Seq <= d.clock.Get(c.Actor):
			case d.ready(c):
				d.commit(c)
				progress = true
			default:
				kept = append(kept, c)
			}
		}
		clear(d.queue[len(kept):])
		d.queue = kept
	}
}
