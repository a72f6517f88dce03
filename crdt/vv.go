package crdt

import (
	"fmt"
	"slices"
	"strings"
)

// VV is a version vector: the highest change sequence number seen from
// each actor.
type VV map[string]uint64

func (vv VV) Get(actor string) uint64 {
	return vv[actor]
}

// Put the actor-seq pair to the VV, returns whether it made any difference.
func (vv VV) Put(actor string, seq uint64) bool {
	if pre, ok := vv[actor]; ok && pre >= seq {
		return false
	}
	vv[actor] = seq
	return true
}

// Seen reports whether vv covers every entry of bb.
func (vv VV) Seen(bb VV) bool {
	for actor, seq := range bb {
		if seq > vv[actor] {
			return false
		}
	}
	return true
}

// InterestOver lists the actors where vv is ahead of b, with b's progress.
func (vv VV) InterestOver(b VV) VV {
	ahead := make(VV)
	for actor, seq := range vv {
		if bseq := b[actor]; seq > bseq {
			ahead[actor] = bseq
		}
	}
	return ahead
}

func (vv VV) Merge(b VV) {
	for actor, seq := range b {
		vv.Put(actor, seq)
	}
}

func (vv VV) Clone() VV {
	c := make(VV, len(vv))
	for actor, seq := range vv {
		c[actor] = seq
	}
	return c
}

func (vv VV) Equal(b VV) bool {
	return vv.Seen(b) && b.Seen(vv)
}

func (vv VV) Actors() []string {
	actors := make([]string, 0, len(vv))
	for actor := range vv {
		actors = append(actors, actor)
	}
	slices.Sort(actors)
	return actors
}

func (vv VV) String() string {
	parts := make([]string, 0, len(vv))
	for _, actor := range vv.Actors() {
		short := actor
		if len(short) > 8 {
			short = short[:8]
		}
		parts = append(parts, fmt.Sprintf("%s:%d", short, vv[actor]))
	}
	return strings.Join(parts, ",")
}
