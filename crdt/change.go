package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ActionSet = "set"
	ActionDel = "del"
)

type Op struct {
	Action  string          `json:"action"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Counter uint64          `json:"ctr"`
}

// Change is one actor's atomic edit. Seq numbers an actor's changes from 1
// without gaps; Deps lists what the author had seen from other actors.
type Change struct {
	Actor   string `json:"actor"`
	Seq     uint64 `json:"seq"`
	Deps    VV     `json:"deps,omitempty"`
	Time    int64  `json:"time,omitempty"`
	Message string `json:"message,omitempty"`
	Ops     []Op   `json:"ops"`
}

var ErrBadChange = errors.New("crdt: bad change record")

func (c *Change) Validate() error {
	if c.Actor == "" || c.Seq == 0 {
		return fmt.Errorf("%w: actor %q seq %d", ErrBadChange, c.Actor, c.Seq)
	}
	if _, ok := c.Deps[c.Actor]; ok {
		return fmt.Errorf("%w: change depends on its own actor", ErrBadChange)
	}
	for _, op := range c.Ops {
		switch op.Action {
		case ActionSet:
			if !json.Valid(op.Value) {
				return fmt.Errorf("%w: bad value for %q", ErrBadChange, op.Key)
			}
		case ActionDel:
		default:
			return fmt.Errorf("%w: unknown action %q", ErrBadChange, op.Action)
		}
	}
	return nil
}

// EncodeChange produces a self-contained block for an actor log.
func EncodeChange(c *Change) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func DecodeChange(block []byte) (*Change, error) {
	c := &Change{}
	if err := json.Unmarshal(block, c); err != nil {
		return nil, errors.Join(ErrBadChange, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
