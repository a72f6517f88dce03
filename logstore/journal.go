package logstore

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	journalAdd    = "add"
	journalRemove = "remove"
)

type journalEntry struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// journal is the store's own append-only log of created and removed keys.
type journal struct {
	lock sync.Mutex
	st   LogStorage
	next uint64
}

var journalSig = make([]byte, ed25519.SignatureSize)

func openJournal(st LogStorage) (*journal, []journalEntry, error) {
	indices, err := st.Indices()
	if err != nil {
		return nil, nil, err
	}
	j := &journal{st: st}
	entries := make([]journalEntry, 0, len(indices))
	for _, i := range indices {
		b, err := st.Get(i)
		if err != nil {
			return nil, nil, err
		}
		var e journalEntry
		if err := json.Unmarshal(b.Data, &e); err != nil {
			return nil, nil, fmt.Errorf("journal entry %d: %w", i, err)
		}
		entries = append(entries, e)
		j.next = i + 1
	}
	return j, entries, nil
}

func (j *journal) append(e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	if err := j.st.Put(Block{Index: j.next, Sig: journalSig, Data: data}); err != nil {
		return err
	}
	j.next++
	return nil
}

// replayJournal folds the entries into the set of live keys, in first-added order.
func replayJournal(entries []journalEntry) ([]ed25519.PublicKey, error) {
	var order []string
	live := make(map[string]bool)
	for _, e := range entries {
		switch e.Type {
		case journalAdd:
			if _, seen := live[e.Key]; !seen {
				order = append(order, e.Key)
			}
			live[e.Key] = true
		case journalRemove:
			live[e.Key] = false
		}
	}
	keys := make([]ed25519.PublicKey, 0, len(order))
	for _, hex := range order {
		if !live[hex] {
			continue
		}
		key, err := ParseKey(hex)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
