package logstore

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"slices"

	"github.com/cockroachdb/pebble"
)

// PebbleStorage keeps all logs in one pebble database.
//
//	L<dk>K         public key, then the secret key if we hold it
//	L<dk>D<index>  64-byte signature, then block data
//	J K / J D<index>  the same layout for the store journal
type PebbleStorage struct {
	db *pebble.DB
}

func OpenPebbleStorage(dirname string, opts *pebble.Options) (*PebbleStorage, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dirname, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) DB() *pebble.DB {
	return s.db
}

func (s *PebbleStorage) OpenLog(dk DiscoveryKey) (LogStorage, error) {
	return &pebbleLog{db: s.db, prefix: append([]byte{'L'}, dk[:]...)}, nil
}

func (s *PebbleStorage) Journal() (LogStorage, error) {
	return &pebbleLog{db: s.db, prefix: []byte{'J'}}, nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

type pebbleLog struct {
	db     *pebble.DB
	prefix []byte
}

func (l *pebbleLog) keyKey() []byte {
	return append(slices.Clone(l.prefix), 'K')
}

func (l *pebbleLog) blockKey(index uint64) []byte {
	key := append(slices.Clone(l.prefix), 'D')
	return binary.BigEndian.AppendUint64(key, index)
}

func (l *pebbleLog) ReadKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	val, closer, err := l.db.Get(l.keyKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, ErrNoKey
	} else if err != nil {
		return nil, nil, err
	}
	defer closer.Close()
	return decodeKeys(val)
}

func (l *pebbleLog) WriteKey(pub ed25519.PublicKey, secret ed25519.PrivateKey) error {
	return l.db.Set(l.keyKey(), encodeKeys(pub, secret), pebble.Sync)
}

func (l *pebbleLog) Put(blocks ...Block) error {
	batch := l.db.NewBatch()
	defer batch.Close()
	for _, b := range blocks {
		val := make([]byte, 0, len(b.Sig)+len(b.Data))
		val = append(append(val, b.Sig...), b.Data...)
		if err := batch.Set(l.blockKey(b.Index), val, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (l *pebbleLog) Get(index uint64) (Block, error) {
	val, closer, err := l.db.Get(l.blockKey(index))
	if errors.Is(err, pebble.ErrNotFound) {
		return Block{}, ErrBlockNotFound
	} else if err != nil {
		return Block{}, err
	}
	defer closer.Close()
	return splitStored(index, val)
}

func (l *pebbleLog) Indices() (indices []uint64, err error) {
	lower := append(slices.Clone(l.prefix), 'D')
	upper := append(slices.Clone(l.prefix), 'E')
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if len(key) != len(lower)+8 {
			continue
		}
		indices = append(indices, binary.BigEndian.Uint64(key[len(lower):]))
	}
	return indices, nil
}

func (l *pebbleLog) Close() error {
	return nil
}

// splitStored copies a sig||data value out of a buffer owned by the backend.
func splitStored(index uint64, val []byte) (Block, error) {
	if len(val) < ed25519.SignatureSize {
		return Block{}, errors.Join(ErrBlockNotFound, errors.New("short block value"))
	}
	val = slices.Clone(val)
	return Block{Index: index, Sig: val[:ed25519.SignatureSize], Data: val[ed25519.SignatureSize:]}, nil
}
