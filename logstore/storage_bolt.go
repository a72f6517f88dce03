package logstore

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltJournalBucket = []byte("journal")
	boltKeyEntry      = []byte("key")
	boltBlocksBucket  = []byte("blocks")
)

// BoltStorage keeps every log in its own top-level bucket of one bbolt file,
// named by the hex discovery key.
type BoltStorage struct {
	db *bolt.DB
}

func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) OpenLog(dk DiscoveryKey) (LogStorage, error) {
	return &boltLog{db: s.db, bucket: []byte(dk.String())}, nil
}

func (s *BoltStorage) Journal() (LogStorage, error) {
	return &boltLog{db: s.db, bucket: boltJournalBucket}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

type boltLog struct {
	db     *bolt.DB
	bucket []byte
}

func (l *boltLog) ReadKey() (pub ed25519.PublicKey, secret ed25519.PrivateKey, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(l.bucket)
		if b == nil {
			return ErrNoKey
		}
		val := b.Get(boltKeyEntry)
		if val == nil {
			return ErrNoKey
		}
		pub, secret, err = decodeKeys(val)
		return err
	})
	return
}

func (l *boltLog) WriteKey(pub ed25519.PublicKey, secret ed25519.PrivateKey) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(l.bucket)
		if err != nil {
			return err
		}
		return b.Put(boltKeyEntry, encodeKeys(pub, secret))
	})
}

func (l *boltLog) Put(blocks ...Block) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(l.bucket)
		if err != nil {
			return err
		}
		bb, err := b.CreateBucketIfNotExists(boltBlocksBucket)
		if err != nil {
			return err
		}
		for _, block := range blocks {
			val := make([]byte, 0, len(block.Sig)+len(block.Data))
			val = append(append(val, block.Sig...), block.Data...)
			if err := bb.Put(binary.BigEndian.AppendUint64(nil, block.Index), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *boltLog) blocks(tx *bolt.Tx) *bolt.Bucket {
	b := tx.Bucket(l.bucket)
	if b == nil {
		return nil
	}
	return b.Bucket(boltBlocksBucket)
}

func (l *boltLog) Get(index uint64) (block Block, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		bb := l.blocks(tx)
		if bb == nil {
			return ErrBlockNotFound
		}
		val := bb.Get(binary.BigEndian.AppendUint64(nil, index))
		if val == nil {
			return ErrBlockNotFound
		}
		// splitStored copies, bolt values die with the transaction
		block, err = splitStored(index, val)
		return err
	})
	return
}

func (l *boltLog) Indices() (indices []uint64, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		bb := l.blocks(tx)
		if bb == nil {
			return nil
		}
		return bb.ForEach(func(k, _ []byte) error {
			if len(k) == 8 {
				indices = append(indices, binary.BigEndian.Uint64(k))
			}
			return nil
		})
	})
	return
}

func (l *boltLog) Close() error {
	return nil
}
