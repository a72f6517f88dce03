package logstore

import (
	"bufio"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cespare/xxhash"
)

// header of a data file record: index, length, xxhash64 of data, signature
const fileRecordHeader = 8 + 4 + 8 + ed25519.SignatureSize

// FileStorage keeps each log in a directory of its own, sharded by the hex
// discovery key as root/ab/cd/abcd... so no directory grows too wide. A log
// directory holds a key file and a data file of blocks in arrival order.
type FileStorage struct {
	root string
}

func OpenFileStorage(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStorage{root: root}, nil
}

func (s *FileStorage) LogDir(dk DiscoveryKey) string {
	h := dk.String()
	return filepath.Join(s.root, h[0:2], h[2:4], h)
}

func (s *FileStorage) OpenLog(dk DiscoveryKey) (LogStorage, error) {
	return openFileLog(s.LogDir(dk))
}

func (s *FileStorage) Journal() (LogStorage, error) {
	return openFileLog(filepath.Join(s.root, "journal"))
}

func (s *FileStorage) Close() error {
	return nil
}

type fileLog struct {
	lock    sync.Mutex
	dir     string
	data    *os.File
	offsets map[uint64]int64
	size    int64
}

func openFileLog(dir string) (*fileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "data"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	l := &fileLog{dir: dir, data: f, offsets: make(map[uint64]int64)}
	if err := l.scan(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// scan rebuilds the offset table and cuts off a torn tail.
func (l *fileLog) scan() error {
	info, err := l.data.Stat()
	if err != nil {
		return err
	}
	br := bufio.NewReader(io.NewSectionReader(l.data, 0, info.Size()))
	hdr := make([]byte, fileRecordHeader)
	var off int64
	for {
		if _, err := io.ReadFull(br, hdr); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(hdr[8:12])
		if off+fileRecordHeader+int64(n) > info.Size() {
			break
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			break
		}
		if xxhash.Sum64(data) != binary.BigEndian.Uint64(hdr[12:20]) {
			break
		}
		l.offsets[binary.BigEndian.Uint64(hdr[0:8])] = off
		off += fileRecordHeader + int64(n)
	}
	if off < info.Size() {
		if err := l.data.Truncate(off); err != nil {
			return err
		}
	}
	l.size = off
	return nil
}

func (l *fileLog) ReadKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	b, err := os.ReadFile(filepath.Join(l.dir, "key"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNoKey
	} else if err != nil {
		return nil, nil, err
	}
	return decodeKeys(b)
}

func (l *fileLog) WriteKey(pub ed25519.PublicKey, secret ed25519.PrivateKey) error {
	tmp := filepath.Join(l.dir, "key.tmp")
	if err := os.WriteFile(tmp, encodeKeys(pub, secret), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(l.dir, "key"))
}

func (l *fileLog) Put(blocks ...Block) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	var buf []byte
	offsets := make([]int64, len(blocks))
	for i, b := range blocks {
		if len(b.Sig) != ed25519.SignatureSize {
			return fmt.Errorf("block %d: signature of %d bytes", b.Index, len(b.Sig))
		}
		offsets[i] = l.size + int64(len(buf))
		buf = binary.BigEndian.AppendUint64(buf, b.Index)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Data)))
		buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(b.Data))
		buf = append(buf, b.Sig...)
		buf = append(buf, b.Data...)
	}
	if _, err := l.data.WriteAt(buf, l.size); err != nil {
		_ = l.data.Truncate(l.size)
		return err
	}
	if err := l.data.Sync(); err != nil {
		return err
	}
	for i, b := range blocks {
		l.offsets[b.Index] = offsets[i]
	}
	l.size += int64(len(buf))
	return nil
}

func (l *fileLog) Get(index uint64) (Block, error) {
	l.lock.Lock()
	off, ok := l.offsets[index]
	l.lock.Unlock()
	if !ok {
		return Block{}, ErrBlockNotFound
	}
	hdr := make([]byte, fileRecordHeader)
	if _, err := l.data.ReadAt(hdr, off); err != nil {
		return Block{}, err
	}
	data := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
	if _, err := l.data.ReadAt(data, off+fileRecordHeader); err != nil {
		return Block{}, err
	}
	if xxhash.Sum64(data) != binary.BigEndian.Uint64(hdr[12:20]) {
		return Block{}, fmt.Errorf("block %d: checksum mismatch in %s", index, l.dir)
	}
	return Block{Index: index, Sig: slices.Clone(hdr[20:]), Data: data}, nil
}

func (l *fileLog) Indices() ([]uint64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	indices := make([]uint64, 0, len(l.offsets))
	for i := range l.offsets {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return indices, nil
}

func (l *fileLog) Close() error {
	return l.data.Close()
}
