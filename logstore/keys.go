package logstore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/drpcorg/docswarm/docswarm_errors"
	"golang.org/x/crypto/blake2b"
)

// DiscoveryKey names a log on the wire without revealing its public key.
type DiscoveryKey [32]byte

func (dk DiscoveryKey) String() string {
	return hex.EncodeToString(dk[:])
}

var discoveryContext = []byte("docswarm")

func DiscoveryKeyOf(pub ed25519.PublicKey) (dk DiscoveryKey) {
	h, err := blake2b.New256(pub)
	if err != nil {
		panic(err) // only for keys longer than 64 bytes
	}
	h.Write(discoveryContext)
	copy(dk[:], h.Sum(nil))
	return
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// ParseKey reads a hex actor id.
func ParseKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %q", docswarm_errors.ErrBadKey, s)
	}
	return ed25519.PublicKey(b), nil
}

func KeyString(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

func blockMessage(index uint64, data []byte) []byte {
	msg := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(msg, index)
	return append(msg, data...)
}

func signBlock(secret ed25519.PrivateKey, index uint64, data []byte) []byte {
	return ed25519.Sign(secret, blockMessage(index, data))
}

func verifyBlock(pub ed25519.PublicKey, index uint64, data, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, blockMessage(index, data), sig)
}
