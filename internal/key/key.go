// Package key implements the addressing and key model: XOR-distance
// peer identity and content-addressed record keys (spec §4.1).
package key

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"lukechampine.com/blake3"
)

// Size is the width, in bytes, of every key in the address space
// (peer IDs and record keys share one metric space).
const Size = 32

// PeerID is the 32-byte XOR-space identity derived from a node's
// long-lived libp2p peer identity. It persists for the lifetime of
// the node (spec §3 Lifecycles).
type PeerID struct {
	libp2p peer.ID
	xor    [Size]byte
}

// FromLibp2p derives a PeerID from an underlying libp2p peer.ID by
// hashing its bytes down to the fixed-width XOR space.
func FromLibp2p(id peer.ID) PeerID {
	return PeerID{libp2p: id, xor: blake3.Sum256([]byte(id))}
}

// FromPrivateKey derives the node's own PeerID at startup from its
// long-lived key pair, the way the node's identity is created once
// and never rotated (spec §3 Lifecycles).
func FromPrivateKey(priv crypto.PrivKey) (PeerID, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return PeerID{}, fmt.Errorf("key: derive peer id: %w", err)
	}
	return FromLibp2p(id), nil
}

// Libp2p returns the underlying libp2p peer.ID.
func (p PeerID) Libp2p() peer.ID { return p.libp2p }

// Bytes returns the 32-byte XOR-space representation.
func (p PeerID) Bytes() [Size]byte { return p.xor }

func (p PeerID) String() string { return p.libp2p.String() }

// Equal reports byte-exact identity.
func (p PeerID) Equal(o PeerID) bool { return p.xor == o.xor }

// RecordKey is a 32-byte content-addressed key (spec §3).
type RecordKey [Size]byte

func (k RecordKey) String() string { return hex.EncodeToString(k[:]) }

// Equal reports byte-exact identity.
func (k RecordKey) Equal(o RecordKey) bool { return k == o }

// Kind tags the record variant a key was derived for, used to pick
// the derivation rule in RecordKeyOf's callers.
type Kind int

const (
	KindChunk Kind = iota
	KindScratchpad
	KindPointer
	KindGraphEntry
)

// ChunkKey derives a Chunk's key: the hash of its payload bytes.
// Chunks are immutable and content-addressed (spec §4.1).
func ChunkKey(payload []byte) RecordKey {
	return blake3.Sum256(payload)
}

// OwnerTaggedKey derives a Scratchpad or Pointer key: the hash of the
// owner's public key bytes concatenated with a type tag distinguishing
// the two mutable kinds that share an owner-keyed address space.
func OwnerTaggedKey(ownerPubKey []byte, kind Kind) RecordKey {
	var tag byte
	switch kind {
	case KindScratchpad:
		tag = 1
	case KindPointer:
		tag = 2
	default:
		tag = 0
	}
	h := blake3.New(Size, nil)
	h.Write(ownerPubKey)
	h.Write([]byte{tag})
	var out RecordKey
	copy(out[:], h.Sum(nil))
	return out
}

// GraphEntryKey derives a GraphEntry key: the hash of the entry's
// address bytes (an append-only set lives at one key, spec §3).
func GraphEntryKey(entryAddress []byte) RecordKey {
	return blake3.Sum256(entryAddress)
}

// XorDistance returns the XOR metric between two 32-byte keys as a
// big-endian unsigned integer, the metric defining the close group
// (spec §4.1).
func XorDistance(a, b [Size]byte) *big.Int {
	var d [Size]byte
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(d[:])
}

// PeerDistance returns the XOR distance between two peer identities.
func PeerDistance(a, b PeerID) *big.Int {
	return XorDistance(a.Bytes(), b.Bytes())
}

// KeyDistance returns the XOR distance between a peer identity and a
// record key, both members of the same 32-byte metric space.
func KeyDistance(p PeerID, k RecordKey) *big.Int {
	return XorDistance(p.Bytes(), k)
}

// ErrInsufficientPeers is returned by SortByDistance when fewer than k
// peers are supplied.
var ErrInsufficientPeers = fmt.Errorf("key: insufficient peers for requested k")

// SortByDistance returns the k peers in peers closest to target under
// XOR distance, stable-tie-broken on lexical peer-ID order (spec §4.1,
// property 10: K-closest correctness).
func SortByDistance(peers []PeerID, target [Size]byte, k int) ([]PeerID, error) {
	if len(peers) < k {
		return nil, ErrInsufficientPeers
	}
	sorted := make([]PeerID, len(peers))
	copy(sorted, peers)
	sort.SliceStable(sorted, func(i, j int) bool {
		di := XorDistance(sorted[i].Bytes(), target)
		dj := XorDistance(sorted[j].Bytes(), target)
		cmp := di.Cmp(dj)
		if cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare([]byte(sorted[i].Libp2p()), []byte(sorted[j].Libp2p())) < 0
	})
	return sorted[:k], nil
}
