// Package swarm implements the peer-routing and query-driving core of
// the node: a single-threaded event loop owning a Kademlia routing
// table and all in-flight queries (spec §4.5). The bucket-splitting
// routing table is adapted from the go-libp2p-kbucket reference
// implementation; the host/pubsub/mDNS wiring is adapted from the
// teacher's core/network.go and core/peer_management.go.
package swarm

import (
	"container/list"
	"crypto/rand"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("swarm.routing")

// maxConfidenceFailures is how many consecutive outgoing-connection
// failures a peer tolerates before eviction (spec §4.5).
const maxConfidenceFailures = 3

type routingPeer struct {
	id         key.PeerID
	addrs      []string
	confidence int // decrements on dial failure; evicted at 0
	insertedAt time.Time
}

type bucket struct {
	peers *list.List // of *routingPeer
}

func newBucket() *bucket { return &bucket{peers: list.New()} }

func (b *bucket) find(id key.PeerID) *list.Element {
	for e := b.peers.Front(); e != nil; e = e.Next() {
		if e.Value.(*routingPeer).id.Equal(id) {
			return e
		}
	}
	return nil
}

func (b *bucket) len() int { return b.peers.Len() }

// Table is a bucket-splitting Kademlia routing table keyed on XOR
// distance from the local peer ID. Peers enter only through Insert,
// which callers must gate on a successful identify exchange and a
// globally-routable address (spec §4.5); Table itself trusts its
// caller and only enforces capacity and eviction policy.
type Table struct {
	mu sync.RWMutex

	local      key.PeerID
	bucketSize int

	buckets []*bucket

	closeGroup      []key.PeerID
	closeGroupDirty bool
}

// NewTable builds an empty routing table for the given local identity
// with the given per-bucket capacity K (spec §4.5, default 20).
func NewTable(local key.PeerID, bucketSize int) *Table {
	return &Table{
		local:           local,
		bucketSize:      bucketSize,
		buckets:         []*bucket{newBucket()},
		closeGroupDirty: true,
	}
}

func commonPrefixLen(a, b [32]byte) int {
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return len(a) * 8
}

func (t *Table) bucketIndex(id key.PeerID) int {
	cpl := commonPrefixLen(id.Bytes(), t.local.Bytes())
	if cpl >= len(t.buckets) {
		return len(t.buckets) - 1
	}
	return cpl
}

// Insert adds p to the table, splitting the last bucket when it
// overflows and p falls into it. Returns true if newly added.
func (t *Table) Insert(p key.PeerID, addrs []string) bool {
	if p.Equal(t.local) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(p)
	b := t.buckets[idx]
	if e := b.find(p); e != nil {
		rp := e.Value.(*routingPeer)
		rp.addrs = addrs
		rp.confidence = maxConfidenceFailures
		return false
	}

	if b.len() < t.bucketSize {
		b.peers.PushFront(&routingPeer{id: p, addrs: addrs, confidence: maxConfidenceFailures, insertedAt: time.Now()})
		t.closeGroupDirty = true
		log.Debugf("inserted peer %s into bucket %d", p, idx)
		return true
	}

	if idx == len(t.buckets)-1 {
		t.splitLastBucket()
		idx = t.bucketIndex(p)
		b = t.buckets[idx]
		if b.len() < t.bucketSize {
			b.peers.PushFront(&routingPeer{id: p, addrs: addrs, confidence: maxConfidenceFailures, insertedAt: time.Now()})
			t.closeGroupDirty = true
			return true
		}
	}

	log.Debugf("bucket %d full, rejecting peer %s", idx, p)
	return false
}

func (t *Table) splitLastBucket() {
	last := len(t.buckets) - 1
	old := t.buckets[last]
	fresh := newBucket()

	var kept []*routingPeer
	for e := old.peers.Front(); e != nil; e = e.Next() {
		rp := e.Value.(*routingPeer)
		if t.bucketIndexForSplit(rp.id, last+1) == last+1 {
			fresh.peers.PushBack(rp)
		} else {
			kept = append(kept, rp)
		}
	}
	rebuilt := newBucket()
	for _, rp := range kept {
		rebuilt.peers.PushBack(rp)
	}
	t.buckets[last] = rebuilt
	t.buckets = append(t.buckets, fresh)
}

func (t *Table) bucketIndexForSplit(id key.PeerID, nBuckets int) int {
	cpl := commonPrefixLen(id.Bytes(), t.local.Bytes())
	if cpl >= nBuckets {
		return nBuckets - 1
	}
	return cpl
}

// RecordDialFailure decrements p's confidence counter, evicting it
// from the table once it reaches zero (spec §4.5).
func (t *Table) RecordDialFailure(p key.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(p)
	b := t.buckets[idx]
	e := b.find(p)
	if e == nil {
		return
	}
	rp := e.Value.(*routingPeer)
	rp.confidence--
	if rp.confidence <= 0 {
		b.peers.Remove(e)
		t.closeGroupDirty = true
		log.Infof("evicted peer %s after repeated dial failures", p)
	}
}

// Remove drops p unconditionally.
func (t *Table) Remove(p key.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(p)
	b := t.buckets[idx]
	if e := b.find(p); e != nil {
		b.peers.Remove(e)
		t.closeGroupDirty = true
	}
}

// Contains reports whether p is currently in the table.
func (t *Table) Contains(p key.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[t.bucketIndex(p)].find(p) != nil
}

// Size returns the total number of peers across all buckets.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}

type peerDist struct {
	id   key.PeerID
	dist *big.Int
}

// ClosestPeers returns up to count peers closest to target by XOR
// distance, scanning outward from target's own bucket the way
// go-libp2p-kbucket's NearestPeers does.
func (t *Table) ClosestPeers(target [32]byte, count int) []key.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cpl := commonPrefixLen(target, t.local.Bytes())
	if cpl >= len(t.buckets) {
		cpl = len(t.buckets) - 1
	}

	var pds []peerDist
	appendBucket := func(idx int) {
		for e := t.buckets[idx].peers.Front(); e != nil; e = e.Next() {
			rp := e.Value.(*routingPeer)
			pds = append(pds, peerDist{id: rp.id, dist: key.XorDistance(rp.id.Bytes(), target)})
		}
	}

	appendBucket(cpl)
	for i := cpl + 1; i < len(t.buckets) && len(pds) < count; i++ {
		appendBucket(i)
	}
	for i := cpl - 1; i >= 0 && len(pds) < count; i-- {
		appendBucket(i)
	}

	sort.Slice(pds, func(i, j int) bool { return pds[i].dist.Cmp(pds[j].dist) < 0 })
	if len(pds) > count {
		pds = pds[:count]
	}
	out := make([]key.PeerID, len(pds))
	for i, pd := range pds {
		out[i] = pd.id
	}
	return out
}

// CloseGroup returns the cached K-1 closest peers to the local ID plus
// self, recomputing lazily after table mutation (spec §4.5).
func (t *Table) CloseGroup() []key.PeerID {
	t.mu.Lock()
	if t.closeGroupDirty {
		t.mu.Unlock()
		closest := t.ClosestPeers(t.local.Bytes(), t.bucketSize-1)
		t.mu.Lock()
		t.closeGroup = append([]key.PeerID{t.local}, closest...)
		t.closeGroupDirty = false
	}
	out := append([]key.PeerID(nil), t.closeGroup...)
	t.mu.Unlock()
	return out
}

// NonFullBucketCount returns how many buckets have room (spec §4.5).
func (t *Table) NonFullBucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		if b.len() < t.bucketSize {
			n++
		}
	}
	return n
}

// RandomKeyInBucket returns a key that falls in bucket idx, for
// driving a refresh find-node against that bucket (spec §4.5).
func (t *Table) RandomKeyInBucket(idx int) [32]byte {
	t.mu.RLock()
	local := t.local.Bytes()
	nBuckets := len(t.buckets)
	t.mu.RUnlock()

	out := local
	if idx >= nBuckets {
		idx = nBuckets - 1
	}
	byteIdx := idx / 8
	bitIdx := 7 - (idx % 8)
	if byteIdx < len(out) {
		out[byteIdx] ^= 1 << uint(bitIdx)
	}
	// Bits after position idx do not change the bucket, so randomize them.
	var noise [32]byte
	_, _ = rand.Read(noise[:])
	for bit := idx + 1; bit < len(out)*8; bit++ {
		mask := byte(1) << uint(7-bit%8)
		out[bit/8] = out[bit/8]&^mask | noise[bit/8]&mask
	}
	return out
}
