// Package store implements the on-disk record store: atomic
// temp-then-rename writes, an in-memory index by key and kind,
// distance-weighted capacity eviction and replication iteration
// (spec §4.8).
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/swarm"
	"github.com/antswarm/swarmcore/pkg/errs"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("store")

type indexEntry struct {
	kind        key.Kind
	size        int64
	isClientPut bool
	storedAt    time.Time
}

// Store is the node's content-addressed record store. Payloads live
// on disk under a canonical per-key path; Store keeps only an
// in-memory index, loading payloads on demand (spec §4.8).
type Store struct {
	dir string

	mu    sync.RWMutex
	index map[key.RecordKey]*indexEntry

	local key.PeerID

	softCapBytes int64
	graceWindow  time.Duration

	dirty bool
}

// New opens a Store rooted at dir, rebuilding its index by scanning
// the directory (spec §4.8 recovery model). dir is created if absent.
func New(dir string, local key.PeerID, softCapBytes int64, graceWindow time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	s := &Store{
		dir:          dir,
		index:        make(map[key.RecordKey]*indexEntry),
		local:        local,
		softCapBytes: softCapBytes,
		graceWindow:  graceWindow,
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// kindDir names the on-disk directory a kind's records live under.
// rebuildIndex inverts this mapping so a record's Kind survives a
// restart without being carried in the payload itself (spec §6).
func kindDir(k key.Kind) string {
	switch k {
	case key.KindScratchpad:
		return "scratchpad"
	case key.KindPointer:
		return "pointer"
	case key.KindGraphEntry:
		return "graph_entry"
	default:
		return "chunk"
	}
}

func kindFromDir(name string) (key.Kind, bool) {
	switch name {
	case "chunk":
		return key.KindChunk, true
	case "scratchpad":
		return key.KindScratchpad, true
	case "pointer":
		return key.KindPointer, true
	case "graph_entry":
		return key.KindGraphEntry, true
	default:
		return key.KindChunk, false
	}
}

func (s *Store) pathFor(k key.RecordKey, kind key.Kind) string {
	return filepath.Join(s.dir, kindDir(kind), k.String())
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("store: read dir %s: %w", s.dir, err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		kind, ok := kindFromDir(shard.Name())
		if !ok {
			log.Warnf("store: skipping unrecognized shard %s", shard.Name())
			continue
		}
		shardPath := filepath.Join(s.dir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			log.Warnf("store: skipping unreadable shard %s: %v", shardPath, err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			var k key.RecordKey
			if !decodeKey(f.Name(), &k) {
				continue
			}
			s.index[k] = &indexEntry{kind: kind, size: info.Size(), storedAt: info.ModTime()}
		}
	}
	return nil
}

func decodeKey(name string, out *key.RecordKey) bool {
	if len(name) != len(out)*2 {
		return false
	}
	for i := range out {
		var b byte
		if _, err := fmt.Sscanf(name[i*2:i*2+2], "%02x", &b); err != nil {
			return false
		}
		out[i] = b
	}
	return true
}

// Put writes r's payload atomically (temp file + rename) and updates
// the index. isClientPut records marked true are exempt from eviction
// for graceWindow (spec §4.8).
func (s *Store) Put(r swarm.Record, isClientPut bool) error {
	path := s.pathFor(r.Key, r.Kind)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(r.Payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename into place: %w", err)
	}

	s.mu.Lock()
	s.index[r.Key] = &indexEntry{
		kind:        r.Kind,
		size:        int64(len(r.Payload)),
		isClientPut: isClientPut,
		storedAt:    time.Now(),
	}
	s.dirty = true
	s.mu.Unlock()

	s.evictIfOverCapacity()
	return nil
}

// Get loads r's payload from disk, returning (nil, false) if absent.
func (s *Store) Get(k key.RecordKey) (*swarm.Record, bool) {
	s.mu.RLock()
	e, ok := s.index[k]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	payload, err := os.ReadFile(s.pathFor(k, e.kind))
	if err != nil {
		log.Warnf("store: index has %s but payload missing: %v", k, err)
		return nil, false
	}
	return &swarm.Record{Key: k, Kind: e.kind, Payload: payload, StoredAt: e.storedAt}, true
}

// Contains reports whether k is present without reading the payload.
func (s *Store) Contains(k key.RecordKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[k]
	return ok
}

// Delete removes k from the index and disk.
func (s *Store) Delete(k key.RecordKey) error {
	s.mu.Lock()
	e, ok := s.index[k]
	delete(s.index, k)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := os.Remove(s.pathFor(k, e.kind)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", k, err)
	}
	return nil
}

// IterateForReplication returns every key this node currently holds,
// the set offered when a peer advertises a replication pull (spec
// §4.8, §4.6). Keys are not filtered by whether this node is
// responsible for them.
func (s *Store) IterateForReplication() []key.RecordKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]key.RecordKey, 0, len(s.index))
	for k := range s.index {
		out = append(out, k)
	}
	return out
}

// evictIfOverCapacity evicts the record whose key is XOR-farthest from
// self while total size exceeds softCapBytes, skipping client-put
// records still within their grace window (spec §4.8).
func (s *Store) evictIfOverCapacity() {
	s.mu.Lock()
	var total int64
	for _, e := range s.index {
		total += e.size
	}
	if total <= s.softCapBytes {
		s.mu.Unlock()
		return
	}

	type candidate struct {
		k    key.RecordKey
		kind key.Kind
		dist []byte
	}
	now := time.Now()
	var candidates []candidate
	for k, e := range s.index {
		if e.isClientPut && now.Sub(e.storedAt) < s.graceWindow {
			continue
		}
		d := key.KeyDistance(s.local, k)
		candidates = append(candidates, candidate{k: k, kind: e.kind, dist: d.Bytes()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return bytes.Compare(candidates[i].dist, candidates[j].dist) > 0
	})

	var toEvict []candidate
	for _, c := range candidates {
		if total <= s.softCapBytes {
			break
		}
		e := s.index[c.k]
		total -= e.size
		toEvict = append(toEvict, c)
	}
	for _, c := range toEvict {
		delete(s.index, c.k)
	}
	s.mu.Unlock()

	for _, c := range toEvict {
		if err := os.Remove(s.pathFor(c.k, c.kind)); err != nil && !os.IsNotExist(err) {
			log.Warnf("store: eviction failed to remove %s from disk: %v", c.k, err)
		}
	}
	if len(toEvict) > 0 {
		log.Infof("evicted %d records to satisfy capacity", len(toEvict))
	}
}

// ErrNotFound is returned by callers that need a typed sentinel; Get
// itself signals absence via its ok return instead.
var ErrNotFound = errs.ErrRecordNotFound
