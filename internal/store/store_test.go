package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/swarm"
)

func testLocal(t *testing.T) key.PeerID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p, err := key.FromPrivateKey(priv)
	if err != nil {
		t.Fatalf("FromPrivateKey: %v", err)
	}
	return p
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "records"), testLocal(t), 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	k := key.ChunkKey([]byte("payload-1"))
	r := swarm.Record{Key: k, Kind: key.KindChunk, Payload: []byte("payload-1")}
	if err := s.Put(r, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get(k)
	if !ok {
		t.Fatalf("expected to find the stored record")
	}
	if string(got.Payload) != "payload-1" {
		t.Fatalf("unexpected payload: %q", got.Payload)
	}
	if !s.Contains(k) {
		t.Fatalf("expected Contains to report true")
	}
}

func TestGetMissingReturnsNotOk(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, testLocal(t), 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var k key.RecordKey
	if _, ok := s.Get(k); ok {
		t.Fatalf("expected no record for an unwritten key")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, testLocal(t), 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k := key.ChunkKey([]byte("to-delete"))
	if err := s.Put(swarm.Record{Key: k, Kind: key.KindChunk, Payload: []byte("to-delete")}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Contains(k) {
		t.Fatalf("expected the record to be gone after Delete")
	}
}

func TestRebuildIndexRecoversFromDisk(t *testing.T) {
	dir := t.TempDir()
	local := testLocal(t)
	s, err := New(dir, local, 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k := key.ChunkKey([]byte("survives-restart"))
	if err := s.Put(swarm.Record{Key: k, Kind: key.KindChunk, Payload: []byte("survives-restart")}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := New(dir, local, 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	if !reopened.Contains(k) {
		t.Fatalf("expected the rebuilt index to recover the previously stored key")
	}
}

func TestRebuildIndexRecoversNonChunkKind(t *testing.T) {
	dir := t.TempDir()
	local := testLocal(t)
	s, err := New(dir, local, 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ownerPub := []byte("fake-owner-pubkey-bytes")
	k := key.OwnerTaggedKey(ownerPub, key.KindScratchpad)
	if err := s.Put(swarm.Record{Key: k, Kind: key.KindScratchpad, Payload: []byte("scratchpad-payload")}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := New(dir, local, 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	got, ok := reopened.Get(k)
	if !ok {
		t.Fatalf("expected the rebuilt index to recover the previously stored key")
	}
	if got.Kind != key.KindScratchpad {
		t.Fatalf("expected recovered kind KindScratchpad, got %v", got.Kind)
	}
}

func TestEvictionRespectsClientPutGraceWindow(t *testing.T) {
	dir := t.TempDir()
	local := testLocal(t)
	s, err := New(dir, local, 10, time.Hour) // tiny cap, long grace window
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	protected := key.ChunkKey([]byte("protected-by-grace-window"))
	if err := s.Put(swarm.Record{Key: protected, Kind: key.KindChunk, Payload: []byte("protected-by-grace-window")}, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	filler := key.ChunkKey([]byte("filler-that-forces-eviction-pressure"))
	if err := s.Put(swarm.Record{Key: filler, Kind: key.KindChunk, Payload: []byte("filler-that-forces-eviction-pressure")}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !s.Contains(protected) {
		t.Fatalf("expected the client-put record to survive eviction within its grace window")
	}
}

func TestIterateForReplicationListsStoredKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, testLocal(t), 1<<30, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k1 := key.ChunkKey([]byte("one"))
	k2 := key.ChunkKey([]byte("two"))
	if err := s.Put(swarm.Record{Key: k1, Kind: key.KindChunk, Payload: []byte("one")}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(swarm.Record{Key: k2, Kind: key.KindChunk, Payload: []byte("two")}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	keys := s.IterateForReplication()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
