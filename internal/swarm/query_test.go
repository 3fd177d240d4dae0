package swarm

import (
	"testing"

	"github.com/antswarm/swarmcore/internal/key"
)

func TestAgreeingQuorumChunkByKeyEquality(t *testing.T) {
	target := key.ChunkKey([]byte("chunk-payload"))
	records := []Record{
		{Key: target, Kind: key.KindChunk, Payload: []byte("chunk-payload")},
		{Key: target, Kind: key.KindChunk, Payload: []byte("chunk-payload")},
		{Key: target, Kind: key.KindChunk, Payload: []byte("chunk-payload")},
	}
	rec, ok := agreeingQuorum(records, target, 2)
	if !ok {
		t.Fatalf("expected a chunk quorum of 2 to be reached")
	}
	if rec.Key != target {
		t.Fatalf("expected the returned record's key to match the target")
	}
}

func TestAgreeingQuorumBelowThresholdFails(t *testing.T) {
	target := key.ChunkKey([]byte("chunk-payload"))
	records := []Record{
		{Key: target, Kind: key.KindChunk, Payload: []byte("chunk-payload")},
	}
	_, ok := agreeingQuorum(records, target, 2)
	if ok {
		t.Fatalf("expected a single response not to satisfy a quorum of 2")
	}
}

func TestAgreeingQuorumMutableKindByPayloadEquality(t *testing.T) {
	target := key.RecordKey{1, 2, 3}
	records := []Record{
		{Key: target, Kind: key.KindPointer, Payload: []byte("counter=1")},
		{Key: target, Kind: key.KindPointer, Payload: []byte("counter=2")}, // stale minority
		{Key: target, Kind: key.KindPointer, Payload: []byte("counter=1")},
	}
	rec, ok := agreeingQuorum(records, target, 2)
	if !ok {
		t.Fatalf("expected the majority payload to reach quorum")
	}
	if string(rec.Payload) != "counter=1" {
		t.Fatalf("expected the majority payload to win, got %q", rec.Payload)
	}
}

func TestRecordsEqualChunkComparesByKey(t *testing.T) {
	k1 := key.ChunkKey([]byte("a"))
	a := Record{Key: k1, Kind: key.KindChunk, Payload: []byte("a")}
	b := Record{Key: k1, Kind: key.KindChunk, Payload: []byte("a")}
	if !recordsEqual(a, b) {
		t.Fatalf("expected identical chunks to compare equal")
	}
}

func TestRecordsEqualMutableComparesByPayload(t *testing.T) {
	k := key.RecordKey{9}
	a := Record{Key: k, Kind: key.KindPointer, Payload: []byte("v1")}
	b := Record{Key: k, Kind: key.KindPointer, Payload: []byte("v2")}
	if recordsEqual(a, b) {
		t.Fatalf("expected pointers with different payloads to compare unequal")
	}
}

func TestHashOfIsIdentity(t *testing.T) {
	k := key.ChunkKey([]byte("identity check"))
	if hashOf(k) != k {
		t.Fatalf("expected hashOf to be the identity function over a RecordKey")
	}
}
