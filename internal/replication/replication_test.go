package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/antswarm/swarmcore/internal/key"
)

func testKey(b byte) key.RecordKey {
	var k key.RecordKey
	k[0] = b
	return k
}

func testCandidate(t *testing.T) key.PeerID {
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

type recordingFetch struct {
	mu    sync.Mutex
	calls int
	fail  int
	seen  []key.RecordKey
}

func (r *recordingFetch) fetchOne(ctx context.Context, k key.RecordKey, candidates []key.PeerID, v ValidationType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.seen = append(r.seen, k)
	if r.calls <= r.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func (r *recordingFetch) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRequestFetchEnqueuesPendingKey(t *testing.T) {
	rf := &recordingFetch{}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	f.RequestFetch(k, nil, ValidationType{IsChunk: true})
	if f.PendingCount() != 1 {
		t.Fatalf("expected 1 pending key, got %d", f.PendingCount())
	}
}

func TestRequestFetchIsNoOpWhenAlreadyPending(t *testing.T) {
	rf := &recordingFetch{}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	f.RequestFetch(k, nil, ValidationType{IsChunk: true})
	f.RequestFetch(k, []key.PeerID{testCandidate(t)}, ValidationType{IsChunk: true})
	if f.PendingCount() != 1 {
		t.Fatalf("expected a duplicate request to be a no-op, got %d pending", f.PendingCount())
	}
}

func TestRequestFetchIsNoOpWhenInFlight(t *testing.T) {
	rf := &recordingFetch{}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	f.inFlight[k] = struct{}{}
	f.RequestFetch(k, nil, ValidationType{IsChunk: true})
	if f.PendingCount() != 0 {
		t.Fatalf("expected an in-flight key not to be re-queued as pending")
	}
}

func TestNotifyFetchCompletedClearsPendingAndInFlight(t *testing.T) {
	rf := &recordingFetch{}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	f.RequestFetch(k, nil, ValidationType{IsChunk: true})
	f.inFlight[testKey(2)] = struct{}{}

	f.NotifyFetchCompleted(k)
	f.NotifyFetchCompleted(testKey(2))

	if f.PendingCount() != 0 {
		t.Fatalf("expected the pending key to be cleared")
	}
	if _, busy := f.inFlight[testKey(2)]; busy {
		t.Fatalf("expected the in-flight key to be cleared")
	}
}

func TestDrainReadyDispatchesPendingFetches(t *testing.T) {
	rf := &recordingFetch{}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	f.RequestFetch(k, []key.PeerID{testCandidate(t)}, ValidationType{IsChunk: true})

	ctx := context.Background()
	f.drainReady(ctx)

	deadline := time.Now().Add(time.Second)
	for rf.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rf.callCount() != 1 {
		t.Fatalf("expected exactly one fetch attempt to have been dispatched, got %d", rf.callCount())
	}
}

func TestDrainReadySkipsKeysNotYetDueForRetry(t *testing.T) {
	rf := &recordingFetch{}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	f.mu.Lock()
	f.pending[k] = &fetchState{key: k, nextTry: time.Now().Add(time.Hour)}
	f.mu.Unlock()

	f.drainReady(context.Background())
	time.Sleep(20 * time.Millisecond)

	if rf.callCount() != 0 {
		t.Fatalf("expected a not-yet-due key to be skipped, got %d calls", rf.callCount())
	}
	if f.PendingCount() != 1 {
		t.Fatalf("expected the key to remain pending")
	}
}

func TestAttemptSucceedsClearsInFlightWithoutRequeue(t *testing.T) {
	rf := &recordingFetch{}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	st := &fetchState{key: k}
	f.inFlight[k] = struct{}{}

	f.attempt(context.Background(), st)

	if _, busy := f.inFlight[k]; busy {
		t.Fatalf("expected a successful attempt to clear the in-flight marker")
	}
	if f.PendingCount() != 0 {
		t.Fatalf("expected a successful attempt not to be re-queued")
	}
}

func TestAttemptRetriesWithBackoffOnFailure(t *testing.T) {
	rf := &recordingFetch{fail: 1}
	f := New(4, 10*time.Millisecond, time.Second, rf.fetchOne)

	k := testKey(1)
	st := &fetchState{key: k}
	f.inFlight[k] = struct{}{}

	before := time.Now()
	f.attempt(context.Background(), st)

	if f.PendingCount() != 1 {
		t.Fatalf("expected the failed fetch to be re-queued as pending")
	}
	f.mu.Lock()
	requeued := f.pending[k]
	f.mu.Unlock()
	if requeued.attempts != 1 {
		t.Fatalf("expected attempts to be incremented to 1, got %d", requeued.attempts)
	}
	if !requeued.nextTry.After(before) {
		t.Fatalf("expected nextTry to be scheduled in the future")
	}
}

func TestAttemptBackoffIsCappedAtBackoffCap(t *testing.T) {
	rf := &recordingFetch{fail: 100}
	f := New(4, time.Millisecond, 5*time.Millisecond, rf.fetchOne)

	k := testKey(1)
	st := &fetchState{key: k, attempts: 10} // already far beyond what backoffStart<<n would keep under the cap

	f.inFlight[k] = struct{}{}
	f.attempt(context.Background(), st)

	f.mu.Lock()
	requeued := f.pending[k]
	f.mu.Unlock()

	maxAllowed := time.Now().Add(f.backoffCap + 50*time.Millisecond)
	if requeued.nextTry.After(maxAllowed) {
		t.Fatalf("expected backoff to be capped at %s", f.backoffCap)
	}
}

func TestRunDispatchesAndRetriesUntilCancelled(t *testing.T) {
	rf := &recordingFetch{fail: 1}
	f := New(4, 5*time.Millisecond, 20*time.Millisecond, rf.fetchOne)

	k := testKey(1)
	f.RequestFetch(k, []key.PeerID{testCandidate(t)}, ValidationType{IsChunk: true})

	ctx, cancel := context.WithTimeout(context.Background(), 850*time.Millisecond)
	defer cancel()
	f.Run(ctx)

	if rf.callCount() < 2 {
		t.Fatalf("expected at least one retry after the first failure, got %d calls", rf.callCount())
	}
}
