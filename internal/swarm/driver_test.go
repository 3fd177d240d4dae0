package swarm

import (
	"testing"
	"time"

	"github.com/antswarm/swarmcore/internal/config"
	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/pkg/errs"
)

// These tests exercise the Driver's pure routing/dispatch logic by
// constructing a bare Driver literal directly, deliberately avoiding
// NewDriver (which stands up a real libp2p host and is left to manual/
// integration testing).

type fakeNotifier struct {
	groups [][]key.PeerID
}

func (n *fakeNotifier) NotifyCloseGroupChanged(group []key.PeerID) {
	n.groups = append(n.groups, group)
}

type fakeRecordStore struct {
	records map[key.RecordKey]Record
	putErr  error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[key.RecordKey]Record)}
}

func (s *fakeRecordStore) Get(k key.RecordKey) (*Record, bool) {
	r, ok := s.records[k]
	if !ok {
		return nil, false
	}
	return &r, true
}

func (s *fakeRecordStore) Put(r Record, isClientPut bool) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.records[r.Key] = r
	return nil
}

type fakeRecordValidator struct {
	err error
}

func (v *fakeRecordValidator) Validate(r Record, isClientPut bool) error { return v.err }

func newBareDriver(t *testing.T) *Driver {
	t.Helper()
	local := testPeerID(t)
	cfg := config.Default()
	return &Driver{
		cfg:        cfg,
		local:      local,
		table:      NewTable(local, cfg.BucketSize),
		workerPool: make(chan struct{}, 64),
	}
}

func TestMaybeInsertPeerRejectsNonMatchingAgentVersion(t *testing.T) {
	d := newBareDriver(t)
	d.cfg.ProtocolVersion = "/swarmcore/1.0.0"

	p := testPeerID(t)
	d.maybeInsertPeer(Event{
		Kind:         EventIdentifyReceived,
		Peer:         p,
		AgentVersion: "/other-protocol/1.0.0",
		Addrs:        []string{"/ip4/8.8.8.8/tcp/4001"},
	})
	if d.table.Contains(p) {
		t.Fatalf("expected a peer with a mismatched agent version to be rejected")
	}
}

func TestMaybeInsertPeerAcceptsMatchingAgentVersion(t *testing.T) {
	d := newBareDriver(t)
	d.cfg.ProtocolVersion = "/swarmcore/1.0.0"

	p := testPeerID(t)
	d.maybeInsertPeer(Event{
		Kind:         EventIdentifyReceived,
		Peer:         p,
		AgentVersion: "/swarmcore/1.0.0-rc1",
		Addrs:        []string{"/ip4/8.8.8.8/tcp/4001"},
	})
	if !d.table.Contains(p) {
		t.Fatalf("expected a peer with a matching agent version prefix to be accepted")
	}
}

func TestMaybeInsertPeerRejectsNonGlobalAddressOutsideLocalMode(t *testing.T) {
	d := newBareDriver(t)
	d.cfg.LocalMode = false

	p := testPeerID(t)
	d.maybeInsertPeer(Event{Kind: EventPeerConnected, Peer: p, Addrs: []string{"/ip4/10.0.0.5/tcp/4001"}})
	if d.table.Contains(p) {
		t.Fatalf("expected a peer with only private addresses to be rejected outside local mode")
	}
}

func TestMaybeInsertPeerAcceptsNonGlobalAddressInLocalMode(t *testing.T) {
	d := newBareDriver(t)
	d.cfg.LocalMode = true

	p := testPeerID(t)
	d.maybeInsertPeer(Event{Kind: EventPeerConnected, Peer: p, Addrs: []string{"/ip4/10.0.0.5/tcp/4001"}})
	if !d.table.Contains(p) {
		t.Fatalf("expected a private-address peer to be accepted in local mode")
	}
}

func TestMaybeInsertPeerNotifiesOnNewInsertOnly(t *testing.T) {
	d := newBareDriver(t)
	d.cfg.LocalMode = true
	notifier := &fakeNotifier{}
	d.notifier = notifier

	p := testPeerID(t)
	d.maybeInsertPeer(Event{Kind: EventPeerConnected, Peer: p, Addrs: []string{"/ip4/10.0.0.5/tcp/4001"}})
	d.maybeInsertPeer(Event{Kind: EventPeerConnected, Peer: p, Addrs: []string{"/ip4/10.0.0.6/tcp/4001"}})

	if len(notifier.groups) != 1 {
		t.Fatalf("expected exactly one close-group notification for the first insert, got %d", len(notifier.groups))
	}
}

func TestHandleDialFailureRemovesAfterThreshold(t *testing.T) {
	d := newBareDriver(t)
	p := testPeerID(t)
	d.table.Insert(p, nil)

	for i := 0; i < maxConfidenceFailures; i++ {
		d.handleDialFailure(Event{Peer: p})
	}
	if d.table.Contains(p) {
		t.Fatalf("expected repeated dial failures to evict the peer via the routing table")
	}
}

func TestDispatchWorkRunsOnWorkerPoolWhenAvailable(t *testing.T) {
	d := newBareDriver(t)
	done := make(chan struct{})
	d.dispatchWork(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected dispatched work to run")
	}
}

func TestDispatchWorkFallsBackInlineWhenPoolSaturated(t *testing.T) {
	d := newBareDriver(t)
	d.workerPool = make(chan struct{}, 1)
	d.workerPool <- struct{}{} // saturate the pool

	ran := false
	d.dispatchWork(func() { ran = true })
	if !ran {
		t.Fatalf("expected dispatchWork to run inline when the worker pool is saturated")
	}
}

func TestCmdGetLocalRecordMissingReturnsNotFound(t *testing.T) {
	d := newBareDriver(t)
	d.store = newFakeRecordStore()

	reply := make(chan Result, 1)
	d.cmdGetLocalRecord(Command{RecordKey: key.RecordKey{1}, Reply: reply})
	res := <-reply
	if !errs.Is(res.Err, errs.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", res.Err)
	}
}

func TestCmdGetLocalRecordReturnsStoredRecord(t *testing.T) {
	d := newBareDriver(t)
	store := newFakeRecordStore()
	k := key.RecordKey{2}
	store.records[k] = Record{Key: k, Kind: key.KindChunk, Payload: []byte("x")}
	d.store = store

	reply := make(chan Result, 1)
	d.cmdGetLocalRecord(Command{RecordKey: k, Reply: reply})
	res := <-reply
	if res.Err != nil || res.Record == nil || res.Record.Key != k {
		t.Fatalf("expected the stored record to be returned, got %+v err=%v", res.Record, res.Err)
	}
}

func TestCmdPutLocalRecordRejectsValidationFailure(t *testing.T) {
	d := newBareDriver(t)
	d.store = newFakeRecordStore()
	d.validator = &fakeRecordValidator{err: errs.ErrInvalidRecord}

	reply := make(chan Result, 1)
	d.cmdPutLocalRecord(Command{Record: Record{Key: key.RecordKey{3}}, Reply: reply})
	res := <-reply
	if !errs.Is(res.Err, errs.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord to short-circuit the put, got %v", res.Err)
	}
}

func TestCmdPutLocalRecordStoresOnValidationSuccess(t *testing.T) {
	d := newBareDriver(t)
	store := newFakeRecordStore()
	d.store = store
	d.validator = &fakeRecordValidator{}

	k := key.RecordKey{4}
	reply := make(chan Result, 1)
	d.cmdPutLocalRecord(Command{Record: Record{Key: k}, Reply: reply})
	res := <-reply
	if res.Err != nil {
		t.Fatalf("expected a successful put, got %v", res.Err)
	}
	if !store.records[k].Key.Equal(k) {
		t.Fatalf("expected the record to land in the store")
	}
}

func TestHandleCommandGetClosestPeersRepliesDirectly(t *testing.T) {
	d := newBareDriver(t)
	p := testPeerID(t)
	d.table.Insert(p, nil)

	reply := make(chan Result, 1)
	d.handleCommand(Command{Kind: CmdGetClosestPeers, TargetKey: p.Bytes(), Reply: reply})
	res := <-reply
	if len(res.Peers) == 0 {
		t.Fatalf("expected at least one close peer to be returned")
	}
}
