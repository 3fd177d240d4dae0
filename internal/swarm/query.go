package swarm

import (
	"bytes"
	"time"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/pkg/errs"
)

// queryState tracks one outstanding routing query's timeout, enforced
// by the event loop surfacing an EventQueryTimeout (spec §4.5).
type queryState struct {
	id        uint64
	startedAt time.Time
	cancelled bool
}

func (d *Driver) newQueryID() uint64 {
	d.queriesMu.Lock()
	defer d.queriesMu.Unlock()
	d.nextQID++
	return d.nextQID
}

func (d *Driver) failQuery(id uint64, err error) {
	d.queriesMu.Lock()
	delete(d.queries, id)
	d.queriesMu.Unlock()
}

// startQuery issues a find-node-style lookup for target, used both by
// refreshBuckets and as the first phase of getNetworkRecord.
func (d *Driver) startQuery(target [32]byte, onDone func([]key.PeerID)) {
	qid := d.newQueryID()
	d.queriesMu.Lock()
	d.queries[qid] = &queryState{id: qid, startedAt: time.Now()}
	d.queriesMu.Unlock()

	timer := time.AfterFunc(d.cfg.QueryTimeout, func() {
		select {
		case d.events <- Event{Kind: EventQueryTimeout, QueryID: qid}:
		default:
		}
	})
	defer timer.Stop()

	peers := d.table.ClosestPeers(target, d.cfg.BucketSize)

	d.queriesMu.Lock()
	delete(d.queries, qid)
	d.queriesMu.Unlock()

	if onDone != nil {
		onDone(peers)
	}
}

func (d *Driver) sendRequest(cmd Command) {
	// internal/wireproto owns framing; here the driver only resolves
	// the peer and enforces the request timeout (spec §4.5).
	ctx, cancel := newTimeoutCtx(d.ctx, d.cfg.RequestTimeout)
	defer cancel()

	s, err := d.host.NewStream(ctx, cmd.Peer.Libp2p(), protocolID(d.cfg))
	if err != nil {
		cmd.Reply <- Result{Err: err}
		return
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	if _, err := s.Write(cmd.Request); err != nil {
		cmd.Reply <- Result{Err: err}
		return
	}
	buf := make([]byte, 64<<10)
	n, err := s.Read(buf)
	if err != nil && n == 0 {
		cmd.Reply <- Result{Err: err}
		return
	}
	cmd.Reply <- Result{Response: buf[:n]}
}

// getNetworkRecord implements the get-record algorithm (spec §4.5):
// find-value against the K closest peers, verified either by any one
// valid response or by quorum agreement, retried up to
// VERIFICATION_ATTEMPTS times with backoff.
func (d *Driver) getNetworkRecord(cmd Command) {
	target := cmd.RecordKey
	var peers []key.PeerID
	if cmd.NetTarget != nil {
		peers = []key.PeerID{*cmd.NetTarget}
	} else {
		peers = d.table.ClosestPeers(target, d.cfg.BucketSize)
	}
	if len(peers) == 0 {
		cmd.Reply <- Result{Err: errs.NotEnoughPeersErr(0, 1)}
		return
	}

	for attempt := 0; attempt < d.cfg.VerificationAttempts; attempt++ {
		responses := d.fetchFromPeers(peers, target)
		if len(responses) == 0 {
			time.Sleep(d.cfg.VerificationBackoff)
			continue
		}

		if !cmd.Verify {
			cmd.Reply <- Result{Record: &responses[0]}
			return
		}

		if rec, ok := agreeingQuorum(responses, target, d.cfg.VerificationQuorum); ok {
			cmd.Reply <- Result{Record: rec}
			return
		}

		if len(responses) < d.cfg.VerificationQuorum {
			time.Sleep(d.cfg.VerificationBackoff)
			continue
		}

		cmd.Reply <- Result{Err: errs.ReturnedRecordDoesNotMatchErr(target.String())}
		return
	}

	cmd.Reply <- Result{Err: errs.RecordNotEnoughCopiesErr()}
}

// fetchFromPeers issues a find-value request to each peer concurrently
// and returns every record that came back, through fetchHook. Nothing
// in this module sets fetchHook; while it is nil no request is sent and
// no records are returned. It is a seam so the algorithm's
// retry/quorum logic is independently testable.
var fetchHook func(d *Driver, peers []key.PeerID, k key.RecordKey) []Record

func (d *Driver) fetchFromPeers(peers []key.PeerID, k key.RecordKey) []Record {
	if fetchHook != nil {
		return fetchHook(d, peers, k)
	}
	return nil
}

func agreeingQuorum(records []Record, target key.RecordKey, quorum int) (*Record, bool) {
	counts := make(map[string]int)
	var repr map[string]Record = make(map[string]Record)
	for _, r := range records {
		var sig string
		if r.Kind == key.KindChunk {
			sig = target.String()
		} else {
			sig = string(r.Payload)
		}
		counts[sig]++
		repr[sig] = r
	}
	for sig, c := range counts {
		if c >= quorum {
			r := repr[sig]
			return &r, true
		}
	}
	return nil, false
}

// putRecordOnNetwork implements the put-record algorithm (spec §4.5):
// dispatch store requests to the K closest peers, up to
// PUT_RECORD_RETRIES attempts, optionally verified by a follow-up
// get-record (chunks must match by key, other kinds by payload bytes).
func (d *Driver) putRecordOnNetwork(cmd Command) {
	peers := d.table.ClosestPeers(hashOf(cmd.Record.Key), d.cfg.BucketSize)
	if len(peers) == 0 {
		cmd.Reply <- Result{Err: errs.NotEnoughPeersErr(0, 1)}
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.PutRecordRetries; attempt++ {
		stored := d.storeAtPeers(peers, cmd.Record)
		if stored == 0 {
			lastErr = errs.ErrLocalSwarmError
			continue
		}

		if !cmd.Verify {
			cmd.Reply <- Result{}
			return
		}

		verifyResult := make(chan Result, 1)
		d.getNetworkRecord(Command{
			Kind:      CmdGetNetworkRecord,
			RecordKey: cmd.Record.Key,
			Verify:    true,
			Reply:     verifyResult,
		})
		res := <-verifyResult
		if res.Err != nil {
			lastErr = errs.FailedToVerifyRecordWasStoredErr(cmd.Record.Key.String())
			continue
		}
		if recordsEqual(*res.Record, cmd.Record) {
			cmd.Reply <- Result{}
			return
		}
		lastErr = errs.ReturnedRecordDoesNotMatchErr(cmd.Record.Key.String())
	}

	if lastErr == nil {
		lastErr = errs.FailedToVerifyRecordWasStoredErr(cmd.Record.Key.String())
	}
	cmd.Reply <- Result{Err: lastErr}
}

// storeAtPeers issues a store RPC to every peer and returns how many
// accepted the record. Seam analogous to fetchFromPeers: while
// storeHook is nil, nothing is sent and zero stores are reported.
var storeHook func(d *Driver, peers []key.PeerID, r Record) int

func (d *Driver) storeAtPeers(peers []key.PeerID, r Record) int {
	if storeHook != nil {
		return storeHook(d, peers, r)
	}
	return 0
}

func recordsEqual(a, b Record) bool {
	if a.Kind == key.KindChunk {
		return a.Key == b.Key
	}
	return bytes.Equal(a.Payload, b.Payload)
}

func hashOf(k key.RecordKey) [32]byte { return k }
