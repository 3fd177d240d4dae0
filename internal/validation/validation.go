// Package validation implements the record validator, the policy
// heart of the node: every record arriving via client PUT, replication
// pull or push is checked here before it reaches the store (spec
// §4.7). Grounded on ant-node/src/put_validation.rs.
package validation

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/antswarm/swarmcore/internal/config"
	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/payment"
	"github.com/antswarm/swarmcore/internal/swarm"
	"github.com/antswarm/swarmcore/pkg/errs"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("validation")

// ClosestPeersFn resolves the current K closest known peers to a
// record key, used both for the responsibility precondition and the
// payee-range check (spec §4.7 steps 2 and 4).
type ClosestPeersFn func(k key.RecordKey) []key.PeerID

// NetworkDensityFn returns the current network density distance
// tolerance, or nil when unknown (spec §4.7 step 4).
type NetworkDensityFn func() *int

// Store is the subset of internal/store's interface the validator
// needs to check existing records before applying kind-specific rules.
type Store interface {
	Get(k key.RecordKey) (*swarm.Record, bool)
	Put(r swarm.Record, isClientPut bool) error
	Contains(k key.RecordKey) bool
}

// FetchCompletedNotifier is called once a record's validation
// completes, regardless of whether it arrived via a direct PUT or the
// replication fetcher, preventing double-fetch (spec §4.6).
type FetchCompletedNotifier interface {
	NotifyFetchCompleted(k key.RecordKey)
}

// Verifier checks signatures over record payloads; the concrete
// implementation depends on the record kind's owner-key encoding.
type Verifier interface {
	VerifyChunk(payload []byte) bool
	VerifyScratchpadSig(payload []byte, ownerPubKey []byte) bool
	VerifyPointerSig(payload []byte, ownerPubKey []byte) bool
	VerifyGraphEntrySig(entry []byte, ownerPubKey []byte) bool
}

// ScratchpadMeta is the subset of a Scratchpad's fields the validator
// reasons over without deserializing the whole payload type.
type ScratchpadMeta struct {
	OwnerPubKey []byte
	Counter     uint64
	Size        int
}

// PointerMeta mirrors ScratchpadMeta for Pointer records.
type PointerMeta struct {
	PreviousOwnerPubKey []byte
	Counter             uint64
}

// GraphEntryMeta mirrors the per-entry fields the validator checks;
// a GraphEntry record's payload is logically a set of these.
type GraphEntryMeta struct {
	Address     key.RecordKey
	ContentHash [32]byte
	Raw         []byte
	OwnerPubKey []byte
}

// MetaDecoder extracts the kind-specific fields a record's canonical
// payload carries, kept separate from Verifier so tests can stub
// decoding and signing independently.
type MetaDecoder interface {
	DecodeScratchpad(payload []byte) (ScratchpadMeta, error)
	DecodePointer(payload []byte) (PointerMeta, error)
	DecodeGraphEntries(payload []byte) ([]GraphEntryMeta, error)
	EncodeGraphEntries(entries []GraphEntryMeta) []byte
}

// Validator applies the cross-kind preconditions, payment path and
// kind-specific rules described in spec §4.7, serializing PUTs per
// key with one mutex per key.
type Validator struct {
	cfg config.Config

	closest       ClosestPeersFn
	density       NetworkDensityFn
	store         Store
	verifier      Verifier
	decoder       MetaDecoder
	chainVerifier payment.ChainVerifier
	fetchNotifier FetchCompletedNotifier

	selfPeer key.PeerID

	keyLocks   map[key.RecordKey]*sync.Mutex
	keyLocksMu sync.Mutex
}

// New builds a Validator.
func New(cfg config.Config, self key.PeerID, closest ClosestPeersFn, density NetworkDensityFn,
	store Store, verifier Verifier, decoder MetaDecoder, chainVerifier payment.ChainVerifier, notifier FetchCompletedNotifier) *Validator {
	return &Validator{
		cfg:           cfg,
		closest:       closest,
		density:       density,
		store:         store,
		verifier:      verifier,
		decoder:       decoder,
		chainVerifier: chainVerifier,
		fetchNotifier: notifier,
		selfPeer:      self,
		keyLocks:      make(map[key.RecordKey]*sync.Mutex),
	}
}

func (v *Validator) lockFor(k key.RecordKey) *sync.Mutex {
	v.keyLocksMu.Lock()
	defer v.keyLocksMu.Unlock()
	m, ok := v.keyLocks[k]
	if !ok {
		m = &sync.Mutex{}
		v.keyLocks[k] = m
	}
	return m
}

// ValidatePutRequest is the full validation entry point: payload is
// the record payload as received, and proof is the already-decoded
// payment proof for client PUTs (nil when none came with the record).
// ctx bounds the on-chain payment verification retry.
func (v *Validator) ValidatePutRequest(ctx context.Context, k key.RecordKey, kind key.Kind, payload []byte, proof *payment.Proof, isClientPut bool) error {
	lock := v.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	wantKey, err := RecordKeyOf(kind, payload, v.decoder)
	if err != nil || wantKey != k {
		return errs.ErrRecordKeyMismatch
	}

	closest := v.closest(k)
	responsible := false
	for _, p := range closest {
		if p.Equal(v.selfPeer) {
			responsible = true
			break
		}
	}
	if !responsible {
		return errs.ErrNotResponsible
	}

	if isClientPut {
		err = v.validateClientPut(ctx, k, kind, payload, proof, closest)
	} else {
		err = v.validateReplicationPut(k, kind, payload)
	}
	if err != nil {
		return err
	}

	if v.fetchNotifier != nil {
		v.fetchNotifier.NotifyFetchCompleted(k)
	}
	return nil
}

// validateClientPut implements spec §4.7's client-PUT payment path.
func (v *Validator) validateClientPut(ctx context.Context, k key.RecordKey, kind key.Kind, payload []byte, proof *payment.Proof, closest []key.PeerID) error {
	if proof == nil {
		return errs.ErrNoPayment
	}
	if !proof.VerifyFor(v.selfPeer) {
		return errs.ErrPaymentNotMadeToUs
	}

	ownQuotes := proof.QuotesByPeer(v.selfPeer)
	for _, q := range ownQuotes {
		if q.DataType != kind {
			return errs.ErrPaymentWrongDataType
		}
	}

	if err := v.checkPayeeRange(k, proof, closest); err != nil {
		return err
	}

	allQuotes := proof.Quotes
	if err := payment.VerifyWithRetry(ctx, v.chainVerifier, allQuotes, v.cfg.RetryPaymentVerificationWait); err != nil {
		return errs.PaymentVerificationFailedErr(err)
	}

	if err := v.applyKindRules(k, kind, payload, true); err != nil {
		return err
	}
	return nil
}

// checkPayeeRange verifies every payee is either in our current close
// group or within network_density distance of the key (spec §4.7
// step 4). When the density is unknown (nil), payees outside the close
// group are accepted.
func (v *Validator) checkPayeeRange(k key.RecordKey, proof *payment.Proof, closest []key.PeerID) error {
	closeSet := make(map[key.PeerID]struct{}, len(closest))
	for _, p := range closest {
		closeSet[p] = struct{}{}
	}

	var outOfRange []key.PeerID
	for _, q := range proof.Quotes {
		if _, ok := closeSet[q.Payee]; ok {
			continue
		}
		outOfRange = append(outOfRange, q.Payee)
	}
	if len(outOfRange) == 0 {
		return nil
	}

	density := v.density()
	if density == nil {
		return nil
	}
	threshold := big.NewInt(int64(*density))
	var stillOut []key.PeerID
	for _, p := range outOfRange {
		d := key.KeyDistance(p, k)
		if d.Cmp(threshold) <= 0 {
			continue
		}
		stillOut = append(stillOut, p)
	}
	if len(stillOut) > 0 {
		names := make([]string, len(stillOut))
		for i, p := range stillOut {
			names[i] = p.String()
		}
		return errs.PaymentQuoteOutOfRangeErr(names)
	}
	return nil
}

// validateReplicationPut implements spec §4.7's replication-PUT path:
// chunks are idempotent, mutable kinds require pre-existing local
// presence (first-time placement requires payment).
func (v *Validator) validateReplicationPut(k key.RecordKey, kind key.Kind, payload []byte) error {
	if kind == key.KindChunk {
		if v.store.Contains(k) {
			return nil
		}
		return v.applyKindRules(k, kind, payload, false)
	}

	if !v.store.Contains(k) {
		return errs.ErrNoPayment
	}
	return v.applyKindRules(k, kind, payload, false)
}

func (v *Validator) applyKindRules(k key.RecordKey, kind key.Kind, payload []byte, isClientPut bool) error {
	switch kind {
	case key.KindChunk:
		return v.applyChunkRules(k, payload, isClientPut)
	case key.KindScratchpad:
		return v.applyScratchpadRules(k, payload, isClientPut)
	case key.KindPointer:
		return v.applyPointerRules(k, payload, isClientPut)
	case key.KindGraphEntry:
		return v.applyGraphEntryRules(k, payload, isClientPut)
	default:
		return errs.ErrInvalidRecord
	}
}

func (v *Validator) applyChunkRules(k key.RecordKey, payload []byte, isClientPut bool) error {
	if len(payload) > v.cfg.ChunkMaxSize {
		return errs.OversizedChunkErr(len(payload), v.cfg.ChunkMaxSize)
	}
	if v.store.Contains(k) {
		return nil
	}
	if v.verifier == nil || !v.verifier.VerifyChunk(payload) {
		return errs.ErrInvalidRecord
	}
	return v.store.Put(swarm.Record{Key: k, Kind: key.KindChunk, Payload: payload}, isClientPut)
}

func (v *Validator) applyScratchpadRules(k key.RecordKey, payload []byte, isClientPut bool) error {
	if v.decoder == nil {
		return errs.ErrInvalidRecord
	}
	meta, err := v.decoder.DecodeScratchpad(payload)
	if err != nil {
		return errs.ErrInvalidRecord
	}
	if meta.Size > v.cfg.ScratchpadMaxSize {
		return errs.ScratchpadTooBigErr(meta.Size, v.cfg.ScratchpadMaxSize)
	}
	if v.verifier == nil || !v.verifier.VerifyScratchpadSig(payload, meta.OwnerPubKey) {
		return errs.ErrInvalidScratchpadSig
	}

	if existing, ok := v.store.Get(k); ok {
		existingMeta, err := v.decoder.DecodeScratchpad(existing.Payload)
		if err == nil && existingMeta.Counter >= meta.Counter {
			return errs.ErrIgnoringOutdatedScratch
		}
	}
	return v.store.Put(swarm.Record{Key: k, Kind: key.KindScratchpad, Payload: payload}, isClientPut)
}

func (v *Validator) applyPointerRules(k key.RecordKey, payload []byte, isClientPut bool) error {
	if v.decoder == nil {
		return errs.ErrInvalidRecord
	}
	meta, err := v.decoder.DecodePointer(payload)
	if err != nil {
		return errs.ErrInvalidRecord
	}
	if v.verifier == nil || !v.verifier.VerifyPointerSig(payload, meta.PreviousOwnerPubKey) {
		return errs.ErrInvalidPointerSig
	}

	if existing, ok := v.store.Get(k); ok {
		existingMeta, err := v.decoder.DecodePointer(existing.Payload)
		if err == nil {
			if meta.Counter <= existingMeta.Counter {
				return errs.ErrInvalidRecord
			}
			if !bytes.Equal(meta.PreviousOwnerPubKey, existingMeta.PreviousOwnerPubKey) {
				return errs.ErrPointerPermissionDenied
			}
		}
	}
	return v.store.Put(swarm.Record{Key: k, Kind: key.KindPointer, Payload: payload}, isClientPut)
}

func (v *Validator) applyGraphEntryRules(k key.RecordKey, payload []byte, isClientPut bool) error {
	if v.decoder == nil {
		return errs.ErrInvalidRecord
	}
	incoming, err := v.decoder.DecodeGraphEntries(payload)
	if err != nil {
		return errs.ErrInvalidRecord
	}

	var filtered []GraphEntryMeta
	for _, e := range incoming {
		if e.Address != k {
			continue
		}
		if v.verifier == nil || !v.verifier.VerifyGraphEntrySig(e.Raw, e.OwnerPubKey) {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == 0 {
		return errs.ErrEmptyGraphEntry
	}

	var existing []GraphEntryMeta
	if rec, ok := v.store.Get(k); ok {
		existing, _ = v.decoder.DecodeGraphEntries(rec.Payload)
	}

	merged := mergeGraphEntries(existing, filtered)
	if graphEntriesEqual(merged, existing) {
		return nil
	}

	return v.store.Put(swarm.Record{Key: k, Kind: key.KindGraphEntry, Payload: v.decoder.EncodeGraphEntries(merged)}, isClientPut)
}

func mergeGraphEntries(existing, incoming []GraphEntryMeta) []GraphEntryMeta {
	seen := make(map[[32]byte]GraphEntryMeta)
	for _, e := range existing {
		seen[e.ContentHash] = e
	}
	for _, e := range incoming {
		seen[e.ContentHash] = e
	}
	out := make([]GraphEntryMeta, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ContentHash[:], out[j].ContentHash[:]) < 0
	})
	return out
}

func graphEntriesEqual(a, b []GraphEntryMeta) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ContentHash != b[i].ContentHash {
			return false
		}
	}
	return true
}

// RecordKeyOf derives the canonical key a record's payload must match,
// dispatching on kind the way spec §4.1 defines per-kind derivation.
// Chunk and GraphEntry are content-addressed directly off the
// payload; Scratchpad and Pointer are owner-addressed, so decoder
// extracts the owner public key the payload carries and the key is
// derived from that key plus the kind tag (internal/key.OwnerTaggedKey),
// never from the payload bytes themselves.
func RecordKeyOf(kind key.Kind, payload []byte, decoder MetaDecoder) (key.RecordKey, error) {
	switch kind {
	case key.KindChunk:
		return key.ChunkKey(payload), nil
	case key.KindGraphEntry:
		return key.GraphEntryKey(payload), nil
	case key.KindScratchpad:
		if decoder == nil {
			return key.RecordKey{}, errs.ErrInvalidRecord
		}
		meta, err := decoder.DecodeScratchpad(payload)
		if err != nil {
			return key.RecordKey{}, errs.ErrInvalidRecord
		}
		return key.OwnerTaggedKey(meta.OwnerPubKey, key.KindScratchpad), nil
	case key.KindPointer:
		if decoder == nil {
			return key.RecordKey{}, errs.ErrInvalidRecord
		}
		meta, err := decoder.DecodePointer(payload)
		if err != nil {
			return key.RecordKey{}, errs.ErrInvalidRecord
		}
		return key.OwnerTaggedKey(meta.PreviousOwnerPubKey, key.KindPointer), nil
	default:
		return key.RecordKey{}, errs.ErrInvalidRecord
	}
}

// Validate satisfies the swarm package's RecordValidator interface for
// records the driver accepts directly (already stripped of any
// payment proof by the wireproto layer, e.g. locally-originated PUTs
// and replication pulls). Client PUTs carrying a payment proof go
// through ValidatePutRequest directly so the proof is available.
func (v *Validator) Validate(r swarm.Record, isClientPut bool) error {
	return v.ValidatePutRequest(context.Background(), r.Key, r.Kind, r.Payload, nil, isClientPut)
}
