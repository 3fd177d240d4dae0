// Package replication implements the replication fetcher: it learns
// which record keys this node should hold from the swarm driver's
// close-group notifications and pulls them from candidate holders
// with bounded concurrency and backoff (spec §4.6).
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("replication")

// ValidationType names how a fetched payload should be checked once
// retrieved (spec §4.6): content-hash equality for chunks, or a
// specific expected hash for every other kind.
type ValidationType struct {
	IsChunk      bool
	ExpectedHash [32]byte
}

type fetchState struct {
	key        key.RecordKey
	candidates []key.PeerID
	validation ValidationType
	attempts   int
	nextTry    time.Time
}

// Fetcher implements the bounded-concurrency pull described in spec
// §4.6, with NotifyFetchCompleted preventing double-fetch when a
// record arrives concurrently via a direct PUT.
type Fetcher struct {
	mu sync.Mutex

	pending  map[key.RecordKey]*fetchState
	inFlight map[key.RecordKey]struct{}

	maxConcurrent int
	backoffStart  time.Duration
	backoffCap    time.Duration

	fetchOne func(ctx context.Context, k key.RecordKey, candidates []key.PeerID, v ValidationType) error

	sem chan struct{}
}

// New builds a Fetcher. fetchOne performs one fetch attempt against
// candidates and validates the result according to v; it is a seam so
// the retry/backoff policy is testable without a real network.
func New(maxConcurrent int, backoffStart, backoffCap time.Duration,
	fetchOne func(ctx context.Context, k key.RecordKey, candidates []key.PeerID, v ValidationType) error) *Fetcher {
	return &Fetcher{
		pending:       make(map[key.RecordKey]*fetchState),
		inFlight:      make(map[key.RecordKey]struct{}),
		maxConcurrent: maxConcurrent,
		backoffStart:  backoffStart,
		backoffCap:    backoffCap,
		fetchOne:      fetchOne,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// RequestFetch enqueues key for fetching from candidates, a no-op if
// the key is already pending or in flight. Completed keys are not
// remembered, so a key requested after NotifyFetchCompleted is queued
// again.
func (f *Fetcher) RequestFetch(k key.RecordKey, candidates []key.PeerID, v ValidationType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inFlight[k]; ok {
		return
	}
	if _, ok := f.pending[k]; ok {
		return
	}
	f.pending[k] = &fetchState{key: k, candidates: candidates, validation: v}
}

// NotifyFetchCompleted is called by the validator once a key's record
// lands locally by any path, cancelling any pending or in-flight fetch
// for it (spec §4.6).
func (f *Fetcher) NotifyFetchCompleted(k key.RecordKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, k)
	delete(f.inFlight, k)
}

// Run drains pending fetches onto the bounded worker pool until ctx is
// cancelled.
func (f *Fetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.drainReady(ctx)
		}
	}
}

func (f *Fetcher) drainReady(ctx context.Context) {
	now := time.Now()

	f.mu.Lock()
	var ready []*fetchState
	for k, st := range f.pending {
		if _, busy := f.inFlight[k]; busy {
			continue
		}
		if st.nextTry.After(now) {
			continue
		}
		ready = append(ready, st)
	}
	for _, st := range ready {
		f.inFlight[st.key] = struct{}{}
		delete(f.pending, st.key)
	}
	f.mu.Unlock()

	for _, st := range ready {
		st := st
		select {
		case f.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-f.sem }()
			f.attempt(ctx, st)
		}()
	}
}

func (f *Fetcher) attempt(ctx context.Context, st *fetchState) {
	err := f.fetchOne(ctx, st.key, st.candidates, st.validation)

	f.mu.Lock()
	defer f.mu.Unlock()

	_, stillInFlight := f.inFlight[st.key]
	delete(f.inFlight, st.key)
	if err == nil || !stillInFlight {
		return
	}

	st.attempts++
	backoff := f.backoffStart << uint(st.attempts-1)
	if backoff > f.backoffCap || backoff <= 0 {
		backoff = f.backoffCap
	}
	st.nextTry = time.Now().Add(backoff)
	log.Warnf("fetch of %s failed (attempt %d), retrying in %s: %v", st.key, st.attempts, backoff, err)
	f.pending[st.key] = st
}

// PendingCount reports how many keys are queued, primarily for tests.
func (f *Fetcher) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
