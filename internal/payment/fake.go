package payment

import (
	"context"
	"fmt"
	"sync"
)

// FakeChainVerifier is a deterministic in-memory ChainVerifier for
// tests: quotes are "settled" by calling Settle first, and
// VerifyPayment succeeds only for settled hashes.
type FakeChainVerifier struct {
	mu      sync.Mutex
	settled map[[32]byte]uint64
	FailN   int // next FailN calls to VerifyPayment fail unconditionally
}

// NewFakeChainVerifier returns an empty verifier; call Settle to
// record on-chain payments before exercising validation paths.
func NewFakeChainVerifier() *FakeChainVerifier {
	return &FakeChainVerifier{settled: make(map[[32]byte]uint64)}
}

// Settle records that hash paid at least amount, as if observed
// on-chain.
func (f *FakeChainVerifier) Settle(hash [32]byte, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[hash] = amount
}

// VerifyPayment implements ChainVerifier.
func (f *FakeChainVerifier) VerifyPayment(ctx context.Context, quotes []Quote) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailN > 0 {
		f.FailN--
		return fmt.Errorf("payment: simulated chain read failure")
	}

	for _, q := range quotes {
		got, ok := f.settled[q.Hash]
		if !ok || got < q.Amount {
			return fmt.Errorf("payment: quote %x not settled for at least %d", q.Hash, q.Amount)
		}
	}
	return nil
}
