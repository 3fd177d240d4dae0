// Package payment defines the proof-of-payment abstraction the record
// validator checks before accepting a client PUT (spec §4.7). Grounded
// on ant-node/src/put_validation.rs's use of ProofOfPayment and
// verify_data_payment.
package payment

import (
	"context"
	"time"

	"github.com/antswarm/swarmcore/internal/key"
)

// Quote is one payee's commitment within a proof of payment: the
// amount owed to a specific peer for storing a specific record.
type Quote struct {
	Payee     key.PeerID
	Amount    uint64
	DataType  key.Kind
	Hash      [32]byte
}

// Proof is the payment evidence embedded alongside a client-PUT
// payload, deserialized as (Proof, payload) (spec §4.7 step 1).
type Proof struct {
	Quotes []Quote
}

// VerifyFor reports whether any quote in the proof credits peer,
// mirroring ProofOfPayment::verify_for in the original implementation.
func (p Proof) VerifyFor(peer key.PeerID) bool {
	for _, q := range p.Quotes {
		if q.Payee.Equal(peer) {
			return true
		}
	}
	return false
}

// QuotesByPeer returns every quote in the proof naming peer.
func (p Proof) QuotesByPeer(peer key.PeerID) []Quote {
	var out []Quote
	for _, q := range p.Quotes {
		if q.Payee.Equal(peer) {
			out = append(out, q)
		}
	}
	return out
}

// ChainVerifier checks that the quotes named in a proof actually
// settled on-chain, reaching at least the minimum amount each quote
// commits to (spec §4.7 step 5).
type ChainVerifier interface {
	VerifyPayment(ctx context.Context, quotes []Quote) error
}

// VerifyWithRetry calls verifier.VerifyPayment, retrying exactly once
// after wait if the first attempt fails, tolerating chain read-state
// skew (spec §4.7 step 5, RETRY_PAYMENT_VERIFICATION_WAIT_TIME_SECS).
func VerifyWithRetry(ctx context.Context, verifier ChainVerifier, quotes []Quote, wait time.Duration) error {
	if err := verifier.VerifyPayment(ctx, quotes); err == nil {
		return nil
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}
	return verifier.VerifyPayment(ctx, quotes)
}
