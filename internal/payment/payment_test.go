package payment

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/antswarm/swarmcore/internal/key"
)

func testPeer(t *testing.T) key.PeerID {
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

func TestProofVerifyFor(t *testing.T) {
	a, b := testPeer(t), testPeer(t)
	proof := Proof{Quotes: []Quote{{Payee: a, Amount: 10}}}

	if !proof.VerifyFor(a) {
		t.Errorf("expected VerifyFor to find the quoted payee")
	}
	if proof.VerifyFor(b) {
		t.Errorf("expected VerifyFor to reject a peer with no quote")
	}
}

func TestProofQuotesByPeer(t *testing.T) {
	a, b := testPeer(t), testPeer(t)
	proof := Proof{Quotes: []Quote{
		{Payee: a, Amount: 10, DataType: key.KindChunk},
		{Payee: b, Amount: 5, DataType: key.KindChunk},
		{Payee: a, Amount: 7, DataType: key.KindScratchpad},
	}}

	got := proof.QuotesByPeer(a)
	if len(got) != 2 {
		t.Fatalf("expected 2 quotes for peer a, got %d", len(got))
	}
	for _, q := range got {
		if !q.Payee.Equal(a) {
			t.Errorf("QuotesByPeer returned a quote for a different payee")
		}
	}
}

func TestVerifyWithRetrySucceedsOnFirstAttempt(t *testing.T) {
	v := NewFakeChainVerifier()
	var hash [32]byte
	hash[0] = 1
	v.Settle(hash, 10)

	quotes := []Quote{{Amount: 10, Hash: hash}}
	if err := VerifyWithRetry(context.Background(), v, quotes, time.Millisecond); err != nil {
		t.Fatalf("expected success on a settled quote, got %v", err)
	}
}

func TestVerifyWithRetryRecoversAfterOneFailure(t *testing.T) {
	v := NewFakeChainVerifier()
	var hash [32]byte
	hash[0] = 2
	v.Settle(hash, 10)
	v.FailN = 1

	quotes := []Quote{{Amount: 10, Hash: hash}}
	start := time.Now()
	if err := VerifyWithRetry(context.Background(), v, quotes, 10*time.Millisecond); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected VerifyWithRetry to wait before retrying")
	}
}

func TestVerifyWithRetryFailsAfterSecondAttempt(t *testing.T) {
	v := NewFakeChainVerifier()
	v.FailN = 2

	quotes := []Quote{{Amount: 10}}
	if err := VerifyWithRetry(context.Background(), v, quotes, time.Millisecond); err == nil {
		t.Fatalf("expected failure when both attempts fail")
	}
}

func TestVerifyWithRetryRespectsContextCancellation(t *testing.T) {
	v := NewFakeChainVerifier()
	v.FailN = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := VerifyWithRetry(ctx, v, nil, time.Second)
	if err == nil {
		t.Fatalf("expected a cancelled context to abort the retry wait")
	}
}
