package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/antswarm/swarmcore/internal/config"
	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/maddr"
	"github.com/antswarm/swarmcore/pkg/errs"
)

func testPeerIDForBootstrap(t *testing.T) key.PeerID {
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

type fakeCache struct {
	addrs   []maddr.NetworkAddress
	err     error
	delay   time.Duration
	cleared bool
}

func (f *fakeCache) Read(ctx context.Context) ([]maddr.NetworkAddress, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.addrs, f.err
}

func (f *fakeCache) Clear(ctx context.Context) error {
	f.cleared = true
	return nil
}

type fakeContacts struct {
	byEndpoint map[string][]maddr.NetworkAddress
	calls      []string
}

func (f *fakeContacts) Fetch(ctx context.Context, endpoint string) ([]maddr.NetworkAddress, error) {
	f.calls = append(f.calls, endpoint)
	return f.byEndpoint[endpoint], nil
}

func mustAddr(t *testing.T, s string) maddr.NetworkAddress {
	t.Helper()
	a, err := maddr.ParseMultiAddress(s)
	if err != nil {
		t.Fatalf("ParseMultiAddress(%q): %v", s, err)
	}
	return a
}

func waitForAddress(t *testing.T, p *Pipeline) maddr.NetworkAddress {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := p.NextAddress(context.Background())
		if err != nil {
			t.Fatalf("NextAddress: %v", err)
		}
		if a != nil {
			return *a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a bootstrap address")
	return maddr.NetworkAddress{}
}

func TestNextAddressPrefersCLIOverCache(t *testing.T) {
	cfg := config.Default()
	cfg.CLIBootstrapAddrs = []string{"/ip4/1.2.3.4/tcp/4001"}

	cache := &fakeCache{addrs: []maddr.NetworkAddress{mustAddr(t, "/ip4/5.6.7.8/tcp/4001")}}
	contacts := &fakeContacts{}

	p := NewPipeline(cfg, cache, contacts)
	first := waitForAddress(t, p)
	if first.String() != "/ip4/1.2.3.4/tcp/4001" {
		t.Fatalf("expected the CLI address first, got %s", first.String())
	}
}

func TestNextAddressFallsBackToCache(t *testing.T) {
	cfg := config.Default()
	cache := &fakeCache{addrs: []maddr.NetworkAddress{mustAddr(t, "/ip4/5.6.7.8/tcp/4001")}}
	contacts := &fakeContacts{}

	p := NewPipeline(cfg, cache, contacts)
	got := waitForAddress(t, p)
	if got.String() != "/ip4/5.6.7.8/tcp/4001" {
		t.Fatalf("expected the cached address, got %s", got.String())
	}
}

func TestNextAddressFallsBackToContactsWhenCacheEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.ContactsEndpoints = []string{"https://contacts.example/peers"}
	cache := &fakeCache{}
	contacts := &fakeContacts{byEndpoint: map[string][]maddr.NetworkAddress{
		"https://contacts.example/peers": {mustAddr(t, "/ip4/9.9.9.9/tcp/4001")},
	}}

	p := NewPipeline(cfg, cache, contacts)
	got := waitForAddress(t, p)
	if got.String() != "/ip4/9.9.9.9/tcp/4001" {
		t.Fatalf("expected the contacts-endpoint address, got %s", got.String())
	}
}

func TestNextAddressExhaustedReturnsErr(t *testing.T) {
	cfg := config.Default()
	cache := &fakeCache{}
	contacts := &fakeContacts{}

	p := NewPipeline(cfg, cache, contacts)
	deadline := time.Now().Add(2 * time.Second)
	for {
		a, err := p.NextAddress(context.Background())
		if err != nil {
			if err != errs.ErrNoBootstrapPeersFound {
				t.Fatalf("expected ErrNoBootstrapPeersFound, got %v", err)
			}
			return
		}
		if a != nil {
			t.Fatalf("did not expect any address, got %s", a.String())
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for source exhaustion")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFirstNodeClearsCacheAndSkipsSources(t *testing.T) {
	cfg := config.Default()
	cfg.FirstNode = true
	cache := &fakeCache{}
	contacts := &fakeContacts{}

	p := NewPipeline(cfg, cache, contacts)
	_, err := p.NextAddress(context.Background())
	if err != errs.ErrNoBootstrapPeersFound {
		t.Fatalf("expected first-node mode to skip straight to exhaustion, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !cache.cleared && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !cache.cleared {
		t.Fatalf("expected the bootstrap cache to be cleared in first-node mode")
	}
}

func TestIsKnownBootstrapPeer(t *testing.T) {
	cfg := config.Default()
	id := testPeerIDForBootstrap(t)
	cfg.CLIBootstrapAddrs = []string{"/ip4/1.2.3.4/tcp/4001/p2p/" + id.String()}

	p := NewPipeline(cfg, &fakeCache{}, &fakeContacts{})
	if !p.IsKnownBootstrapPeer(id) {
		t.Fatalf("expected the CLI-supplied peer to be known")
	}
}

func TestHandleDialErrorDoesNotPanic(t *testing.T) {
	addr := mustAddr(t, "/ip4/1.2.3.4/tcp/4001")
	for _, cat := range []DialErrorCategory{DialErrLocalPeerID, DialErrNoAddresses, DialErrAlreadyDialing, DialErrOther} {
		HandleDialError(cat, addr, nil)
	}
}

func TestTriggerStopsAtMaxContacted(t *testing.T) {
	cfg := config.Default()
	cfg.CLIBootstrapAddrs = []string{"/ip4/1.2.3.4/tcp/4001", "/ip4/5.6.7.8/tcp/4001"}
	p := NewPipeline(cfg, &fakeCache{}, &fakeContacts{})

	contacted := 0
	done := Trigger(context.Background(), p, 10, 0, func() int { return contacted }, func(a maddr.NetworkAddress) bool {
		contacted++
		return true
	})
	if !done {
		t.Fatalf("expected Trigger to report done once maxContacted (0) is already reached")
	}
}

func TestTriggerDialsQueuedAddresses(t *testing.T) {
	cfg := config.Default()
	cfg.CLIBootstrapAddrs = []string{"/ip4/1.2.3.4/tcp/4001"}
	p := NewPipeline(cfg, &fakeCache{}, &fakeContacts{})

	contacted := 0
	var dialed []string
	Trigger(context.Background(), p, 10, 5, func() int { return contacted }, func(a maddr.NetworkAddress) bool {
		dialed = append(dialed, a.String())
		contacted++
		return true
	})
	if len(dialed) != 1 || dialed[0] != "/ip4/1.2.3.4/tcp/4001" {
		t.Fatalf("expected exactly the queued CLI address to be dialed, got %v", dialed)
	}
}
