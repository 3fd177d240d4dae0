// Package bootstrap implements the bootstrap pipeline: a stream of
// candidate peer addresses drained from four sources in strict
// priority order, with at-most-one fetch in flight across the two
// asynchronous sources (spec §4.3).
package bootstrap

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/antswarm/swarmcore/internal/config"
	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/maddr"
	"github.com/antswarm/swarmcore/pkg/errs"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("bootstrap")

// FetchKind names the two sources that fetch asynchronously and share
// the at-most-one-in-flight slot.
type FetchKind int

const (
	FetchCache FetchKind = iota
	FetchContacts
)

// CacheReader loads cached bootstrap addresses from disk (§6).
type CacheReader interface {
	Read(ctx context.Context) ([]maddr.NetworkAddress, error)
	// Clear removes all cached entries, used by the "first node" mode.
	Clear(ctx context.Context) error
}

// ContactsFetcher fetches newline-separated multi-address lists from
// one HTTPS endpoint (§6).
type ContactsFetcher interface {
	Fetch(ctx context.Context, endpoint string) ([]maddr.NetworkAddress, error)
}

// Pipeline drains bootstrap addresses from env, CLI, cache and
// contacts sources in strict priority order, enforcing at-most-one
// in-flight fetch across cache and contacts combined (spec §4.3).
type Pipeline struct {
	mu sync.Mutex

	cfg   config.Config
	cache CacheReader
	http  ContactsFetcher

	queue *list.List // of maddr.NetworkAddress, front = next to return

	knownPeers map[key.PeerID]struct{}

	cachePending      bool
	contactsRemaining []string // endpoints not yet fetched
	fetchInProgress   *FetchKind

	// results delivered by background fetch goroutines
	resultsCh chan fetchResult
}

type fetchResult struct {
	kind  FetchKind
	addrs []maddr.NetworkAddress
}

// NewPipeline builds a Pipeline and seeds its queue from the
// synchronous sources (env var, then CLI addresses), in priority
// order. The asynchronous sources (cache, contacts) are left pending
// until NextAddress first needs them.
//
// If cfg.FirstNode is set, all sources are skipped and the on-disk
// cache is cleared asynchronously (spec §4.3).
func NewPipeline(cfg config.Config, cache CacheReader, http ContactsFetcher) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		cache:      cache,
		http:       http,
		queue:      list.New(),
		knownPeers: make(map[key.PeerID]struct{}),
		resultsCh:  make(chan fetchResult, 4),
	}

	if cfg.FirstNode {
		log.Info("first node: skipping all bootstrap sources")
		go func() {
			if err := cache.Clear(context.Background()); err != nil {
				log.Warnf("failed to clear bootstrap cache: %v", err)
			}
		}()
		return p
	}

	for _, s := range fetchFromEnv(cfg.BootstrapEnvVar) {
		p.pushAddr(s)
	}
	for _, s := range cfg.CLIBootstrapAddrs {
		if a, err := maddr.ParseMultiAddress(s); err == nil {
			p.pushAddr(a)
		}
	}

	p.cachePending = true
	p.contactsRemaining = append([]string(nil), cfg.ContactsEndpoints...)

	return p
}

func fetchFromEnv(name string) []maddr.NetworkAddress {
	if name == "" {
		return nil
	}
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []maddr.NetworkAddress
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		a, err := maddr.ParseMultiAddress(s)
		if err != nil {
			log.Warnf("skipping unparseable env bootstrap address %q: %v", s, err)
			continue
		}
		out = append(out, a)
	}
	return out
}

func (p *Pipeline) pushAddr(a maddr.NetworkAddress) {
	p.queue.PushBack(a)
	if _, id, ok := maddr.PopPeerIDSuffix(a); ok {
		p.knownPeers[key.FromLibp2p(id)] = struct{}{}
	}
}

// IsKnownBootstrapPeer reports whether peer's address was supplied by
// the bootstrap pipeline, distinguishing bootstrap-provided peers from
// discovered ones (spec §4.3 state invariants).
func (p *Pipeline) IsKnownBootstrapPeer(id key.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.knownPeers[id]
	return ok
}

// NextAddress returns the next queued address, or nil with no error if
// a source is currently being fetched (retry later), or
// ErrNoBootstrapPeersFound if every source has been exhausted and the
// queue is empty (spec §4.3 contract).
func (p *Pipeline) NextAddress(ctx context.Context) (*maddr.NetworkAddress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		p.drainResults()

		if e := p.queue.Front(); e != nil {
			p.queue.Remove(e)
			a := e.Value.(maddr.NetworkAddress)
			log.Infof("returning next bootstrap address: %s", a)
			return &a, nil
		}

		if p.fetchInProgress != nil {
			return nil, nil
		}

		if p.cachePending {
			p.startCacheFetch(ctx)
			continue
		}

		if len(p.contactsRemaining) > 0 {
			p.startContactsFetch(ctx)
			return nil, nil
		}

		log.Warn("no more bootstrap sources and queue is empty")
		return nil, errs.ErrNoBootstrapPeersFound
	}
}

func (p *Pipeline) drainResults() {
	for {
		select {
		case r := <-p.resultsCh:
			for _, a := range r.addrs {
				p.pushAddr(a)
			}
			p.fetchInProgress = nil
		default:
			return
		}
	}
}

func (p *Pipeline) startCacheFetch(ctx context.Context) {
	kind := FetchCache
	p.fetchInProgress = &kind
	p.cachePending = false
	go func() {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.BootstrapFetchTimeout)
		defer cancel()
		addrs, err := p.cache.Read(fctx)
		if err != nil {
			log.Warnf("bootstrap cache read failed: %v", err)
			addrs = nil
		}
		p.resultsCh <- fetchResult{kind: FetchCache, addrs: addrs}
	}()
}

func (p *Pipeline) startContactsFetch(ctx context.Context) {
	endpoint := p.contactsRemaining[0]
	p.contactsRemaining = p.contactsRemaining[1:]
	kind := FetchContacts
	p.fetchInProgress = &kind
	go func() {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.BootstrapFetchTimeout)
		defer cancel()
		addrs, err := p.http.Fetch(fctx, endpoint)
		if err != nil {
			log.Warnf("contacts endpoint %s failed: %v", endpoint, err)
			addrs = nil
		}
		p.resultsCh <- fetchResult{kind: FetchContacts, addrs: addrs}
	}()
}

// NewWithPreloadedAddrs blocks, synchronously draining NextAddress,
// until at least cfg.PreloadMinAddrs addresses are queued or
// cfg.PreloadOverallTimeout elapses. It succeeds with whatever it has
// collected if at least one address arrived, else fails (spec §4.3).
func NewWithPreloadedAddrs(cfg config.Config, cache CacheReader, http ContactsFetcher) (*Pipeline, []maddr.NetworkAddress, error) {
	p := NewPipeline(cfg, cache, http)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PreloadOverallTimeout)
	defer cancel()

	var collected []maddr.NetworkAddress
	for len(collected) < cfg.PreloadMinAddrs {
		select {
		case <-ctx.Done():
			goto done
		default:
		}
		a, err := p.NextAddress(ctx)
		if err != nil {
			break
		}
		if a == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		collected = append(collected, *a)
	}

done:
	if len(collected) == 0 {
		return nil, nil, fmt.Errorf("bootstrap: preload collected no addresses within %s", cfg.PreloadOverallTimeout)
	}
	// requeue what was preloaded so callers of NextAddress still see it.
	for i := len(collected) - 1; i >= 0; i-- {
		p.queue.PushFront(collected[i])
	}
	return p, collected, nil
}

// DialErrorCategory classifies an outgoing-connection failure for the
// dial-error policy (spec §4.3).
type DialErrorCategory int

const (
	DialErrLocalPeerID DialErrorCategory = iota
	DialErrNoAddresses
	DialErrAlreadyDialing
	DialErrOther
)

// HandleDialError applies the dial-error policy: local-peer-id and
// already-dialing drop silently, no-addresses logs at info level, and
// everything else logs at error level. It never signals a bootstrap
// failure for a single dial error (spec §4.3).
func HandleDialError(cat DialErrorCategory, addr maddr.NetworkAddress, err error) {
	switch cat {
	case DialErrLocalPeerID:
		return
	case DialErrNoAddresses:
		log.Infof("no addresses to dial for %s", addr)
	case DialErrAlreadyDialing:
		return
	default:
		log.Errorf("dial to %s failed: %v", addr, err)
	}
}

// Trigger drives dial initiation until either contactedPeerCount
// reaches maxContacted or all sources are exhausted (spec §4.3). dial
// is called once per address returned by NextAddress; it returns true
// if a dial was actually initiated.
func Trigger(ctx context.Context, p *Pipeline, maxConcurrentDials, maxContacted int, contactedPeerCount func() int, dial func(maddr.NetworkAddress) bool) (done bool) {
	ongoing := 0
	for ongoing < maxConcurrentDials {
		if contactedPeerCount() >= maxContacted {
			return true
		}
		a, err := p.NextAddress(ctx)
		if err != nil {
			return true
		}
		if a == nil {
			return false
		}
		if dial(*a) {
			ongoing++
		}
	}
	return false
}
