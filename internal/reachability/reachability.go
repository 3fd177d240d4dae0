// Package reachability runs the startup workflow that classifies the
// local node's NAT posture before it enters normal swarm operation
// (spec §4.4). It is grounded on ant-networking's nat_detection.rs
// state machine and generalized from libp2p-swarm polling to a plain
// Go state machine driven by the caller.
package reachability

import (
	"net"
	"sort"
	"time"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("reachability")

// Verdict is the terminal classification of the local node's NAT
// posture (spec §4.4).
type Verdict struct {
	Kind         VerdictKind
	LocalAdapter net.Addr // set only when Kind == Reachable
	Retry        bool     // set only when Kind == Unreachable
}

type VerdictKind int

const (
	Upnp VerdictKind = iota
	Reachable
	Unreachable
)

// State names the reachability workflow's state machine states.
type State int

const (
	StateWaitingForUpnp State = iota
	StateWaitingForExternalAddr
	StateDone
)

// DialState tracks a single bootstrap peer's dial-back progress.
type DialState int

const (
	DialInitialAttempted DialState = iota
	DialInitialResponseReceived
	DialedBackAfterWait
)

type dialAttempt struct {
	state     DialState
	startedAt time.Time
	respondedAt time.Time
}

// Observation is one (ip, port) pair reported by an identify reply
// from a distinct peer, the unit the classifier reasons over.
type Observation struct {
	PeerID key.PeerID
	Addr   *net.TCPAddr
}

// Config exposes the workflow's tunables, which spec.md §9 flags as
// heuristics that should be configurable rather than hard-coded.
type Config struct {
	MinObservations   int           // default 3
	MaxWorkflowTries  int           // default 3
	MaxDialAttempts   int           // default 5
	DialBackDelay     time.Duration // evidence window before accepting a dial-back
	DialStuckAfter    time.Duration // default 30s
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinObservations:  3,
		MaxWorkflowTries: 3,
		MaxDialAttempts:  5,
		DialBackDelay:    2 * time.Second,
		DialStuckAfter:   30 * time.Second,
	}
}

// Workflow runs the reachability detector's state machine. It is not
// safe for concurrent use; the caller drives it from a single
// goroutine, matching the swarm driver's single-threaded event-loop
// discipline (spec §4.5, §5).
type Workflow struct {
	cfg Config

	state          State
	workflowAttempt int

	dialAttempts map[key.PeerID]*dialAttempt
	observations []Observation

	hasUpnp bool
}

// NewWorkflow starts the state machine in WaitingForUpnp.
func NewWorkflow(cfg Config) *Workflow {
	return &Workflow{
		cfg:            cfg,
		state:          StateWaitingForUpnp,
		workflowAttempt: 1,
		dialAttempts:   make(map[key.PeerID]*dialAttempt),
	}
}

// State returns the current state, primarily for tests and logging.
func (w *Workflow) State() State { return w.state }

// NotifyUpnpGatewayFound transitions WaitingForUpnp -> terminal Upnp
// verdict, the way a NewExternalAddr UPnP event terminates the
// workflow immediately (spec §4.4).
func (w *Workflow) NotifyUpnpGatewayFound() *Verdict {
	if w.state != StateWaitingForUpnp {
		return nil
	}
	w.hasUpnp = true
	w.state = StateDone
	log.Info("upnp gateway found, reachability verdict: Upnp")
	return &Verdict{Kind: Upnp}
}

// NotifyUpnpUnavailable transitions WaitingForUpnp ->
// WaitingForExternalAddr, mirroring GatewayNotFound / NonRoutableGateway.
func (w *Workflow) NotifyUpnpUnavailable() {
	if w.state != StateWaitingForUpnp {
		return
	}
	w.state = StateWaitingForExternalAddr
	log.Info("no upnp gateway, falling back to dial-back detection")
}

// BeginDialAttempt records that a dial to peer has been initiated. The
// caller is responsible for issuing at most MaxDialAttempts concurrent
// dials (spec §4.4).
func (w *Workflow) BeginDialAttempt(p key.PeerID, now time.Time) {
	w.dialAttempts[p] = &dialAttempt{state: DialInitialAttempted, startedAt: now}
}

// NotifyDialSucceeded records that the dial to p got an initial
// response. A later identify reply is only trusted as a real dial-back
// once DialBackDelay has elapsed since this call (defends against
// coincidental connections, spec §4.4).
func (w *Workflow) NotifyDialSucceeded(p key.PeerID, now time.Time) {
	a, ok := w.dialAttempts[p]
	if !ok {
		return
	}
	a.state = DialInitialResponseReceived
	a.respondedAt = now
}

// NotifyIdentifyObserved records an observed (ip, port) pair reported
// by peer p's identify reply. If p's dial hasn't cleared the
// dial-back delay yet, the observation is rejected (returns false)
// rather than accepted as evidence.
func (w *Workflow) NotifyIdentifyObserved(p key.PeerID, addr *net.TCPAddr, now time.Time) bool {
	a, ok := w.dialAttempts[p]
	if !ok {
		return false
	}
	switch a.state {
	case DialInitialResponseReceived:
		if now.Sub(a.respondedAt) < w.cfg.DialBackDelay {
			return false
		}
		a.state = DialedBackAfterWait
	case DialedBackAfterWait:
		// subsequent replies from an already-confirmed peer are fine
	default:
		return false
	}
	w.observations = append(w.observations, Observation{PeerID: p, Addr: addr})
	return true
}

// CleanupStuckAttempts drops dial attempts stuck in
// InitialDialAttempted for longer than DialStuckAfter (spec §4.4).
func (w *Workflow) CleanupStuckAttempts(now time.Time) {
	for p, a := range w.dialAttempts {
		if a.state == DialInitialAttempted && now.Sub(a.startedAt) > w.cfg.DialStuckAfter {
			delete(w.dialAttempts, p)
		}
	}
}

// DialingComplete reports whether every peer has either confirmed a
// dial-back or been cleaned up as stuck — no peer remains waiting.
func (w *Workflow) DialingComplete() bool {
	for _, a := range w.dialAttempts {
		if a.state != DialedBackAfterWait {
			return false
		}
	}
	return true
}

// ReadyToClassify reports whether at least 3 (MinObservations) distinct
// peers have reported an observed external address.
func (w *Workflow) ReadyToClassify() bool {
	distinct := make(map[key.PeerID]struct{})
	for _, o := range w.observations {
		distinct[o.PeerID] = struct{}{}
	}
	return len(distinct) >= w.cfg.MinObservations
}

// AdapterLookup resolves a connection's local adapter address,
// substituting a concrete adapter address observed on the same
// listener when the direct mapping is unspecified (spec §4.4).
type AdapterLookup func(external *net.TCPAddr) (net.Addr, bool)

// Classify runs the classification algorithm over the accumulated
// observations (spec §4.4, testable property 4: deterministic given
// the same multiset of (ip, port) tuples).
func (w *Workflow) Classify(lookup AdapterLookup) Verdict {
	distinct := make(map[key.PeerID]struct{})
	for _, o := range w.observations {
		distinct[o.PeerID] = struct{}{}
	}
	if len(distinct) < w.cfg.MinObservations {
		return Verdict{Kind: Unreachable, Retry: w.canRetryWorkflow()}
	}

	ports := make(map[int]struct{})
	ips := make(map[string]net.IP)
	for _, o := range w.observations {
		ports[o.Addr.Port] = struct{}{}
		ips[o.Addr.IP.String()] = o.Addr.IP
	}

	if len(ports) != 1 {
		// symmetric NAT: observed ports differ across peers.
		return Verdict{Kind: Unreachable, Retry: false}
	}
	var port int
	for p := range ports {
		port = p
	}
	if port == 0 {
		return Verdict{Kind: Unreachable, Retry: false}
	}

	chosen, ok := chooseObservedIP(ips)
	if !ok {
		return Verdict{Kind: Unreachable, Retry: false}
	}

	external := &net.TCPAddr{IP: chosen, Port: port}
	adapter, ok := lookup(external)
	if !ok {
		adapter = external
	}
	return Verdict{Kind: Reachable, LocalAdapter: adapter}
}

func (w *Workflow) canRetryWorkflow() bool {
	return w.workflowAttempt < w.cfg.MaxWorkflowTries
}

// BeginRetry advances to the next workflow attempt and clears
// per-attempt state, up to MaxWorkflowTries (spec §4.4).
func (w *Workflow) BeginRetry() bool {
	if !w.canRetryWorkflow() {
		return false
	}
	w.workflowAttempt++
	w.dialAttempts = make(map[key.PeerID]*dialAttempt)
	w.observations = nil
	w.state = StateWaitingForExternalAddr
	return true
}

// chooseObservedIP implements step 4-6 of the classification
// algorithm: prefer a single agreed IP, else loopback, else private,
// else public; unspecified/documentation/broadcast single IPs are
// Unreachable.
func chooseObservedIP(ips map[string]net.IP) (net.IP, bool) {
	if len(ips) == 1 {
		var only net.IP
		for _, ip := range ips {
			only = ip
		}
		if isUnroutableSingleton(only) {
			return nil, false
		}
		return only, true
	}

	var loopback, private, public []net.IP
	for _, ip := range ips {
		switch {
		case ip.IsLoopback():
			loopback = append(loopback, ip)
		case ip.IsPrivate():
			private = append(private, ip)
		case !ip.IsUnspecified() && !isDocumentationIP(ip) && !isBroadcastIP(ip):
			public = append(public, ip)
		}
	}
	if len(loopback) > 0 {
		return net.IPv4(127, 0, 0, 1), true
	}
	if len(private) > 0 {
		sortIPs(private)
		return private[0], true
	}
	if len(public) > 0 {
		sortIPs(public)
		return public[0], true
	}
	return nil, false
}

func isUnroutableSingleton(ip net.IP) bool {
	return ip.IsUnspecified() || isDocumentationIP(ip) || isBroadcastIP(ip)
}

func isBroadcastIP(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4.Equal(net.IPv4bcast)
}

var documentationNets = mustParseCIDRs(
	"192.0.2.0/24", "198.51.100.0/24", "203.0.113.0/24", "2001:db8::/32",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func isDocumentationIP(ip net.IP) bool {
	for _, n := range documentationNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func sortIPs(ips []net.IP) {
	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
}
