package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/antswarm/swarmcore/internal/config"
	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/maddr"
	"github.com/antswarm/swarmcore/internal/natutil"
	"github.com/antswarm/swarmcore/pkg/errs"
)

// RecordStore is the subset of internal/store's interface the driver
// needs to serve GetLocalRecord / PutLocalRecord without importing
// the storage package's full surface (spec §4.5, §4.8).
type RecordStore interface {
	Get(k key.RecordKey) (*Record, bool)
	Put(r Record, isClientPut bool) error
}

// RecordValidator is the subset of internal/validation's interface
// the driver needs before accepting a PutRecordOnNetwork locally
// (spec §4.7).
type RecordValidator interface {
	Validate(r Record, isClientPut bool) error
}

// Notifier receives routing-table change notifications the
// replication fetcher and reachability detector subscribe to.
type Notifier interface {
	NotifyCloseGroupChanged(group []key.PeerID)
}

// protocolIDFmt formats the libp2p stream protocol carrying framed
// request/response RPCs (spec §4.5 wire interface).
const protocolIDFmt = "/%s/req/1.0.0"

// peerAnnounceTopicFmt is the gossipsub topic peers publish their own
// listen addresses to, supplementing mDNS discovery across networks
// mDNS can't reach (spec §4.2 bootstrap/discovery).
const peerAnnounceTopicFmt = "/%s/peer-announce/1.0.0"

// Driver owns the routing table and every in-flight query; all
// mutation of routing state happens on its single goroutine. External
// callers interact exclusively through SubmitCommand (spec §4.5).
//
// Adapted from the teacher's Node in core/network.go: same
// host/pubsub/mDNS wiring, generalized from a blockchain gossip node
// to a Kademlia query-serving swarm member.
type Driver struct {
	cfg           config.Config
	host          host.Host
	pubsub        *pubsub.PubSub
	announceTopic *pubsub.Topic
	nat           *natutil.Manager
	local         key.PeerID

	table *RoutingTableFacade

	store     RecordStore
	validator RecordValidator
	notifier  Notifier

	commands chan Command
	events   chan Event

	workerPool chan struct{} // bounded concurrency for dispatched work

	queries   map[uint64]*queryState
	queriesMu sync.Mutex
	nextQID   uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// RoutingTableFacade is an alias kept for readability at call sites;
// Table already satisfies every method Driver needs.
type RoutingTableFacade = Table

// NewDriver constructs a host, joins gossipsub, and wires mDNS
// discovery, mirroring the teacher's NewNode. The returned Driver is
// inert until Run is called.
func NewDriver(cfg config.Config, local key.PeerID, store RecordStore, validator RecordValidator, notifier Notifier) (*Driver, error) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := []libp2p.Option{}
	for _, a := range cfg.ListenAddrs {
		opts = append(opts, libp2p.ListenAddrStrings(a))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("swarm: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("swarm: create pubsub: %w", err)
	}

	topic, err := ps.Join(fmt.Sprintf(peerAnnounceTopicFmt, cfg.NetworkID))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("swarm: join peer-announce topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("swarm: subscribe peer-announce topic: %w", err)
	}

	d := &Driver{
		cfg:           cfg,
		host:          h,
		pubsub:        ps,
		announceTopic: topic,
		local:         local,
		table:         NewTable(local, cfg.BucketSize),
		store:         store,
		validator:     validator,
		notifier:      notifier,
		commands:      make(chan Command, cfg.EventChannelCapacity),
		events:        make(chan Event, cfg.EventChannelCapacity),
		workerPool:    make(chan struct{}, 64),
		queries:       make(map[uint64]*queryState),
		ctx:           ctx,
		cancel:        cancel,
	}

	if natMgr, err := natutil.NewManager(); err == nil {
		d.nat = natMgr
	} else {
		log.Warnf("nat discovery failed: %v", err)
	}

	h.SetStreamHandler(protocol.ID(fmt.Sprintf(protocolIDFmt, cfg.NetworkID)), d.handleStream)

	if _, err := mdns.NewMdnsService(h, cfg.NetworkID, mdnsNotifee{d: d}); err != nil {
		log.Warnf("mdns discovery unavailable: %v", err)
	}

	go d.consumeAnnouncements(sub)

	return d, nil
}

// consumeAnnouncements feeds gossiped peer-announce messages into the
// event loop as connection events, the same path mDNS discovery uses,
// so a gossiped peer is still gated by maybeInsertPeer's
// global-address check before it enters the routing table (spec
// §4.5).
func (d *Driver) consumeAnnouncements(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(d.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == d.host.ID() {
			continue
		}
		addrs := strings.Split(string(msg.Data), ",")
		select {
		case d.events <- Event{Kind: EventPeerConnected, Peer: key.FromLibp2p(msg.GetFrom()), Addrs: addrs}:
		default:
			log.Warnf("event channel full, dropping peer announce from %s", msg.GetFrom())
		}
	}
}

// announceSelf publishes this node's own listen addresses on the
// peer-announce topic, run periodically alongside bucket refresh
// (spec §4.2, §4.5).
func (d *Driver) announceSelf() {
	if d.announceTopic == nil {
		return
	}
	addrs := addrStrings(peer.AddrInfo{ID: d.host.ID(), Addrs: d.host.Addrs()})
	if len(addrs) == 0 {
		return
	}
	if err := d.announceTopic.Publish(d.ctx, []byte(strings.Join(addrs, ","))); err != nil {
		log.Warnf("peer announce publish failed: %v", err)
	}
}

type mdnsNotifee struct{ d *Driver }

func (n mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.d.host.ID() {
		return
	}
	select {
	case n.d.events <- Event{Kind: EventPeerConnected, Peer: key.FromLibp2p(info.ID), Addrs: addrStrings(info)}:
	default:
		log.Warnf("event channel full, dropping mdns discovery of %s", info.ID)
	}
	if err := n.d.host.Connect(n.d.ctx, info); err != nil {
		log.Warnf("mdns connect to %s failed: %v", info.ID, err)
	}
}

func addrStrings(info peer.AddrInfo) []string {
	out := make([]string, len(info.Addrs))
	for i, a := range info.Addrs {
		out[i] = a.String()
	}
	return out
}

// SubmitCommand enqueues cmd and blocks until its Reply is delivered.
// cmd.Reply is created here if the caller left it nil.
func (d *Driver) SubmitCommand(cmd Command) Result {
	if cmd.Reply == nil {
		cmd.Reply = make(chan Result, 1)
	}
	select {
	case d.commands <- cmd:
	case <-d.ctx.Done():
		return Result{Err: fmt.Errorf("swarm: driver shut down")}
	}
	select {
	case r := <-cmd.Reply:
		return r
	case <-d.ctx.Done():
		return Result{Err: fmt.Errorf("swarm: driver shut down")}
	}
}

// Run is the single-threaded event loop: each iteration processes
// exactly one event, selecting fairly over transport events, the
// command queue, and the refresh timer (spec §4.5).
func (d *Driver) Run() {
	refresh := time.NewTicker(d.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.events:
			d.handleEvent(ev)
		case cmd := <-d.commands:
			d.handleCommand(cmd)
		case <-refresh.C:
			d.refreshBuckets()
		}
	}
}

// Close shuts down the host and background tasks.
func (d *Driver) Close() error {
	d.cancel()
	if d.nat != nil {
		_ = d.nat.Unmap()
	}
	return d.host.Close()
}

func (d *Driver) handleEvent(ev Event) {
	switch ev.Kind {
	case EventPeerConnected, EventIdentifyReceived:
		d.maybeInsertPeer(ev)
	case EventPeerDisconnected:
		d.table.Remove(ev.Peer)
		d.notifyCloseGroup()
	case EventDialFailure:
		d.handleDialFailure(ev)
	case EventInboundRequest:
		d.dispatchWork(func() { d.serveRequest(ev) })
	case EventQueryTimeout:
		d.failQuery(ev.QueryID, errs.ErrQueryTimeout)
	}
}

// maybeInsertPeer checks the agent-version prefix of an
// EventIdentifyReceived; an EventPeerConnected (mDNS or peer-announce
// discovery) carries no agent version and is inserted without that
// check. Both kinds need at least one globally routable advertised
// address unless local-mode is set (spec §4.5).
func (d *Driver) maybeInsertPeer(ev Event) {
	if ev.Kind == EventIdentifyReceived {
		if !strings.HasPrefix(ev.AgentVersion, d.cfg.ProtocolVersion) {
			log.Debugf("rejecting peer %s: agent version %q does not match", ev.Peer, ev.AgentVersion)
			return
		}
	}

	if !d.cfg.LocalMode {
		anyGlobal := false
		for _, s := range ev.Addrs {
			a, err := maddr.ParseMultiAddress(s)
			if err != nil {
				continue
			}
			if maddr.IsGlobal(a) {
				anyGlobal = true
				break
			}
		}
		if !anyGlobal {
			log.Debugf("rejecting peer %s: no globally routable address", ev.Peer)
			return
		}
	}

	if d.table.Insert(ev.Peer, ev.Addrs) {
		d.notifyCloseGroup()
	}
}

func (d *Driver) handleDialFailure(ev Event) {
	d.table.RecordDialFailure(ev.Peer)
}

func (d *Driver) notifyCloseGroup() {
	if d.notifier == nil {
		return
	}
	d.notifier.NotifyCloseGroupChanged(d.table.CloseGroup())
}

// refreshBuckets issues a find-node for a random key in each non-full
// bucket, the routing table's periodic maintenance (spec §4.5).
func (d *Driver) refreshBuckets() {
	d.table.mu.RLock()
	var nonFull []int
	for i, b := range d.table.buckets {
		if b.len() < d.table.bucketSize {
			nonFull = append(nonFull, i)
		}
	}
	d.table.mu.RUnlock()
	for _, i := range nonFull {
		target := d.table.RandomKeyInBucket(i)
		d.dispatchWork(func() {
			d.startQuery(target, nil)
		})
	}
	d.announceSelf()
}

// dispatchWork runs fn on the bounded worker pool so the event loop
// does not wait on it (spec §4.5). When the pool is saturated, fn runs
// inline on the caller's goroutine.
func (d *Driver) dispatchWork(fn func()) {
	select {
	case d.workerPool <- struct{}{}:
		go func() {
			defer func() { <-d.workerPool }()
			fn()
		}()
	default:
		log.Warnf("worker pool saturated, running inline")
		fn()
	}
}

func (d *Driver) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CmdStartListening:
		d.cmdStartListening(cmd)
	case CmdDial:
		d.cmdDial(cmd)
	case CmdGetClosestPeers:
		cmd.Reply <- Result{Peers: d.table.ClosestPeers(cmd.TargetKey, d.cfg.BucketSize)}
	case CmdGetLocalRecord:
		d.cmdGetLocalRecord(cmd)
	case CmdPutLocalRecord:
		d.cmdPutLocalRecord(cmd)
	case CmdPutRecordOnNetwork:
		d.dispatchWork(func() { d.putRecordOnNetwork(cmd) })
	case CmdSendRequest:
		d.dispatchWork(func() { d.sendRequest(cmd) })
	case CmdGetNetworkRecord:
		d.dispatchWork(func() { d.getNetworkRecord(cmd) })
	}
}

func (d *Driver) cmdStartListening(cmd Command) {
	if err := d.host.Network().Listen(cmd.Addr.Multiaddr()); err != nil {
		cmd.Reply <- Result{Err: fmt.Errorf("swarm: listen %s: %w", cmd.Addr, err)}
		return
	}
	cmd.Reply <- Result{}
}

func (d *Driver) cmdDial(cmd Command) {
	_, id, ok := maddr.PopPeerIDSuffix(cmd.Addr)
	if !ok {
		cmd.Reply <- Result{Err: fmt.Errorf("swarm: dial address %s has no peer id suffix", cmd.Addr)}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
		defer cancel()
		pi, err := peer.AddrInfoFromString(cmd.Addr.String())
		if err != nil {
			cmd.Reply <- Result{Err: err}
			return
		}
		if err := d.host.Connect(ctx, *pi); err != nil {
			select {
			case d.events <- Event{Kind: EventDialFailure, Peer: key.FromLibp2p(id), DialErr: err}:
			default:
			}
			cmd.Reply <- Result{Err: err}
			return
		}
		cmd.Reply <- Result{}
	}()
}

func (d *Driver) cmdGetLocalRecord(cmd Command) {
	r, ok := d.store.Get(cmd.RecordKey)
	if !ok {
		cmd.Reply <- Result{Err: errs.ErrRecordNotFound}
		return
	}
	cmd.Reply <- Result{Record: r}
}

func (d *Driver) cmdPutLocalRecord(cmd Command) {
	if d.validator != nil {
		if err := d.validator.Validate(cmd.Record, cmd.IsClientPut); err != nil {
			cmd.Reply <- Result{Err: err}
			return
		}
	}
	if err := d.store.Put(cmd.Record, cmd.IsClientPut); err != nil {
		cmd.Reply <- Result{Err: err}
		return
	}
	cmd.Reply <- Result{}
}

func (d *Driver) serveRequest(ev Event) {
	// Real request handling dispatches on the framed wire protocol in
	// internal/wireproto; the driver only owns routing and I/O timing.
	if ev.RespondTo != nil {
		ev.RespondTo <- nil
	}
}

func (d *Driver) handleStream(s network.Stream) {
	defer s.Close()
	buf := make([]byte, 64<<10)
	n, err := s.Read(buf)
	if err != nil && n == 0 {
		return
	}
	respCh := make(chan []byte, 1)
	select {
	case d.events <- Event{Kind: EventInboundRequest, Peer: key.FromLibp2p(s.Conn().RemotePeer()), Request: buf[:n], RespondTo: respCh}:
	default:
		log.Warnf("event channel full, dropping inbound request from %s", s.Conn().RemotePeer())
		return
	}
	select {
	case resp := <-respCh:
		if resp != nil {
			_, _ = s.Write(resp)
		}
	case <-time.After(d.cfg.RequestTimeout):
	}
}
