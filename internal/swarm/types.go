package swarm

import (
	"time"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/maddr"
)

// Record is the wire-and-storage representation a query operates on;
// the swarm layer treats its payload opaquely and defers
// interpretation to internal/validation and internal/store.
type Record struct {
	Key       key.RecordKey
	Kind      key.Kind
	Payload   []byte
	StoredAt  time.Time
}

// Command is the sealed set of operations accepted through the
// driver's command channel (spec §4.5 table). A Command's Kind names
// the operation and only the fields that operation reads are set; a
// switch on Kind drives the event loop's dispatch.
type CommandKind int

const (
	CmdStartListening CommandKind = iota
	CmdDial
	CmdGetClosestPeers
	CmdGetLocalRecord
	CmdPutLocalRecord
	CmdPutRecordOnNetwork
	CmdSendRequest
	CmdGetNetworkRecord
)

type Command struct {
	Kind CommandKind

	// StartListening / Dial
	Addr maddr.NetworkAddress

	// GetClosestPeers / GetNetworkRecord
	TargetKey [32]byte
	NetTarget *key.PeerID // optional directed target for GetNetworkRecord

	// GetLocalRecord / PutLocalRecord / PutRecordOnNetwork / GetNetworkRecord
	RecordKey key.RecordKey
	Record    Record
	IsClientPut bool
	Verify      bool

	// SendRequest
	Peer    key.PeerID
	Request []byte

	Reply chan Result
}

// Result is delivered on a Command's Reply channel exactly once.
type Result struct {
	Err error

	Peers      []key.PeerID
	Record     *Record
	Response   []byte
}

// EventKind distinguishes the transport-layer events the driver's
// event loop selects over, alongside the command channel (spec §4.5).
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventIdentifyReceived
	EventInboundRequest
	EventDialFailure
	EventQueryTimeout
)

// Event is a transport-layer occurrence fed into the driver's single
// select loop.
type Event struct {
	Kind EventKind

	Peer  key.PeerID
	Addrs []string

	AgentVersion string // EventIdentifyReceived

	Request    []byte        // EventInboundRequest
	RespondTo  chan<- []byte // EventInboundRequest

	DialErr error // EventDialFailure

	QueryID uint64 // EventQueryTimeout
}
