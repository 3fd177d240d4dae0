// Package maddr wraps multiformats/go-multiaddr with the structured
// network-address operations the swarm driver and bootstrap pipeline
// need: peer-ID suffix handling, socket extraction, global-routability
// checks and canonicalization (spec §4.2).
package maddr

import (
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/libp2p/go-libp2p/core/peer"
)

// NetworkAddress is a structured network address: a stack of protocol
// layers terminating, for dialable addresses, in a peer-ID suffix
// (spec §3).
type NetworkAddress struct {
	addr ma.Multiaddr
}

// ParseMultiAddress parses the canonical string form into a
// NetworkAddress.
func ParseMultiAddress(s string) (NetworkAddress, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("maddr: parse %q: %w", s, err)
	}
	return NetworkAddress{addr: m}, nil
}

// FromMultiaddr wraps an already-parsed multiaddr.
func FromMultiaddr(m ma.Multiaddr) NetworkAddress { return NetworkAddress{addr: m} }

// Multiaddr returns the underlying multiaddr.Multiaddr.
func (n NetworkAddress) Multiaddr() ma.Multiaddr { return n.addr }

func (n NetworkAddress) String() string {
	if n.addr == nil {
		return ""
	}
	return n.addr.String()
}

// Equal is byte-exact over the canonical encoding (spec §3 invariant).
func (n NetworkAddress) Equal(o NetworkAddress) bool {
	if n.addr == nil || o.addr == nil {
		return n.addr == o.addr
	}
	return n.addr.Equal(o.addr)
}

// Bytes returns the canonical byte encoding, used as a map key for
// byte-exact equality and hashing.
func (n NetworkAddress) Bytes() []byte {
	if n.addr == nil {
		return nil
	}
	return n.addr.Bytes()
}

// PopPeerIDSuffix removes a trailing /p2p/<peer-id> component if
// present, returning the remaining address and the extracted peer ID.
// A listen address need not carry this suffix; a dialable address
// must (spec §3 invariant).
func PopPeerIDSuffix(n NetworkAddress) (NetworkAddress, peer.ID, bool) {
	if n.addr == nil {
		return n, "", false
	}
	rest, id, err := peer.SplitAddr(n.addr)
	if err != nil || id == "" {
		return n, "", false
	}
	return NetworkAddress{addr: rest}, id, true
}

// ExtractSocketAddr resolves the IP+port portion of addr, if present.
func ExtractSocketAddr(n NetworkAddress) (*net.TCPAddr, bool) {
	if n.addr == nil {
		return nil, false
	}
	ip, err := manet.ToIP(n.addr)
	if err != nil {
		return nil, false
	}
	var port int
	for _, proto := range []int{ma.P_TCP, ma.P_UDP} {
		if v, err := n.addr.ValueForProtocol(proto); err == nil {
			var p int
			if _, err := fmt.Sscanf(v, "%d", &p); err == nil {
				port = p
				break
			}
		}
	}
	return &net.TCPAddr{IP: ip, Port: port}, true
}

// IsGlobal reports whether addr is globally routable: every IPv4/IPv6
// component is not private, loopback, link-local, broadcast,
// documentation or unspecified. The swarm driver uses this to reject
// non-routable contact advertisements (spec §4.2, §4.5).
func IsGlobal(n NetworkAddress) bool {
	if n.addr == nil {
		return false
	}
	ip, err := manet.ToIP(n.addr)
	if err != nil {
		return false
	}
	return isGlobalIP(ip)
}

func isGlobalIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	if isBroadcast(ip) || isDocumentation(ip) || ip.IsPrivate() {
		return false
	}
	return true
}

func isBroadcast(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4.Equal(net.IPv4bcast)
}

// documentation ranges per RFC 5737 (IPv4) and RFC 3849 (IPv6).
var documentationNets = []*net.IPNet{
	mustCIDR("192.0.2.0/24"),
	mustCIDR("198.51.100.0/24"),
	mustCIDR("203.0.113.0/24"),
	mustCIDR("2001:db8::/32"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func isDocumentation(ip net.IP) bool {
	for _, n := range documentationNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CraftValidMultiAddr coerces a candidate address into the single
// canonical dialable form used by the routing layer: it must resolve
// a socket address and, if a peer-ID suffix is present, must be
// well-formed. Returns false if the address cannot be made dialable.
func CraftValidMultiAddr(n NetworkAddress) (NetworkAddress, bool) {
	if n.addr == nil {
		return NetworkAddress{}, false
	}
	if _, ok := ExtractSocketAddr(n); !ok {
		return NetworkAddress{}, false
	}
	return n, true
}
