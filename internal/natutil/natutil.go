// Package natutil discovers the local gateway and manages NAT-PMP /
// UPnP port mappings. Adapted from the teacher's core/nat_traversal.go,
// generalized from a single mapped port to the set of listen ports the
// swarm driver and reachability detector need mapped.
package natutil

import (
	"fmt"
	"net"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("natutil")

// Manager discovers the gateway and manages TCP port mappings for the
// node's listen addresses via NAT-PMP, falling back to UPnP IGDv1.
type Manager struct {
	mu   sync.Mutex
	ip   net.IP
	pmp  *natpmp.Client
	upnp *internetgateway1.WANIPConnection1

	mapped map[int]struct{}
}

// NewManager discovers the gateway and external IP. It returns an
// error only when no gateway responds to either protocol, mirroring
// the teacher's "gateway not found" failure mode.
func NewManager() (*Manager, error) {
	m := &Manager{mapped: make(map[int]struct{})}

	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("natutil: gateway not found")
	}
	return m, nil
}

// ExternalIP returns the detected public IP address.
func (m *Manager) ExternalIP() net.IP { return m.ip }

// HasUPnP reports whether a UPnP gateway was found.
func (m *Manager) HasUPnP() bool { return m.upnp != nil }

// Map opens the given TCP port on the gateway for the lifetime of the
// node, tracking it so Unmap can tear down everything on shutdown.
func (m *Manager) Map(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mapped[port] = struct{}{}
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "antswarm", 3600); err == nil {
			m.mapped[port] = struct{}{}
			return nil
		}
	}
	return fmt.Errorf("natutil: mapping port %d failed", port)
}

// Unmap removes every port mapping opened by this Manager.
func (m *Manager) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for port := range m.mapped {
		if m.pmp != nil {
			if _, err := m.pmp.AddPortMapping("tcp", port, port, 0); err != nil {
				log.Warnf("unmap port %d via nat-pmp: %v", port, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		} else if m.upnp != nil {
			if err := m.upnp.DeletePortMapping("", uint16(port), "TCP"); err != nil {
				log.Warnf("unmap port %d via upnp: %v", port, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		delete(m.mapped, port)
	}
	return firstErr
}

// Close is an alias for Unmap so Manager satisfies io.Closer.
func (m *Manager) Close() error { return m.Unmap() }
