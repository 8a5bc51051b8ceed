// Package device maintains the runtime peer table: every peer the overlay
// has discovered or connected to, its observed addresses, RTT, and
// connection kind, joined on demand with the persistent paired-device set.
package device

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

// ConnectionKind classifies how a peer is currently reachable, in priority
// order LAN > DCUtR > Relay.
type ConnectionKind int

const (
	ConnectionUnknown ConnectionKind = iota
	ConnectionRelay
	ConnectionDCUtR
	ConnectionLAN
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectionLAN:
		return "lan"
	case ConnectionDCUtR:
		return "dcutr"
	case ConnectionRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Filter selects which peers Manager.GetDevices returns.
type Filter int

const (
	FilterAll Filter = iota
	FilterConnected
	FilterPaired
)

// Peer is one row of the runtime peer table.
type Peer struct {
	PeerID        string
	Addrs         []string
	AgentVersion  string
	RTTMillis     int64
	IsConnected   bool
	HolePunched   bool
	DiscoveredAt  time.Time
	ConnectedAt   time.Time
}

// PairedLookup is the read-only view into the persistent paired-device set
// that Manager joins against for Filter == FilterPaired. Callers adapt
// internal/pairing.Store to this narrow interface at wiring time, so this
// package never imports internal/pairing.
type PairedLookup interface {
	IsPaired(peerID string) bool
	PairedPeerIDs() ([]string, error)
}

// Manager owns the concurrent peer table.
type Manager struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	paired PairedLookup
}

func New(paired PairedLookup) *Manager {
	return &Manager{peers: make(map[string]*Peer), paired: paired}
}

func (m *Manager) getOrCreate(peerID string) *Peer {
	p, ok := m.peers[peerID]
	if !ok {
		p = &Peer{PeerID: peerID, DiscoveredAt: time.Now()}
		m.peers[peerID] = p
	}
	return p
}

// HandleEvent updates the peer table from one overlay event. Event kinds
// unrelated to a specific peer are ignored.
func (m *Manager) HandleEvent(ev overlay.Event) {
	switch ev.Kind {
	case overlay.EventPeersDiscovered, overlay.EventPeerConnected:
		m.mu.Lock()
		p := m.getOrCreate(ev.PeerID)
		if ev.Kind == overlay.EventPeerConnected {
			p.IsConnected = true
			p.ConnectedAt = time.Now()
		}
		m.mu.Unlock()
	case overlay.EventPeerDisconnected:
		m.mu.Lock()
		if p, ok := m.peers[ev.PeerID]; ok {
			p.IsConnected = false
		}
		m.mu.Unlock()
	case overlay.EventIdentifyReceived:
		m.mu.Lock()
		p := m.getOrCreate(ev.PeerID)
		p.AgentVersion = ev.AgentVersion
		m.mu.Unlock()
	case overlay.EventPingSuccess:
		m.mu.Lock()
		if p, ok := m.peers[ev.PeerID]; ok {
			p.RTTMillis = ev.RTTMillis
		}
		m.mu.Unlock()
	case overlay.EventHolePunchSucceeded:
		m.mu.Lock()
		if p, ok := m.peers[ev.PeerID]; ok {
			p.HolePunched = true
		}
		m.mu.Unlock()
	}
}

// SetAddrs replaces a peer's known address list.
func (m *Manager) SetAddrs(peerID string, addrs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.getOrCreate(peerID)
	p.Addrs = addrs
}

// ClassifyConnectionKind derives a peer's connection kind from its
// addresses and hole-punch status. holePunched forces DCUtR regardless of
// address shape, per the priority LAN > DCUtR > Relay.
func ClassifyConnectionKind(addrs []string, holePunched bool) ConnectionKind {
	if holePunched {
		return ConnectionDCUtR
	}
	hasPublic := false
	for _, a := range addrs {
		if strings.Contains(a, "/p2p-circuit") {
			continue // relay addrs never outrank LAN; checked separately below
		}
		if ip := extractIP(a); ip != nil {
			if isPrivateOrLoopback(ip) {
				return ConnectionLAN
			}
			hasPublic = true
		}
	}
	for _, a := range addrs {
		if strings.Contains(a, "/p2p-circuit") {
			if hasPublic {
				continue
			}
			return ConnectionRelay
		}
	}
	if hasPublic {
		return ConnectionDCUtR
	}
	return ConnectionUnknown
}

func extractIP(multiaddr string) net.IP {
	parts := strings.Split(multiaddr, "/")
	for i, p := range parts {
		if (p == "ip4" || p == "ip6") && i+1 < len(parts) {
			return net.ParseIP(parts[i+1])
		}
	}
	return nil
}

func isPrivateOrLoopback(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// DeviceView is the external, read-only projection of a peer (and,
// for Paired, any paired device not currently in the runtime table).
type DeviceView struct {
	PeerID         string
	Addrs          []string
	AgentVersion   string
	RTTMillis      int64
	IsConnected    bool
	ConnectionKind ConnectionKind
	IsPaired       bool
}

// GetDevices returns a snapshot filtered per filter.
func (m *Manager) GetDevices(filter Filter) []DeviceView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []DeviceView
	for _, p := range m.peers {
		paired := m.paired != nil && m.paired.IsPaired(p.PeerID)
		switch filter {
		case FilterConnected:
			if !p.IsConnected {
				continue
			}
		case FilterPaired:
			if !paired {
				continue
			}
		}
		out = append(out, DeviceView{
			PeerID:         p.PeerID,
			Addrs:          append([]string(nil), p.Addrs...),
			AgentVersion:   p.AgentVersion,
			RTTMillis:      p.RTTMillis,
			IsConnected:    p.IsConnected,
			ConnectionKind: ClassifyConnectionKind(p.Addrs, p.HolePunched),
			IsPaired:       paired,
		})
		seen[p.PeerID] = true
	}

	if filter == FilterPaired && m.paired != nil {
		// Join in any paired peer absent from the runtime table, reported offline.
		if ids, err := m.paired.PairedPeerIDs(); err == nil {
			for _, peerID := range ids {
				if seen[peerID] {
					continue
				}
				out = append(out, DeviceView{PeerID: peerID, IsPaired: true, IsConnected: false, ConnectionKind: ConnectionUnknown})
			}
		}
	}
	return out
}
