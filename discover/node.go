// Package discover implements the peer discovery and routing engine of
// the light client: a signed, expiring UDP packet codec, a fixed-depth
// Kademlia-style routing table, and the orchestrator that bonds with
// peers, walks the network by proximity, and keeps the table fresh.
//
// Example:
//
//	keys, _ := crypto.GenerateKeyPair()
//	tr, _ := transport.NewUDPTransport(":30303")
//	d, err := discover.New(discover.DefaultConfig(), keys, tr, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d.Start()
//	defer d.Stop()
package discover

import (
	"net"
	"time"

	"github.com/vanshtah/lightpeer/crypto"
)

// NodeState is the lifecycle state of a node record. Eviction removes
// the record from the table, so there is no evicted state.
type NodeState uint8

const (
	// NodeUnknown: heard of via a Neighbors response, never contacted.
	NodeUnknown NodeState = iota
	// NodePinged: a Ping is in flight, awaiting Pong within its window.
	NodePinged
	// NodeBonded: a valid Pong arrived in time. The node may be queried
	// and returned in Neighbors responses.
	NodeBonded
	// NodeStale: consecutive request failures; the node stays in the
	// table, deprioritized, until the failure threshold evicts it.
	NodeStale
)

func (s NodeState) String() string {
	switch s {
	case NodeUnknown:
		return "unknown"
	case NodePinged:
		return "pinged"
	case NodeBonded:
		return "bonded"
	case NodeStale:
		return "stale"
	default:
		return "invalid"
	}
}

// Node is a peer known to the routing table. Identity is immutable;
// the endpoint may migrate across upserts.
type Node struct {
	ID      crypto.NodeID
	IP      net.IP
	UDPPort uint16
	TCPPort uint16

	State    NodeState
	Fails    int
	AddedAt  time.Time
	LastSeen time.Time
	LastPing time.Time
}

// NewNode creates a node record in the Unknown state.
func NewNode(info NodeInfo, now time.Time) *Node {
	return &Node{
		ID:       info.ID,
		IP:       normalizeIP(info.Endpoint.IP),
		UDPPort:  info.Endpoint.UDPPort,
		TCPPort:  info.Endpoint.TCPPort,
		State:    NodeUnknown,
		AddedAt:  now,
		LastSeen: now,
	}
}

// Endpoint returns the node's current network address.
func (n *Node) Endpoint() Endpoint {
	return Endpoint{IP: n.IP, UDPPort: n.UDPPort, TCPPort: n.TCPPort}
}

// Info returns the node's identity and endpoint.
func (n *Node) Info() NodeInfo {
	return NodeInfo{ID: n.ID, Endpoint: n.Endpoint()}
}

// Addr returns the node's UDP address.
func (n *Node) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.UDPPort)}
}

// eligible reports whether the node may appear in Closest results and
// Neighbors responses. Stale nodes stay eligible until evicted: they
// are retried, not hidden.
func (n *Node) eligible() bool {
	return n.State == NodeBonded || n.State == NodeStale
}
