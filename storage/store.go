// Package storage persists snapshots of previously known discovery
// nodes so a restarted client can rejoin the network without relying
// solely on the static bootstrap list.
//
// Storage failures are never fatal to discovery: a failed load simply
// degrades to an empty bootstrap set.
package storage

import (
	"net"
	"time"

	"github.com/vanshtah/lightpeer/crypto"
)

// Record is the persisted form of a known node.
type Record struct {
	ID       crypto.NodeID `json:"id"`
	IP       net.IP        `json:"ip"`
	UDPPort  uint16        `json:"udpPort"`
	TCPPort  uint16        `json:"tcpPort"`
	LastSeen time.Time     `json:"lastSeen"`
}

// NodeStore is the persistence boundary for node snapshots.
type NodeStore interface {
	// Load reads the persisted node set. A missing snapshot yields an
	// empty slice, not an error.
	Load() ([]Record, error)

	// Save replaces the persisted node set.
	Save(records []Record) error
}
