package discover

import (
	"github.com/sirupsen/logrus"
)

// EventType classifies table-change notifications.
type EventType int

const (
	// PeerBonded: a node completed its Ping/Pong handshake and is now
	// eligible as a peer source.
	PeerBonded EventType = iota
	// PeerEvicted: a node was removed from the table.
	PeerEvicted
)

func (t EventType) String() string {
	switch t {
	case PeerBonded:
		return "bonded"
	case PeerEvicted:
		return "evicted"
	default:
		return "invalid"
	}
}

// Event notifies the consumer layer of a peer becoming bonded or being
// evicted.
type Event struct {
	Type EventType
	Peer NodeInfo
}

// Events returns the table-change notification channel. The channel is
// never closed; delivery is best-effort and slow consumers lose events
// rather than stalling the engine.
func (d *Discovery) Events() <-chan Event {
	return d.events
}

// emit broadcasts an event without blocking.
func (d *Discovery) emit(typ EventType, peer NodeInfo) {
	select {
	case d.events <- Event{Type: typ, Peer: peer}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"event":    typ.String(),
			"peer":     peer.ID.ShortString(),
		}).Debug("Event channel full, notification dropped")
	}
}

// BondedPeers returns a snapshot of all peers currently eligible as a
// peer source for the blockchain-sync layer.
func (d *Discovery) BondedPeers() []NodeInfo {
	snapshot := d.tab.Snapshot()
	peers := make([]NodeInfo, 0, len(snapshot))
	for i := range snapshot {
		if snapshot[i].eligible() {
			peers = append(peers, snapshot[i].Info())
		}
	}
	return peers
}
