package discover

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/vanshtah/lightpeer/crypto"
)

// NumBuckets is the depth of the routing table: one bucket per possible
// bit-length of the XOR distance between two 256-bit identifiers.
const NumBuckets = crypto.NodeIDSize * 8

// Outcome reports the result of a table upsert.
type Outcome int

const (
	// Inserted: the node was new and its bucket had capacity.
	Inserted Outcome = iota
	// Updated: an existing record was refreshed (endpoint may migrate).
	Updated
	// RejectedBucketFull: the bucket is full. The caller receives the
	// least-recently-contacted entry as an eviction candidate and
	// decides whether to re-verify and evict it; the table never
	// applies liveness policy itself.
	RejectedBucketFull
	// RejectedSelf: the local node is never stored.
	RejectedSelf
)

// BucketIndex returns the bucket for the distance between two IDs: the
// position of the highest set bit of their XOR, or 0 when identical.
func BucketIndex(a, b crypto.NodeID) int {
	for i := 0; i < crypto.NodeIDSize; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return (crypto.NodeIDSize-i)*8 - bits.LeadingZeros8(x) - 1
		}
	}
	return 0
}

// distCmp compares the XOR distances of a and b to target. Negative
// when a is closer, positive when b is closer, zero when equal.
func distCmp(target, a, b crypto.NodeID) int {
	for i := 0; i < crypto.NodeIDSize; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// bucket holds up to bucketSize entries ordered by recency of
// successful contact, most recently bonded last.
type bucket struct {
	entries []*Node
}

// Table is the routing table: known nodes bucketed by XOR distance from
// the local identity. It is a passive structure; all lifecycle
// transitions are driven by the orchestrator through its methods.
// Serialized mutation with concurrent readers, per the RWMutex.
type Table struct {
	mu               sync.RWMutex
	self             crypto.NodeID
	bucketSize       int
	failureThreshold int
	clk              clock.Clock
	buckets          [NumBuckets]*bucket
	count            int
}

// NewTable creates an empty routing table centered on the local ID.
func NewTable(self crypto.NodeID, bucketSize, failureThreshold int, clk clock.Clock) *Table {
	tab := &Table{
		self:             self,
		bucketSize:       bucketSize,
		failureThreshold: failureThreshold,
		clk:              clk,
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{}
	}
	return tab
}

// Self returns the local node ID the table is centered on.
func (tab *Table) Self() crypto.NodeID {
	return tab.self
}

// Len returns the total number of records across all buckets.
func (tab *Table) Len() int {
	tab.mu.RLock()
	defer tab.mu.RUnlock()
	return tab.count
}

// Upsert inserts or refreshes a node record. On a full bucket it
// returns RejectedBucketFull together with a copy of the bucket's
// least-recently-contacted entry as the eviction candidate.
func (tab *Table) Upsert(info NodeInfo, state NodeState) (Outcome, *Node) {
	if info.ID == tab.self {
		return RejectedSelf, nil
	}

	tab.mu.Lock()
	defer tab.mu.Unlock()

	b := tab.buckets[BucketIndex(tab.self, info.ID)]
	now := tab.clk.Now()

	for i, existing := range b.entries {
		if existing.ID == info.ID {
			existing.IP = normalizeIP(info.Endpoint.IP)
			existing.UDPPort = info.Endpoint.UDPPort
			existing.TCPPort = info.Endpoint.TCPPort
			existing.LastSeen = now
			if state == NodeBonded {
				existing.State = NodeBonded
				existing.Fails = 0
				// Most recently contacted entries live at the back.
				b.entries = append(b.entries[:i], b.entries[i+1:]...)
				b.entries = append(b.entries, existing)
			}
			return Updated, nil
		}
	}

	if len(b.entries) >= tab.bucketSize {
		candidate := *b.entries[0]
		return RejectedBucketFull, &candidate
	}

	n := NewNode(info, now)
	n.State = state
	b.entries = append(b.entries, n)
	tab.count++
	return Inserted, nil
}

// Get returns a copy of the record for id.
func (tab *Table) Get(id crypto.NodeID) (Node, bool) {
	tab.mu.RLock()
	defer tab.mu.RUnlock()

	if n := tab.find(id); n != nil {
		return *n, true
	}
	return Node{}, false
}

// MarkPinged records that a bonding Ping was sent to id.
func (tab *Table) MarkPinged(id crypto.NodeID) bool {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	n := tab.find(id)
	if n == nil {
		return false
	}
	n.LastPing = tab.clk.Now()
	if n.State == NodeUnknown {
		n.State = NodePinged
	}
	return true
}

// MarkBonded transitions id to the bonded state, clears its failure
// count, and bumps it to most-recently-contacted in its bucket. The
// previous state lets the caller tell a fresh bond from a re-check.
func (tab *Table) MarkBonded(id crypto.NodeID) (NodeState, bool) {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	b := tab.buckets[BucketIndex(tab.self, id)]
	for i, n := range b.entries {
		if n.ID == id {
			prev := n.State
			n.State = NodeBonded
			n.Fails = 0
			n.LastSeen = tab.clk.Now()
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, n)
			return prev, true
		}
	}
	return NodeUnknown, false
}

// MarkFailed counts a consecutive request failure against id. A bonded
// node degrades to stale; a node crossing the failure threshold is
// evicted. Returns the evicted record, if any.
func (tab *Table) MarkFailed(id crypto.NodeID) (Node, bool) {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	n := tab.find(id)
	if n == nil {
		return Node{}, false
	}
	n.Fails++
	if n.State == NodeBonded {
		n.State = NodeStale
	}
	if n.Fails >= tab.failureThreshold {
		evicted := *n
		tab.remove(id)
		return evicted, true
	}
	return Node{}, false
}

// Remove deletes the record for id.
func (tab *Table) Remove(id crypto.NodeID) bool {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	return tab.remove(id)
}

// Closest returns up to n eligible nodes ordered by ascending XOR
// distance to target. The local node never appears; neither do nodes
// that have not completed bonding.
func (tab *Table) Closest(target crypto.NodeID, n int) []Node {
	tab.mu.RLock()
	defer tab.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	var all []Node
	for _, b := range tab.buckets {
		for _, entry := range b.entries {
			if entry.eligible() {
				all = append(all, *entry)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return distCmp(target, all[i].ID, all[j].ID) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// LeastRecentlyContacted returns the entry that has gone longest
// without a successful contact among eligible nodes, used by the
// revalidation sweep.
func (tab *Table) LeastRecentlyContacted() (Node, bool) {
	tab.mu.RLock()
	defer tab.mu.RUnlock()

	var oldest *Node
	for _, b := range tab.buckets {
		for _, entry := range b.entries {
			if !entry.eligible() {
				continue
			}
			if oldest == nil || entry.LastSeen.Before(oldest.LastSeen) {
				oldest = entry
			}
		}
	}
	if oldest == nil {
		return Node{}, false
	}
	return *oldest, true
}

// Snapshot returns copies of all records, for persistence.
func (tab *Table) Snapshot() []Node {
	tab.mu.RLock()
	defer tab.mu.RUnlock()

	out := make([]Node, 0, tab.count)
	for _, b := range tab.buckets {
		for _, entry := range b.entries {
			out = append(out, *entry)
		}
	}
	return out
}

// BucketCounts returns the entry count of every bucket, used to bias
// refresh targets toward under-populated regions of the ID space.
func (tab *Table) BucketCounts() [NumBuckets]int {
	tab.mu.RLock()
	defer tab.mu.RUnlock()

	var counts [NumBuckets]int
	for i, b := range tab.buckets {
		counts[i] = len(b.entries)
	}
	return counts
}

func (tab *Table) find(id crypto.NodeID) *Node {
	b := tab.buckets[BucketIndex(tab.self, id)]
	for _, n := range b.entries {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (tab *Table) remove(id crypto.NodeID) bool {
	b := tab.buckets[BucketIndex(tab.self, id)]
	for i, n := range b.entries {
		if n.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			tab.count--
			return true
		}
	}
	return false
}
