package discover

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshtah/lightpeer/crypto"
)

func infoFor(id crypto.NodeID, port uint16) NodeInfo {
	return NodeInfo{ID: id, Endpoint: v4Endpoint(10, 0, 0, 1, port, 0)}
}

func newTestTable(t *testing.T, bucketSize, threshold int) (*Table, crypto.NodeID, *clock.Mock) {
	t.Helper()
	self := testKey(t).NodeID()
	clk := clock.NewMock()
	return NewTable(self, bucketSize, threshold, clk), self, clk
}

func TestBucketIndex(t *testing.T) {
	var a crypto.NodeID
	assert.Equal(t, 0, BucketIndex(a, a))

	b := a
	b[crypto.NodeIDSize-1] = 0x01
	assert.Equal(t, 0, BucketIndex(a, b))

	c := a
	c[0] = 0x80
	assert.Equal(t, NumBuckets-1, BucketIndex(a, c))

	d := a
	d[crypto.NodeIDSize-2] = 0x01
	assert.Equal(t, 8, BucketIndex(a, d))

	// Symmetric.
	assert.Equal(t, BucketIndex(b, c), BucketIndex(c, b))
}

func TestRandomIDInBucket(t *testing.T) {
	self := testKey(t).NodeID()
	for _, bucket := range []int{0, 1, 7, 8, 63, 100, 200, NumBuckets - 1} {
		id := randomIDInBucket(self, bucket)
		assert.Equal(t, bucket, BucketIndex(self, id), "bucket %d", bucket)
	}
}

func TestTableUpsert(t *testing.T) {
	tab, self, _ := newTestTable(t, 16, 5)

	out, _ := tab.Upsert(infoFor(self, 30303), NodeUnknown)
	assert.Equal(t, RejectedSelf, out)
	assert.Equal(t, 0, tab.Len())

	id := testKey(t).NodeID()
	out, _ = tab.Upsert(infoFor(id, 30303), NodeUnknown)
	assert.Equal(t, Inserted, out)
	assert.Equal(t, 1, tab.Len())

	n, ok := tab.Get(id)
	require.True(t, ok)
	assert.Equal(t, NodeUnknown, n.State)
	assert.Equal(t, uint16(30303), n.UDPPort)

	// Re-upsert migrates the endpoint without duplicating the record.
	out, _ = tab.Upsert(infoFor(id, 30404), NodeUnknown)
	assert.Equal(t, Updated, out)
	assert.Equal(t, 1, tab.Len())

	n, ok = tab.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint16(30404), n.UDPPort)
	assert.Equal(t, NodeUnknown, n.State, "plain refresh must not change state")
}

func TestTableBucketFull(t *testing.T) {
	tab, self, _ := newTestTable(t, 2, 5)

	bucketIdx := 200
	first := randomIDInBucket(self, bucketIdx)
	second := randomIDInBucket(self, bucketIdx)
	third := randomIDInBucket(self, bucketIdx)
	require.NotEqual(t, first, second)
	require.NotEqual(t, second, third)

	out, _ := tab.Upsert(infoFor(first, 1), NodeBonded)
	require.Equal(t, Inserted, out)
	out, _ = tab.Upsert(infoFor(second, 2), NodeBonded)
	require.Equal(t, Inserted, out)

	// Full bucket: the newcomer is rejected and the least recently
	// contacted entry is handed back as the eviction candidate.
	out, candidate := tab.Upsert(infoFor(third, 3), NodeBonded)
	assert.Equal(t, RejectedBucketFull, out)
	require.NotNil(t, candidate)
	assert.Equal(t, first, candidate.ID)
	assert.Equal(t, 2, tab.Len())

	// Bumping the first entry changes who is up for eviction.
	_, found := tab.MarkBonded(first)
	require.True(t, found)
	out, candidate = tab.Upsert(infoFor(third, 3), NodeBonded)
	assert.Equal(t, RejectedBucketFull, out)
	assert.Equal(t, second, candidate.ID)

	// Removing an entry makes room.
	require.True(t, tab.Remove(second))
	out, _ = tab.Upsert(infoFor(third, 3), NodeBonded)
	assert.Equal(t, Inserted, out)
	assert.Equal(t, 2, tab.Len())
}

func TestTableMarkBonded(t *testing.T) {
	tab, _, _ := newTestTable(t, 16, 5)
	id := testKey(t).NodeID()

	_, found := tab.MarkBonded(id)
	assert.False(t, found)

	tab.Upsert(infoFor(id, 1), NodeUnknown)
	require.True(t, tab.MarkPinged(id))

	n, _ := tab.Get(id)
	assert.Equal(t, NodePinged, n.State)

	prev, found := tab.MarkBonded(id)
	require.True(t, found)
	assert.Equal(t, NodePinged, prev)

	// Re-bonding an already bonded node reports the bonded state, so
	// callers can suppress duplicate notifications.
	prev, found = tab.MarkBonded(id)
	require.True(t, found)
	assert.Equal(t, NodeBonded, prev)
}

func TestTableMarkFailed(t *testing.T) {
	tab, _, _ := newTestTable(t, 16, 3)
	id := testKey(t).NodeID()
	tab.Upsert(infoFor(id, 1), NodeBonded)

	evicted, gone := tab.MarkFailed(id)
	assert.False(t, gone)
	n, _ := tab.Get(id)
	assert.Equal(t, NodeStale, n.State)
	assert.Equal(t, 1, n.Fails)

	// Stale nodes remain visible to consumers until evicted.
	assert.Len(t, tab.Closest(id, 16), 1)

	_, gone = tab.MarkFailed(id)
	assert.False(t, gone)

	evicted, gone = tab.MarkFailed(id)
	require.True(t, gone)
	assert.Equal(t, id, evicted.ID)
	assert.Equal(t, 3, evicted.Fails)

	_, ok := tab.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, tab.Len())

	// Recovery resets the failure count.
	tab.Upsert(infoFor(id, 1), NodeBonded)
	tab.MarkFailed(id)
	prev, found := tab.MarkBonded(id)
	require.True(t, found)
	assert.Equal(t, NodeStale, prev)
	n, _ = tab.Get(id)
	assert.Equal(t, 0, n.Fails)
	assert.Equal(t, NodeBonded, n.State)
}

func TestTableClosest(t *testing.T) {
	tab, self, _ := newTestTable(t, 16, 5)

	var bonded []crypto.NodeID
	for i := 0; i < 8; i++ {
		id := testKey(t).NodeID()
		bonded = append(bonded, id)
		out, _ := tab.Upsert(infoFor(id, uint16(1000+i)), NodeBonded)
		require.Equal(t, Inserted, out)
	}
	unknown := testKey(t).NodeID()
	tab.Upsert(infoFor(unknown, 2000), NodeUnknown)
	pinged := testKey(t).NodeID()
	tab.Upsert(infoFor(pinged, 2001), NodeUnknown)
	tab.MarkPinged(pinged)

	target := testKey(t).NodeID()
	got := tab.Closest(target, 16)
	require.Len(t, got, len(bonded), "only bonded nodes are returned")

	seen := make(map[crypto.NodeID]bool)
	for i, n := range got {
		assert.NotEqual(t, self, n.ID)
		assert.NotEqual(t, unknown, n.ID)
		assert.NotEqual(t, pinged, n.ID)
		assert.False(t, seen[n.ID], "no duplicates")
		seen[n.ID] = true
		if i > 0 {
			assert.LessOrEqual(t, distCmp(target, got[i-1].ID, n.ID), 0,
				"results ordered by ascending distance")
		}
	}

	assert.Len(t, tab.Closest(target, 3), 3)
	assert.Empty(t, tab.Closest(target, 0))
}

func TestTableLeastRecentlyContacted(t *testing.T) {
	tab, _, clk := newTestTable(t, 16, 5)

	_, ok := tab.LeastRecentlyContacted()
	assert.False(t, ok)

	a := testKey(t).NodeID()
	tab.Upsert(infoFor(a, 1), NodeBonded)
	clk.Add(time.Minute)
	b := testKey(t).NodeID()
	tab.Upsert(infoFor(b, 2), NodeBonded)

	oldest, ok := tab.LeastRecentlyContacted()
	require.True(t, ok)
	assert.Equal(t, a, oldest.ID)

	clk.Add(time.Minute)
	tab.MarkBonded(a)
	oldest, ok = tab.LeastRecentlyContacted()
	require.True(t, ok)
	assert.Equal(t, b, oldest.ID)
}

func TestTableSnapshot(t *testing.T) {
	tab, _, _ := newTestTable(t, 16, 5)
	assert.Empty(t, tab.Snapshot())

	a := testKey(t).NodeID()
	b := testKey(t).NodeID()
	tab.Upsert(infoFor(a, 1), NodeBonded)
	tab.Upsert(infoFor(b, 2), NodeUnknown)

	snapshot := tab.Snapshot()
	assert.Len(t, snapshot, 2)

	counts := tab.BucketCounts()
	total := 0
	for i, c := range counts {
		if c > 0 {
			assert.GreaterOrEqual(t, i, 0)
			total += c
		}
	}
	assert.Equal(t, 2, total)

	// Snapshot entries are copies; mutating one must not leak back.
	snapshot[0].IP = net.IPv4(9, 9, 9, 9)
	n, ok := tab.Get(snapshot[0].ID)
	require.True(t, ok)
	assert.NotEqual(t, net.IPv4(9, 9, 9, 9).To4(), n.IP)
}
