package discover

import (
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/vanshtah/lightpeer/crypto"
)

// lookupAlpha is the number of peers queried concurrently per walk.
const lookupAlpha = 3

// targetSampleBuckets is how far below the top of the table the target
// chooser samples when hunting for under-populated buckets. Nearly all
// real identities land in the highest few buckets, so sampling deeper
// would only generate unreachable targets.
const targetSampleBuckets = 16

// refresh runs one proximity-walk round toward the local ID, which
// keeps our own neighborhood fresh, and toward semi-random targets
// biased at under-populated buckets. Responses arrive asynchronously
// and feed the bonding pipeline; each refresh tick then walks further
// with whatever bonded since the last one.
func (d *Discovery) refresh() {
	targets := []crypto.NodeID{d.self, d.randomTarget(), d.randomTarget()}
	for _, target := range targets {
		d.lookupRound(target)
	}
}

// lookupRound issues FindNode for target to the closest bonded peers.
func (d *Discovery) lookupRound(target crypto.NodeID) {
	closest := d.tab.Closest(target, d.cfg.BucketSize)
	if len(closest) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "lookupRound",
			"target":   target.ShortString(),
		}).Debug("No bonded peers to query")
		return
	}
	for i := 0; i < len(closest) && i < lookupAlpha; i++ {
		d.findNode(closest[i].Info(), target)
	}
}

// randomTarget picks a lookup target in the least-populated of a few
// sampled high buckets, so refresh pressure goes where the table is
// thin.
func (d *Discovery) randomTarget() crypto.NodeID {
	counts := d.tab.BucketCounts()
	best := NumBuckets - 1
	for i := 0; i < 8; i++ {
		b := NumBuckets - 1 - rand.Intn(targetSampleBuckets)
		if counts[b] < counts[best] {
			best = b
		}
	}
	return randomIDInBucket(d.self, best)
}

// randomIDInBucket generates an ID whose XOR distance from self has
// its highest set bit at the given bucket position: the bits above the
// bucket bit match self, the bucket bit is flipped, and everything
// below is random.
func randomIDInBucket(self crypto.NodeID, bucket int) crypto.NodeID {
	id := self
	byteIdx := crypto.NodeIDSize - 1 - bucket/8
	bitIdx := uint(bucket % 8)

	id[byteIdx] = self[byteIdx] ^ (1 << bitIdx)
	lowMask := byte(1<<bitIdx) - 1
	id[byteIdx] = (id[byteIdx] &^ lowMask) | (byte(rand.Uint32()) & lowMask)
	for i := byteIdx + 1; i < crypto.NodeIDSize; i++ {
		id[i] = byte(rand.Uint32())
	}
	return id
}
