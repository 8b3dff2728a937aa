package discover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/vanshtah/lightpeer/crypto"
	"github.com/vanshtah/lightpeer/storage"
	"github.com/vanshtah/lightpeer/transport"
)

// RunState is the lifecycle state of the engine.
type RunState int

const (
	Stopped RunState = iota
	Bootstrapping
	Running
)

// seenCacheSize bounds the cache of recently processed FindNode hashes
// used to drop replayed queries.
const seenCacheSize = 1024

// Discovery drives the peer discovery protocol: it bootstraps from
// seeds, bonds with candidates via Ping/Pong, walks the network with
// FindNode/Neighbors, revalidates quiet peers, and feeds everything
// back into the routing table it owns.
type Discovery struct {
	cfg   Config
	key   *crypto.KeyPair
	self  crypto.NodeID
	tab   *Table
	tr    transport.Transport
	store storage.NodeStore
	clk   clock.Clock

	mu      sync.Mutex
	state   RunState
	pending map[pendingKey]*pendingRequest
	dirty   bool

	seen   *lru.Cache[[crypto.HashSize]byte, struct{}]
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a discovery engine. The store may be nil, in which case
// no snapshot is loaded or persisted. The transport must already be
// listening; the engine installs its datagram handler on Start.
func New(cfg Config, key *crypto.KeyPair, tr transport.Transport, store storage.NodeStore) (*Discovery, error) {
	if key == nil {
		return nil, errors.New("nil key pair")
	}
	if tr == nil {
		return nil, errors.New("nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}
	cfg = cfg.withDefaults()

	seen, err := lru.New[[crypto.HashSize]byte, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}

	self := key.NodeID()
	return &Discovery{
		cfg:     cfg,
		key:     key,
		self:    self,
		tab:     NewTable(self, cfg.BucketSize, cfg.FailureThreshold, cfg.Clock),
		tr:      tr,
		store:   store,
		clk:     cfg.Clock,
		state:   Stopped,
		pending: make(map[pendingKey]*pendingRequest),
		seen:    seen,
		events:  make(chan Event, cfg.EventBuffer),
	}, nil
}

// Self returns the local node ID.
func (d *Discovery) Self() crypto.NodeID {
	return d.self
}

// Closest returns up to n bonded peers ordered by ascending XOR
// distance to target, for the blockchain-sync layer.
func (d *Discovery) Closest(target crypto.NodeID, n int) []NodeInfo {
	nodes := d.tab.Closest(target, n)
	out := make([]NodeInfo, len(nodes))
	for i := range nodes {
		out[i] = nodes[i].Info()
	}
	return out
}

// Start bootstraps the engine and launches its background activities.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.state != Stopped {
		d.mu.Unlock()
		return errors.New("discovery already started")
	}
	d.state = Bootstrapping
	d.ctx, d.cancel = context.WithCancel(context.Background())
	ctx := d.ctx
	d.mu.Unlock()

	d.tr.SetHandler(d.handleDatagram)

	seeds := d.loadSeeds()
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"self":     d.self.ShortString(),
		"seeds":    len(seeds),
	}).Info("Discovery bootstrapping")
	for _, seed := range seeds {
		d.bond(seed)
	}

	d.mu.Lock()
	d.state = Running
	d.mu.Unlock()

	d.wg.Add(4)
	go d.timeoutLoop(ctx)
	go d.refreshLoop(ctx)
	go d.revalidateLoop(ctx)
	go d.persistLoop(ctx)
	return nil
}

// Stop cancels all pending requests without firing their callbacks,
// closes the transport, and flushes a final snapshot.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if d.state == Stopped {
		d.mu.Unlock()
		return
	}
	d.state = Stopped
	d.pending = make(map[pendingKey]*pendingRequest)
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	_ = d.tr.Close()
	d.wg.Wait()
	d.saveSnapshot()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"self":     d.self.ShortString(),
		"known":    d.tab.Len(),
	}).Info("Discovery stopped")
}

func (d *Discovery) runState() RunState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// handleDatagram decodes, authenticates, and dispatches one received
// datagram. Decode failures drop the datagram; they are never fatal.
func (d *Discovery) handleDatagram(data []byte, addr net.Addr) {
	if d.runState() == Stopped {
		return
	}

	pkt, from, hash, err := Decode(data, d.clk.Now(), d.cfg.ClockSkew)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping undecodable datagram")
		return
	}
	if from == d.self {
		return
	}
	udpAddr := udpAddrOf(addr)
	if udpAddr == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleDatagram",
		"packet":   pkt.Name(),
		"from":     from.ShortString(),
		"addr":     addr.String(),
	}).Debug("Packet received")

	switch p := pkt.(type) {
	case *Ping:
		d.handlePing(p, from, udpAddr, hash)
	case *Pong:
		d.handlePong(p, from)
	case *FindNode:
		d.handleFindNode(p, from, udpAddr, hash)
	case *Neighbors:
		d.handleNeighbors(p, from)
	}
}

// handlePing answers with a Pong echoing the ping's content hash, then
// treats the sender as a bonding candidate if it is not already known
// good. A Ping by itself never bonds the sender.
func (d *Discovery) handlePing(p *Ping, from crypto.NodeID, addr *net.UDPAddr, hash []byte) {
	pong := &Pong{
		To:         NewEndpoint(addr, p.From.TCPPort),
		Expiration: d.stamp(),
	}
	copy(pong.ReplyTok[:], hash)
	if _, err := d.sendTo(pong, addr); err != nil {
		return
	}

	info := NodeInfo{ID: from, Endpoint: NewEndpoint(addr, p.From.TCPPort)}
	if n, ok := d.tab.Get(from); ok && n.eligible() {
		// Known peer: refresh its endpoint and last-contact stamp.
		d.tab.Upsert(info, NodeUnknown)
		return
	}
	d.bond(info)
}

// handlePong completes the pending request whose ping hash the pong
// echoes. Unmatched or late pongs are dropped silently: the transport
// is unordered and duplicates are expected.
func (d *Discovery) handlePong(p *Pong, from crypto.NodeID) {
	req := d.takePending(from, PongKind, func(req *pendingRequest) bool {
		return bytes.Equal(req.token, p.ReplyTok[:])
	})
	if req == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePong",
			"from":     from.ShortString(),
		}).Debug("Unsolicited pong dropped")
		return
	}
	if req.onSuccess != nil {
		req.onSuccess(req)
	}
}

// handleFindNode answers bonded senders with the closest known nodes,
// chunked so each Neighbors datagram stays within bounds. Queries from
// unbonded senders are dropped to prevent using the engine as a traffic
// amplifier; replayed queries are dropped via the seen-hash cache.
func (d *Discovery) handleFindNode(p *FindNode, from crypto.NodeID, addr *net.UDPAddr, hash []byte) {
	var key [crypto.HashSize]byte
	copy(key[:], hash)
	if ok, _ := d.seen.ContainsOrAdd(key, struct{}{}); ok {
		logrus.WithFields(logrus.Fields{
			"function": "handleFindNode",
			"from":     from.ShortString(),
		}).Debug("Replayed findnode dropped")
		return
	}

	if n, ok := d.tab.Get(from); !ok || !n.eligible() {
		logrus.WithFields(logrus.Fields{
			"function": "handleFindNode",
			"from":     from.ShortString(),
		}).Debug("Findnode from unbonded sender dropped")
		return
	}

	closest := d.tab.Closest(p.Target, d.cfg.BucketSize)
	expiration := d.stamp()
	sent := 0
	for {
		chunk := &Neighbors{Expiration: expiration}
		for len(chunk.Nodes) < MaxNeighbors && sent < len(closest) {
			chunk.Nodes = append(chunk.Nodes, closest[sent].Info())
			sent++
		}
		if _, err := d.sendTo(chunk, addr); err != nil {
			return
		}
		if sent >= len(closest) {
			return
		}
	}
}

// handleNeighbors folds a response chunk into its pending FindNode.
// Entries are never trusted as bonded: completion hands them to the
// bonding pipeline as Unknown candidates.
func (d *Discovery) handleNeighbors(p *Neighbors, from crypto.NodeID) {
	d.mu.Lock()
	key := pendingKey{id: from, kind: NeighborsKind}
	req, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleNeighbors",
			"from":     from.ShortString(),
		}).Debug("Unsolicited neighbors dropped")
		return
	}
	req.nodes = append(req.nodes, p.Nodes...)
	complete := len(req.nodes) >= req.want
	if complete {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if complete && req.onSuccess != nil {
		req.onSuccess(req)
	}
}

// bond starts a Ping/Pong handshake toward info unless one is already
// in flight. The candidate enters the table as Unknown when its bucket
// has room; a full bucket defers admission until bonding completes.
func (d *Discovery) bond(info NodeInfo) {
	d.sendPingRequest(info,
		func(*pendingRequest) { d.bondSucceeded(info) },
		func(*pendingRequest) { d.nodeFailed(info.ID) },
	)
}

// sendPingRequest encodes and sends a Ping to info and registers the
// pending Pong keyed by the ping's content hash.
func (d *Discovery) sendPingRequest(info NodeInfo, onSuccess, onFailure func(*pendingRequest)) {
	if info.ID == d.self || info.ID.IsZero() {
		return
	}

	ping := &Ping{
		Version:    ProtocolVersion,
		From:       d.selfEndpoint(),
		To:         info.Endpoint,
		Expiration: d.stamp(),
	}
	data, hash, err := Encode(ping, d.key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPingRequest",
			"error":    err.Error(),
		}).Error("Failed to encode ping")
		return
	}

	req := &pendingRequest{
		key:         pendingKey{id: info.ID, kind: PongKind},
		token:       hash,
		deadline:    d.clk.Now().Add(d.cfg.BondTimeout),
		retriesLeft: d.cfg.BondRetries,
		onSuccess:   onSuccess,
		onFailure:   onFailure,
	}
	req.resend = func() ([]byte, error) {
		resent := &Ping{
			Version:    ProtocolVersion,
			From:       d.selfEndpoint(),
			To:         info.Endpoint,
			Expiration: d.stamp(),
		}
		data, hash, err := Encode(resent, d.key)
		if err != nil {
			return nil, err
		}
		return hash, d.tr.Send(data, info.Endpoint.Addr())
	}
	if !d.registerPending(req) {
		return
	}

	if out, _ := d.tab.Upsert(info, NodeUnknown); out == Inserted || out == Updated {
		d.tab.MarkPinged(info.ID)
	}
	if err := d.tr.Send(data, info.Endpoint.Addr()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPingRequest",
			"to":       info.Endpoint.String(),
			"error":    err.Error(),
		}).Warn("Ping send failed, awaiting retry")
	}
}

// bondSucceeded admits a freshly verified peer. When its bucket is
// full, the least-recently-contacted entry gets a liveness re-check
// before the newcomer may take its place.
func (d *Discovery) bondSucceeded(info NodeInfo) {
	if prev, found := d.tab.MarkBonded(info.ID); found {
		if prev == NodeUnknown || prev == NodePinged {
			d.emit(PeerBonded, info)
		}
		d.markDirty()
		return
	}

	out, candidate := d.tab.Upsert(info, NodeBonded)
	switch out {
	case Inserted:
		d.emit(PeerBonded, info)
		d.markDirty()
	case RejectedBucketFull:
		d.verifyEviction(*candidate, info)
	}
}

// verifyEviction re-checks a bucket's least-recently-contacted entry
// before letting a bonded newcomer displace it. A live candidate keeps
// its seat; a dead one is evicted and the newcomer admitted.
func (d *Discovery) verifyEviction(candidate Node, newcomer NodeInfo) {
	logrus.WithFields(logrus.Fields{
		"function":  "verifyEviction",
		"candidate": candidate.ID.ShortString(),
		"newcomer":  newcomer.ID.ShortString(),
	}).Debug("Bucket full, re-checking eviction candidate")

	d.sendPingRequest(candidate.Info(),
		func(*pendingRequest) {
			d.tab.MarkBonded(candidate.ID)
			d.markDirty()
		},
		func(*pendingRequest) {
			if d.tab.Remove(candidate.ID) {
				d.emit(PeerEvicted, candidate.Info())
			}
			if out, _ := d.tab.Upsert(newcomer, NodeBonded); out == Inserted {
				d.emit(PeerBonded, newcomer)
			}
			d.markDirty()
		},
	)
}

// nodeFailed counts a request failure and emits the eviction event if
// the failure threshold was crossed.
func (d *Discovery) nodeFailed(id crypto.NodeID) {
	if evicted, ok := d.tab.MarkFailed(id); ok {
		logrus.WithFields(logrus.Fields{
			"function": "nodeFailed",
			"node":     id.ShortString(),
			"fails":    evicted.Fails,
		}).Info("Node evicted after repeated failures")
		d.emit(PeerEvicted, evicted.Info())
	}
	d.markDirty()
}

// findNode asks a bonded peer for nodes close to target. Results are
// folded in by handleNeighbors; a peer answering nothing before the
// deadline counts a failure against it.
func (d *Discovery) findNode(peer NodeInfo, target crypto.NodeID) {
	query := &FindNode{Target: target, Expiration: d.stamp()}
	data, _, err := Encode(query, d.key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "findNode",
			"error":    err.Error(),
		}).Error("Failed to encode findnode")
		return
	}

	req := &pendingRequest{
		key:      pendingKey{id: peer.ID, kind: NeighborsKind},
		deadline: d.clk.Now().Add(d.cfg.BondTimeout),
		want:     d.cfg.BucketSize,
		onSuccess: func(req *pendingRequest) {
			d.addCandidates(req.nodes)
		},
		onFailure: func(*pendingRequest) {
			d.nodeFailed(peer.ID)
		},
	}
	if !d.registerPending(req) {
		return
	}
	if err := d.tr.Send(data, peer.Endpoint.Addr()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "findNode",
			"to":       peer.Endpoint.String(),
			"error":    err.Error(),
		}).Warn("Findnode send failed")
	}
}

// addCandidates feeds Neighbors results into the bonding pipeline.
// Already-bonded peers are skipped; everyone else must pass their own
// Ping/Pong before becoming visible to consumers.
func (d *Discovery) addCandidates(nodes []NodeInfo) {
	for _, info := range nodes {
		if info.ID == d.self || info.ID.IsZero() {
			continue
		}
		if n, ok := d.tab.Get(info.ID); ok && n.eligible() {
			continue
		}
		d.bond(info)
	}
}

// loadSeeds returns the persisted node snapshot, degrading to the
// configured bootstrap list when storage is empty or failing.
func (d *Discovery) loadSeeds() []NodeInfo {
	if d.store != nil {
		records, err := d.store.Load()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "loadSeeds",
				"error":    err.Error(),
			}).Warn("Node snapshot unavailable, using bootstrap list")
		}
		if len(records) > 0 {
			seeds := make([]NodeInfo, 0, len(records))
			for _, rec := range records {
				seeds = append(seeds, NodeInfo{
					ID: rec.ID,
					Endpoint: Endpoint{
						IP:      rec.IP,
						UDPPort: rec.UDPPort,
						TCPPort: rec.TCPPort,
					},
				})
			}
			return seeds
		}
	}
	return d.bootstrapInfos()
}

func (d *Discovery) bootstrapInfos() []NodeInfo {
	seeds := make([]NodeInfo, 0, len(d.cfg.Bootstrap))
	for _, bn := range d.cfg.Bootstrap {
		seeds = append(seeds, NodeInfo{
			ID:       bn.ID,
			Endpoint: Endpoint{IP: bn.IP, UDPPort: bn.Port},
		})
	}
	return seeds
}

// saveSnapshot persists all eligible table entries. Storage failures
// degrade discovery, they never stop it.
func (d *Discovery) saveSnapshot() {
	if d.store == nil {
		return
	}
	snapshot := d.tab.Snapshot()
	records := make([]storage.Record, 0, len(snapshot))
	for i := range snapshot {
		n := &snapshot[i]
		if !n.eligible() {
			continue
		}
		records = append(records, storage.Record{
			ID:       n.ID,
			IP:       n.IP,
			UDPPort:  n.UDPPort,
			TCPPort:  n.TCPPort,
			LastSeen: n.LastSeen,
		})
	}
	if err := d.store.Save(records); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "saveSnapshot",
			"error":    err.Error(),
		}).Warn("Failed to persist node snapshot")
	}
}

func (d *Discovery) markDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

func (d *Discovery) consumeDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	dirty := d.dirty
	d.dirty = false
	return dirty
}

// stamp returns the expiration for an outgoing packet.
func (d *Discovery) stamp() uint64 {
	return uint64(d.clk.Now().Add(d.cfg.PacketTTL).Unix())
}

// selfEndpoint is the endpoint advertised in outgoing pings.
func (d *Discovery) selfEndpoint() Endpoint {
	addr := udpAddrOf(d.tr.LocalAddr())
	if addr == nil {
		return Endpoint{IP: net.IPv4zero, TCPPort: d.cfg.AdvertisedTCPPort}
	}
	return NewEndpoint(addr, d.cfg.AdvertisedTCPPort)
}

// sendTo encodes, signs, and transmits a packet.
func (d *Discovery) sendTo(pkt Packet, addr *net.UDPAddr) ([]byte, error) {
	data, hash, err := Encode(pkt, d.key)
	if err != nil {
		return nil, err
	}
	if err := d.tr.Send(data, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendTo",
			"packet":   pkt.Name(),
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Packet send failed")
		return hash, err
	}
	return hash, nil
}

// udpAddrOf extracts a UDP address from a generic net.Addr.
func udpAddrOf(addr net.Addr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua
	}
	ua, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil
	}
	return ua
}

// timeoutLoop sweeps pending-request deadlines.
func (d *Discovery) timeoutLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clk.Ticker(d.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepPending()
		}
	}
}

func (d *Discovery) sweepInterval() time.Duration {
	interval := d.cfg.BondTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// refreshLoop runs proximity walks: one immediately after bootstrap,
// then on every refresh tick.
func (d *Discovery) refreshLoop(ctx context.Context) {
	defer d.wg.Done()
	d.refresh()

	ticker := d.clk.Ticker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

// revalidateLoop periodically re-checks the quietest table entry, and
// falls back to re-bonding the seeds while the table is empty.
func (d *Discovery) revalidateLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clk.Ticker(d.cfg.RevalidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.revalidate()
		}
	}
}

func (d *Discovery) revalidate() {
	node, ok := d.tab.LeastRecentlyContacted()
	if !ok {
		for _, seed := range d.bootstrapInfos() {
			d.bond(seed)
		}
		return
	}
	d.bond(node.Info())
}

// persistLoop checkpoints the table after changes, debounced by the
// save interval.
func (d *Discovery) persistLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clk.Ticker(d.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.consumeDirty() {
				d.saveSnapshot()
			}
		}
	}
}
