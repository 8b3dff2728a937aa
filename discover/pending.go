package discover

import (
	"time"

	"github.com/vanshtah/lightpeer/crypto"
)

// pendingKey identifies an outstanding request: at most one request per
// (target, awaited packet kind) is in flight at a time.
type pendingKey struct {
	id   crypto.NodeID
	kind byte
}

// pendingRequest tracks an outbound Ping or FindNode awaiting its
// response. Owned exclusively by the orchestrator under its mutex and
// garbage-collected on completion, timeout exhaustion, or shutdown.
// Completion fires at most once.
type pendingRequest struct {
	key         pendingKey
	token       []byte
	deadline    time.Time
	retriesLeft int

	// resend re-issues the request and returns the fresh correlation
	// token. Nil for requests that are not retried.
	resend func() ([]byte, error)

	// nodes accumulates Neighbors results across response chunks.
	nodes []NodeInfo
	want  int

	onSuccess func(req *pendingRequest)
	onFailure func(req *pendingRequest)
}

// takePending removes and returns the pending request matching
// (id, kind) if match accepts it. Unmatched or late responses leave the
// set untouched; the caller drops them silently.
func (d *Discovery) takePending(id crypto.NodeID, kind byte, match func(*pendingRequest) bool) *pendingRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := pendingKey{id: id, kind: kind}
	req, ok := d.pending[key]
	if !ok || (match != nil && !match(req)) {
		return nil
	}
	delete(d.pending, key)
	return req
}

// registerPending installs req unless a request with the same key is
// already outstanding.
func (d *Discovery) registerPending(req *pendingRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[req.key]; exists {
		return false
	}
	d.pending[req.key] = req
	return true
}

// sweepPending retries or fails requests whose deadline has passed.
// A timed-out FindNode that already produced a partial Neighbors set
// counts as success with what arrived.
func (d *Discovery) sweepPending() {
	now := d.clk.Now()
	var resends, completed, failed []*pendingRequest

	d.mu.Lock()
	for key, req := range d.pending {
		if now.Before(req.deadline) {
			continue
		}
		if req.retriesLeft > 0 && req.resend != nil {
			req.retriesLeft--
			req.deadline = now.Add(d.cfg.BondTimeout)
			resends = append(resends, req)
			continue
		}
		delete(d.pending, key)
		if req.key.kind == NeighborsKind && len(req.nodes) > 0 {
			completed = append(completed, req)
		} else {
			failed = append(failed, req)
		}
	}
	d.mu.Unlock()

	for _, req := range resends {
		token, err := req.resend()
		if err != nil {
			continue
		}
		d.mu.Lock()
		req.token = token
		d.mu.Unlock()
	}
	for _, req := range completed {
		if req.onSuccess != nil {
			req.onSuccess(req)
		}
	}
	for _, req := range failed {
		if req.onFailure != nil {
			req.onFailure(req)
		}
	}
}
