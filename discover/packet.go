package discover

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/vanshtah/lightpeer/crypto"
)

// Packet kinds. The protocol's message set is fixed; dispatch is an
// exhaustive type switch over the four concrete packet structs.
const (
	PingKind byte = iota + 1
	PongKind
	FindNodeKind
	NeighborsKind
)

// ProtocolVersion is carried in Ping packets and checked nowhere yet;
// it exists so incompatible future revisions can be told apart.
const ProtocolVersion = 1

// MaxNeighbors bounds the node count of a single Neighbors packet so
// the datagram stays safely under the transport MTU.
const MaxNeighbors = 12

// headSize is the length of the hash and signature prefix.
const headSize = crypto.HashSize + crypto.SignatureSize

// Decode failure taxonomy. All are non-fatal: the offending datagram is
// dropped and logged by the caller.
var (
	ErrCorruptPacket    = errors.New("corrupt packet")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("expired packet")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Packet is the closed set of discovery messages. Packets are immutable
// once constructed; validity is a pure function of bytes and clock.
type Packet interface {
	Kind() byte
	Name() string

	expiry() uint64
	appendPayload(buf []byte) []byte
}

// NodeInfo pairs a node's identity with its endpoint, as carried in
// Neighbors packets and handed to consumers.
type NodeInfo struct {
	ID       crypto.NodeID
	Endpoint Endpoint
}

// Ping opens a bonding handshake.
type Ping struct {
	Version    byte
	From, To   Endpoint
	Expiration uint64
}

// Pong answers a Ping. ReplyTok echoes the content hash of the Ping it
// answers; the sender correlates it against pending requests.
type Pong struct {
	To         Endpoint
	ReplyTok   [crypto.HashSize]byte
	Expiration uint64
}

// FindNode asks a peer for the nodes closest to Target that it knows.
type FindNode struct {
	Target     crypto.NodeID
	Expiration uint64
}

// Neighbors answers a FindNode with up to MaxNeighbors candidates.
type Neighbors struct {
	Nodes      []NodeInfo
	Expiration uint64
}

func (p *Ping) Kind() byte   { return PingKind }
func (p *Ping) Name() string { return "PING" }
func (p *Ping) expiry() uint64 { return p.Expiration }

func (p *Pong) Kind() byte   { return PongKind }
func (p *Pong) Name() string { return "PONG" }
func (p *Pong) expiry() uint64 { return p.Expiration }

func (p *FindNode) Kind() byte   { return FindNodeKind }
func (p *FindNode) Name() string { return "FINDNODE" }
func (p *FindNode) expiry() uint64 { return p.Expiration }

func (p *Neighbors) Kind() byte   { return NeighborsKind }
func (p *Neighbors) Name() string { return "NEIGHBORS" }
func (p *Neighbors) expiry() uint64 { return p.Expiration }

func (p *Ping) appendPayload(buf []byte) []byte {
	buf = append(buf, p.Version)
	buf = appendEndpoint(buf, p.From)
	buf = appendEndpoint(buf, p.To)
	return appendUint64(buf, p.Expiration)
}

func (p *Pong) appendPayload(buf []byte) []byte {
	buf = appendEndpoint(buf, p.To)
	buf = append(buf, p.ReplyTok[:]...)
	return appendUint64(buf, p.Expiration)
}

func (p *FindNode) appendPayload(buf []byte) []byte {
	buf = append(buf, p.Target[:]...)
	return appendUint64(buf, p.Expiration)
}

func (p *Neighbors) appendPayload(buf []byte) []byte {
	buf = append(buf, byte(len(p.Nodes)))
	for _, n := range p.Nodes {
		buf = appendEndpoint(buf, n.Endpoint)
		buf = append(buf, n.ID[:]...)
	}
	return appendUint64(buf, p.Expiration)
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Encode serializes and signs a packet:
//
//	data = hash(32) || signature(65) || type(1) || payload
//	signature = recoverable-ECDSA over keccak256(type || payload)
//	hash = keccak256(signature || type || payload)
//
// The hash prefix provides transport-level integrity and serves as the
// Pong correlation token. Encode is a pure transform: the expiration is
// a field of the packet, stamped by the caller.
func Encode(pkt Packet, key *crypto.KeyPair) (data, hash []byte, err error) {
	body := pkt.appendPayload([]byte{pkt.Kind()})
	sig, err := crypto.Sign(crypto.Keccak256(body), key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign packet: %w", err)
	}
	hash = crypto.Keccak256(sig, body)

	data = make([]byte, 0, len(hash)+len(sig)+len(body))
	data = append(data, hash...)
	data = append(data, sig...)
	data = append(data, body...)
	return data, hash, nil
}

// Decode verifies and parses a raw datagram. It checks the content
// hash, recovers the sender identity from the signature, parses the
// typed payload, and enforces expiration against now with the given
// clock-skew allowance. A packet is accepted up to and including
// expiration + skew.
func Decode(data []byte, now time.Time, skew time.Duration) (Packet, crypto.NodeID, []byte, error) {
	var from crypto.NodeID
	if len(data) < headSize+1 {
		return nil, from, nil, fmt.Errorf("%w: %d bytes", ErrCorruptPacket, len(data))
	}
	hash := data[:crypto.HashSize]
	sig := data[crypto.HashSize:headSize]
	body := data[headSize:]

	if !bytes.Equal(hash, crypto.Keccak256(sig, body)) {
		return nil, from, nil, fmt.Errorf("%w: hash mismatch", ErrCorruptPacket)
	}
	pub, err := crypto.RecoverPublicKey(crypto.Keccak256(body), sig)
	if err != nil {
		return nil, from, hash, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	from = crypto.NodeIDFromPublicKey(pub)

	pkt, err := parsePayload(body[0], body[1:])
	if err != nil {
		return nil, from, hash, err
	}
	if expired(pkt.expiry(), now, skew) {
		return nil, from, hash, fmt.Errorf("%w: expiration %d", ErrExpired, pkt.expiry())
	}
	return pkt, from, hash, nil
}

func expired(expiration uint64, now time.Time, skew time.Duration) bool {
	return now.After(time.Unix(int64(expiration), 0).Add(skew))
}

func parsePayload(kind byte, payload []byte) (Packet, error) {
	r := &payloadReader{buf: payload}
	switch kind {
	case PingKind:
		return parsePing(r)
	case PongKind:
		return parsePong(r)
	case FindNodeKind:
		return parseFindNode(r)
	case NeighborsKind:
		return parseNeighbors(r)
	default:
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPayload, kind)
	}
}

func parsePing(r *payloadReader) (Packet, error) {
	var p Ping
	var err error
	if p.Version, err = r.readByte(); err != nil {
		return nil, err
	}
	if p.From, err = r.readEndpoint(); err != nil {
		return nil, err
	}
	if p.To, err = r.readEndpoint(); err != nil {
		return nil, err
	}
	if p.Expiration, err = r.readUint64(); err != nil {
		return nil, err
	}
	return &p, r.finish()
}

func parsePong(r *payloadReader) (Packet, error) {
	var p Pong
	var err error
	if p.To, err = r.readEndpoint(); err != nil {
		return nil, err
	}
	tok, err := r.take(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	copy(p.ReplyTok[:], tok)
	if p.Expiration, err = r.readUint64(); err != nil {
		return nil, err
	}
	return &p, r.finish()
}

func parseFindNode(r *payloadReader) (Packet, error) {
	var p FindNode
	target, err := r.take(crypto.NodeIDSize)
	if err != nil {
		return nil, err
	}
	copy(p.Target[:], target)
	if p.Expiration, err = r.readUint64(); err != nil {
		return nil, err
	}
	return &p, r.finish()
}

func parseNeighbors(r *payloadReader) (Packet, error) {
	var p Neighbors
	count, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if count > MaxNeighbors {
		return nil, fmt.Errorf("%w: %d neighbors exceeds limit", ErrMalformedPayload, count)
	}
	for i := 0; i < int(count); i++ {
		var n NodeInfo
		if n.Endpoint, err = r.readEndpoint(); err != nil {
			return nil, err
		}
		id, err := r.take(crypto.NodeIDSize)
		if err != nil {
			return nil, err
		}
		copy(n.ID[:], id)
		p.Nodes = append(p.Nodes, n)
	}
	if p.Expiration, err = r.readUint64(); err != nil {
		return nil, err
	}
	return &p, r.finish()
}
