package crypto

import (
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// NodeIDSize is the length of a node identifier in bytes.
const NodeIDSize = 32

// NodeID is the public-key-derived identifier of a node. It serves both
// as the routing key in the discovery table and as the authenticated
// sender identity of signed packets.
type NodeID [NodeIDSize]byte

// NodeIDFromPublicKey derives a node ID by hashing the 64-byte
// uncompressed public key (the 0x04 prefix is stripped first).
func NodeIDFromPublicKey(pub *secp256k1.PublicKey) NodeID {
	var id NodeID
	ser := pub.SerializeUncompressed()
	copy(id[:], Keccak256(ser[1:]))
	return id
}

// NodeIDFromString parses a node ID from its hexadecimal representation.
func NodeIDFromString(s string) (NodeID, error) {
	var id NodeID
	if len(s) != NodeIDSize*2 {
		return id, errors.New("invalid node ID length")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], data)
	return id, nil
}

// String returns the hexadecimal representation of the node ID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns an abbreviated form suitable for log fields.
func (id NodeID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the ID is the all-zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// MarshalText encodes the ID as hex so it serializes readably in JSON
// snapshots and log output.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex-encoded ID.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := NodeIDFromString(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
