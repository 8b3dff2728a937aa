// Package crypto implements the identity and packet-authentication
// primitives for the peer discovery engine.
//
// Node identity is a secp256k1 key pair. The node ID is derived from the
// public key, and discovery packets carry compact recoverable signatures
// so a receiver can authenticate a datagram from an unknown sender
// without any prior key exchange.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Node ID:", keys.NodeID())
package crypto

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureSize is the length of a compact recoverable signature:
// one recovery byte followed by R and S.
const SignatureSize = 65

// KeyPair holds a secp256k1 key pair identifying the local node.
type KeyPair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

// GenerateKeyPair creates a new random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// FromSecretKey creates a key pair from an existing 32-byte private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}
	priv := secp256k1.PrivKeyFromBytes(secretKey[:])
	if priv.Key.IsZero() {
		return nil, errors.New("invalid secret key: not in curve order")
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// NodeID returns the node ID derived from the public key.
func (kp *KeyPair) NodeID() NodeID {
	return NodeIDFromPublicKey(kp.Public)
}

// Sign produces a compact recoverable signature over a 32-byte digest.
// The digest must already be a hash of the message; Sign does not hash.
func Sign(digest []byte, kp *KeyPair) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, errors.New("nil signing key")
	}
	if len(digest) != 32 {
		return nil, errors.New("digest must be 32 bytes")
	}
	return ecdsa.SignCompact(kp.Private, digest, false), nil
}

// RecoverPublicKey recovers the signer's public key from a compact
// recoverable signature and the signed digest.
func RecoverPublicKey(digest, sig []byte) (*secp256k1.PublicKey, error) {
	if len(sig) != SignatureSize {
		return nil, errors.New("invalid signature length")
	}
	if len(digest) != 32 {
		return nil, errors.New("digest must be 32 bytes")
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
