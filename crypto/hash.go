package crypto

import (
	"golang.org/x/crypto/sha3"
)

// HashSize is the length of a packet content hash in bytes.
const HashSize = 32

// Keccak256 computes the legacy Keccak-256 digest of the concatenated
// inputs. Discovery packet hashes and node IDs both use this digest.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
