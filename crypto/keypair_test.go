package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, kp.Private)
	require.NotNil(t, kp.Public)
	assert.False(t, kp.NodeID().IsZero())
}

func TestFromSecretKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	var secret [32]byte
	copy(secret[:], kp.Private.Serialize())

	restored, err := FromSecretKey(secret)
	require.NoError(t, err)
	assert.Equal(t, kp.NodeID(), restored.NodeID())
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	var zero [32]byte
	_, err := FromSecretKey(zero)
	assert.Error(t, err)
}

func TestSignRecover(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	digest := Keccak256([]byte("discovery packet body"))
	sig, err := Sign(digest, kp)
	require.NoError(t, err)
	require.Len(t, sig, SignatureSize)

	pub, err := RecoverPublicKey(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, kp.NodeID(), NodeIDFromPublicKey(pub))
}

func TestRecoverRejectsTamperedDigest(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	digest := Keccak256([]byte("original"))
	sig, err := Sign(digest, kp)
	require.NoError(t, err)

	other := Keccak256([]byte("tampered"))
	pub, err := RecoverPublicKey(other, sig)
	if err == nil {
		// Recovery over a different digest may still yield some key,
		// but never the signer's.
		assert.NotEqual(t, kp.NodeID(), NodeIDFromPublicKey(pub))
	}
}

func TestSignRejectsBadInput(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = Sign([]byte("short"), kp)
	assert.Error(t, err)

	_, err = Sign(make([]byte, 32), nil)
	assert.Error(t, err)
}

func TestNodeIDString(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id := kp.NodeID()
	parsed, err := NodeIDFromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = NodeIDFromString("abcd")
	assert.Error(t, err)

	_, err = NodeIDFromString(string(make([]byte, 64)))
	assert.Error(t, err)
}

func TestKeccak256Concatenates(t *testing.T) {
	joined := Keccak256([]byte("ab"), []byte("cd"))
	single := Keccak256([]byte("abcd"))
	assert.Equal(t, single, joined)
	assert.Len(t, joined, HashSize)
}
