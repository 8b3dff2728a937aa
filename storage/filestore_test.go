package storage

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshtah/lightpeer/crypto"
)

func testRecords(t *testing.T) []Record {
	t.Helper()
	var recs []Record
	for i := 0; i < 3; i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		recs = append(recs, Record{
			ID:       kp.NodeID(),
			IP:       net.IPv4(10, 0, 0, byte(i+1)),
			UDPPort:  uint16(30303 + i),
			TCPPort:  uint16(30303 + i),
			LastSeen: time.Now().Truncate(time.Second),
		})
	}
	return recs
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	recs := testRecords(t)
	require.NoError(t, fs.Save(recs))

	loaded, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, loaded, len(recs))
	for i := range recs {
		assert.Equal(t, recs[i].ID, loaded[i].ID)
		assert.True(t, recs[i].IP.Equal(loaded[i].IP))
		assert.Equal(t, recs[i].UDPPort, loaded[i].UDPPort)
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileStoreUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"nodes":[]}`), 0o600))

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileStoreOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	recs := testRecords(t)
	require.NoError(t, fs.Save(recs))
	require.NoError(t, fs.Save(recs[:1]))

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ms := NewMemoryStore()

	loaded, err := ms.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	recs := testRecords(t)
	require.NoError(t, ms.Save(recs))

	loaded, err = ms.Load()
	require.NoError(t, err)
	assert.Equal(t, recs, loaded)

	// Mutating the returned slice must not affect the store.
	loaded[0].UDPPort = 1
	again, err := ms.Load()
	require.NoError(t, err)
	assert.Equal(t, recs[0].UDPPort, again[0].UDPPort)
}
