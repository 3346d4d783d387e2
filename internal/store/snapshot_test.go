package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/nodestore"
)

type memBackend struct{ data []byte }

func (m *memBackend) Write(data []byte) error { m.data = append([]byte(nil), data...); return nil }
func (m *memBackend) Read() ([]byte, error)    { return m.data, nil }

func id(b byte) kademlia.ID {
	var out kademlia.ID
	out[0] = b
	return out
}

func addr(b byte) kademlia.Address { return kademlia.Address{b, b, b, b, 0, 1} }

func TestSaveLoad_RoundTripsReachAndAddress(t *testing.T) {
	self := id(0xFF)
	s := nodestore.New(self, nodestore.DefaultConfig(), nil)
	s.Add(id(0x01), addr(1))
	s.CreditReach(id(0x01), 12345)
	s.Add(id(0x02), addr(2))

	backend := &memBackend{}
	require.NoError(t, Save(s, backend))

	restored := nodestore.New(self, nodestore.DefaultConfig(), nil)
	require.NoError(t, Load(restored, backend))

	n, ok := restored.Lookup(id(0x01))
	require.True(t, ok)
	assert.Equal(t, uint32(12345), n.Reach)
	assert.Equal(t, addr(1), n.Addr)

	assert.Equal(t, 2, restored.Len())
}

func TestSave_CompressesNonTrivially(t *testing.T) {
	self := id(0xFF)
	s := nodestore.New(self, nodestore.DefaultConfig(), nil)
	for i := byte(1); i < 100; i++ {
		s.Add(id(i), addr(i))
	}

	backend := &memBackend{}
	require.NoError(t, Save(s, backend))
	assert.NotEmpty(t, backend.data)

	var snap Snapshot
	for _, n := range s.Snapshot() {
		snap.Nodes = append(snap.Nodes, record{ID: n.ID, Addr: n.Addr, Reach: n.Reach})
	}
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Less(t, len(backend.data), len(raw), "compressed snapshot must be smaller than its JSON")
}
