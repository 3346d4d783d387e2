package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/reachdht/internal/kademlia"
)

func id(b byte) kademlia.ID {
	var out kademlia.ID
	out[0] = b
	return out
}

func TestMarshalUnmarshal_QueryRoundTrip(t *testing.T) {
	target := id(0x02)
	m := Message{
		Tid:   "abc",
		Type:  TypeQuery,
		Query: QueryFindNode,
		Args:  Arguments{ID: id(0x01), Target: &target},
	}

	raw, err := Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)

	assert.Equal(t, m.Tid, got.Tid)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Query, got.Query)
	assert.Equal(t, m.Args.ID, got.Args.ID)
	require.NotNil(t, got.Args.Target)
	assert.Equal(t, *m.Args.Target, *got.Args.Target)
}

func TestMarshalUnmarshal_ReplyWithNodes(t *testing.T) {
	nodes := EncodeNodes([]NodeRecord{
		{ID: id(0x10), Addr: kademlia.Address{1, 2, 3, 4, 0, 80}},
		{ID: id(0x20), Addr: kademlia.Address{5, 6, 7, 8, 0, 81}},
	})

	m := Message{
		Tid:  "xyz",
		Type: TypeReply,
		Args: Arguments{ID: id(0x01), Nodes: nodes},
	}

	raw, err := Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, nodes, got.Args.Nodes)

	ids, addrs, err := DecodeNodes(got.Args.Nodes)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, id(0x10), ids[0])
	assert.Equal(t, kademlia.Address{5, 6, 7, 8, 0, 81}, addrs[1])
}

func TestDecodeNodes_RejectsLengthNotMultipleOf26(t *testing.T) {
	_, _, err := DecodeNodes(make([]byte, 27))
	assert.Error(t, err)
}

func TestSearchTarget_PrefersTargetOverInfoHash(t *testing.T) {
	target := id(0x01)
	infoHash := id(0x02)
	m := Message{Args: Arguments{Target: &target, InfoHash: &infoHash}}

	got, ok := m.SearchTarget()
	require.True(t, ok)
	assert.Equal(t, target, got)
}

func TestSearchTarget_FallsBackToInfoHash(t *testing.T) {
	infoHash := id(0x02)
	m := Message{Args: Arguments{InfoHash: &infoHash}}

	got, ok := m.SearchTarget()
	require.True(t, ok)
	assert.Equal(t, infoHash, got)
}

func TestSearchTarget_MissingBoth(t *testing.T) {
	m := Message{}
	_, ok := m.SearchTarget()
	assert.False(t, ok)
}

func TestUnmarshal_MissingIDIsError(t *testing.T) {
	// Hand-built query whose "a" dictionary carries a target but no "id" key;
	// Marshal cannot produce this, since it always writes the 20-byte id.
	raw := []byte("d1:ad6:target20:aaaaaaaaaaaaaaaaaaaae1:q9:find_node1:t1:t1:y1:qe")
	_, err := Unmarshal(raw)
	assert.Error(t, err)
}
