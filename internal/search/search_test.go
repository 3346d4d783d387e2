package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/reachdht/internal/kademlia"
)

func id(b byte) kademlia.ID {
	var out kademlia.ID
	out[0] = b
	return out
}

func addr(b byte) kademlia.Address { return kademlia.Address{b, b, b, b, 0, 1} }

func TestNewSearch_SeedNodesHaveNilParent(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)

	a := sr.AddNode(store, nil, id(0x01), addr(1), time.Now(), 0)
	require.NotNil(t, a)
	assert.Nil(t, a.Parent)
	assert.Len(t, sr.Seeds(), 1)
}

func TestTidFor_IsBijectiveWithinSearch(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)

	a := sr.AddNode(store, nil, id(0x01), addr(1), time.Now(), 0)
	b := sr.AddNode(store, nil, id(0x02), addr(2), time.Now(), 0)

	assert.NotEqual(t, sr.TidFor(a), sr.TidFor(b))

	_, nodeA, ok := store.GetNode(sr.TidFor(a))
	require.True(t, ok)
	assert.Equal(t, a, nodeA)
}

func TestAddNode_DedupsRepeatedID(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)

	first := sr.AddNode(store, nil, id(0x01), addr(1), time.Now(), 0)
	require.NotNil(t, first)

	second := sr.AddNode(store, first, id(0x01), addr(2), time.Now(), 0)
	assert.Nil(t, second, "a candidate already seen in this search must not be re-added")
}

func TestAddNode_PreEvictsStaleUnreplied(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)

	now := time.Now()
	stale := sr.AddNode(store, nil, id(0x01), addr(1), now, 0)
	sr.RequestSent(stale, now.Add(-10*time.Second))

	// Adding a new candidate well after the threshold should evict the
	// stale, never-replied one.
	sr.AddNode(store, nil, id(0x02), addr(2), now, 5*time.Second)

	_, _, found := store.GetNode(sr.TidFor(stale))
	assert.False(t, found)
}

func TestAddNode_DoesNotEvictRepliedCandidates(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)

	now := time.Now()
	replied := sr.AddNode(store, nil, id(0x01), addr(1), now, 0)
	sr.RequestSent(replied, now.Add(-10*time.Second))
	sr.RequestReplied(replied, 20*time.Millisecond)

	sr.AddNode(store, nil, id(0x02), addr(2), now, 5*time.Second)

	_, _, found := store.GetNode(sr.TidFor(replied))
	assert.True(t, found)
}

// S5: seed A, B; reply from A introduces C (closer to target than B) and
// a farther node; NextNode must pick the closest unvisited candidate, C.
func TestNextNode_S5PicksClosestUnvisited(t *testing.T) {
	target := id(0x00)
	store := NewStore()
	sr := store.NewSearch(target, false, nil)

	now := time.Now()
	a := sr.AddNode(store, nil, id(0x10), addr(1), now, 0)
	b := sr.AddNode(store, nil, id(0x20), addr(2), now, 0)
	sr.RequestSent(a, now)
	sr.RequestSent(b, now)
	sr.RequestReplied(a, 5*time.Millisecond)

	c := sr.AddNode(store, a, id(0x01), addr(3), now, 0) // closer to 0x00 than b
	_ = sr.AddNode(store, a, id(0x30), addr(4), now, 0)  // farther

	next := sr.NextNode()
	require.NotNil(t, next)
	assert.Equal(t, c.ID, next.ID)
}

func TestNextNode_NilWhenAllContacted(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)
	now := time.Now()
	a := sr.AddNode(store, nil, id(0x01), addr(1), now, 0)
	sr.RequestSent(a, now)

	assert.Nil(t, sr.NextNode())
}

// S6: A -> C -> D chain; back-trace from D reaches the seed A.
func TestBackTrace_S6ReachesSeed(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)
	now := time.Now()

	a := sr.AddNode(store, nil, id(0x10), addr(1), now, 0)
	c := sr.AddNode(store, a, id(0x08), addr(2), now, 0)
	d := sr.AddNode(store, c, id(0x01), addr(3), now, 0)

	chain := sr.BackTrace(d)
	require.Len(t, chain, 3)
	assert.Equal(t, d, chain[0])
	assert.Equal(t, c, chain[1])
	assert.Equal(t, a, chain[2])
	assert.Nil(t, chain[2].Parent)
}

func TestFinalise_RemovesAllTidsForSearch(t *testing.T) {
	store := NewStore()
	sr := store.NewSearch(id(0x00), false, nil)
	now := time.Now()
	a := sr.AddNode(store, nil, id(0x01), addr(1), now, 0)
	tid := sr.TidFor(a)

	store.Finalise(sr)

	_, _, found := store.GetNode(tid)
	assert.False(t, found)
}
