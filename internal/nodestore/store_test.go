package nodestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/reachdht/internal/kademlia"
)

func idFor(b byte) kademlia.ID {
	var id kademlia.ID
	id[0] = b
	return id
}

func addrFor(b byte) kademlia.Address {
	return kademlia.Address{b, b, b, b, 0, 1}
}

func TestAdd_IdempotentPreservesReach(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	id := idFor(1)

	s.Add(id, addrFor(10))
	s.CreditReach(id, 500)
	s.Add(id, addrFor(10)) // second Add with the same id/addr

	n, ok := s.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, uint32(500), n.Reach)
	assert.Equal(t, 1, s.Len())
}

func TestAdd_CollisionUpdatesAddressOnly(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	id := idFor(1)

	s.Add(id, addrFor(10))
	s.CreditReach(id, 42)
	s.Add(id, addrFor(20))

	n, _ := s.Lookup(id)
	assert.Equal(t, addrFor(20), n.Addr)
	assert.Equal(t, uint32(42), n.Reach)
}

func TestEviction_LowestReachFirst(t *testing.T) {
	cfg := Config{Capacity: 2, ReachDecreasePerSecond: 1}
	s := New(idFor(0xFF), cfg, nil)

	a, b := idFor(1), idFor(2)
	s.Add(a, addrFor(1))
	s.Add(b, addrFor(2))
	s.CreditReach(a, 100)
	s.CreditReach(b, 10)

	s.Add(idFor(3), addrFor(3)) // triggers eviction; b has lowest reach

	_, bStillThere := s.Lookup(b)
	assert.False(t, bStillThere)
	_, aStillThere := s.Lookup(a)
	assert.True(t, aStillThere)
}

func TestClosestK_FallsBackToPureDistanceWhenNoReach(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	target := idFor(0x00)

	near := idFor(0x01)
	far := idFor(0x80)
	s.Add(near, addrFor(1))
	s.Add(far, addrFor(2))

	got := s.ClosestK(target, 2)
	require.Len(t, got, 2)
	assert.Equal(t, near, got[0].ID)
	assert.Equal(t, far, got[1].ID)
}

func TestClosestK_RanksByDistanceOverReach(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	target := idFor(0x00)

	closeButWeak := idFor(0x01)
	farButStrong := idFor(0x80)
	s.Add(closeButWeak, addrFor(1))
	s.Add(farButStrong, addrFor(2))
	s.CreditReach(closeButWeak, 1)
	s.CreditReach(farButStrong, 1_000_000)

	got := s.ClosestK(target, 2)
	require.Len(t, got, 2)
	assert.Equal(t, farButStrong, got[0].ID, "lower distance/reach ratio should rank first")
}

func TestOurReach_IsHighestKnown(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	a, b := idFor(1), idFor(2)
	s.Add(a, addrFor(1))
	s.Add(b, addrFor(2))
	s.CreditReach(a, 10)
	s.CreditReach(b, 99)

	assert.Equal(t, uint32(99), s.OurReach())
}

func TestZeroReach_TracksConsecutiveTimeouts(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	id := idFor(1)
	s.Add(id, addrFor(1))
	s.CreditReach(id, 500)

	count := s.ZeroReach(id)
	assert.Equal(t, 1, count)

	n, _ := s.Lookup(id)
	assert.Equal(t, uint32(0), n.Reach)

	count = s.ZeroReach(id)
	assert.Equal(t, 2, count)

	s.ResetTimeouts(id)
	n, _ = s.Lookup(id)
	assert.Equal(t, 0, n.ConsecutiveTimeouts)
}

func TestCreditReach_SaturatesAtMax(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	id := idFor(1)
	s.Add(id, addrFor(1))
	s.CreditReach(id, ^uint32(0))
	s.CreditReach(id, 1000)

	n, _ := s.Lookup(id)
	assert.Equal(t, ^uint32(0), n.Reach)
}

func TestCreditReach_SkipsEvictedNode(t *testing.T) {
	s := New(idFor(0xFF), DefaultConfig(), nil)
	id := idFor(1)
	s.Remove(id) // never existed; should be a harmless no-op
	s.CreditReach(id, 500)
	_, ok := s.Lookup(id)
	assert.False(t, ok)
}
