package searchdriver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/reachdht/internal/avgroller"
	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/nodestore"
	"github.com/nmxmxh/reachdht/internal/router"
	"github.com/nmxmxh/reachdht/internal/search"
	"github.com/nmxmxh/reachdht/internal/wire"
)

type mockSender struct {
	mu  sync.Mutex
	n   int
	out []wire.Message
}

func (m *mockSender) Send(addr kademlia.Address, msg wire.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	m.out = append(m.out, msg)
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

func id(b byte) kademlia.ID {
	var out kademlia.ID
	out[0] = b
	return out
}

func addr(b byte) kademlia.Address { return kademlia.Address{b, b, b, b, 0, 1} }

// Property 7: timer liveness — a search with no reply advances within
// 2*gmrt of being begun.
func TestDriver_FiresNextHopOnTimeout(t *testing.T) {
	self := id(0xFF)
	nodes := nodestore.New(self, nodestore.DefaultConfig(), nil)
	nodes.Add(id(0x01), addr(1))
	nodes.Add(id(0x02), addr(2))

	searches := search.NewStore()
	gmrt := avgroller.New() // seeded at 100ms, so 2*gmrt = 200ms
	sender := &mockSender{}
	rtr := router.New(self, nodes, searches, gmrt, sender, router.DefaultConfig(), nil)

	sr, err := rtr.BeginSearch(id(0x00), nil, nil, false, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, sender.count())

	d := New(sr, rtr, gmrt, DefaultConfig(), nil)
	assert.Equal(t, AwaitingReply, d.State())

	require.Eventually(t, func() bool {
		return sender.count() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestDriver_FinalisesWhenCandidatesExhausted(t *testing.T) {
	self := id(0xFF)
	nodes := nodestore.New(self, nodestore.DefaultConfig(), nil)
	nodes.Add(id(0x01), addr(1))

	searches := search.NewStore()
	gmrt := avgroller.New()
	sender := &mockSender{}
	rtr := router.New(self, nodes, searches, gmrt, sender, router.DefaultConfig(), nil)

	sr, err := rtr.BeginSearch(id(0x00), nil, nil, false, time.Now())
	require.NoError(t, err)

	d := New(sr, rtr, gmrt, DefaultConfig(), nil)

	require.Eventually(t, func() bool {
		return d.State() == Finalising
	}, time.Second, 10*time.Millisecond)
}

func TestDriver_NotifyStopCancelsTimer(t *testing.T) {
	self := id(0xFF)
	nodes := nodestore.New(self, nodestore.DefaultConfig(), nil)
	nodes.Add(id(0x01), addr(1))

	searches := search.NewStore()
	gmrt := avgroller.New()
	sender := &mockSender{}
	rtr := router.New(self, nodes, searches, gmrt, sender, router.DefaultConfig(), nil)

	sr, err := rtr.BeginSearch(id(0x00), nil, nil, false, time.Now())
	require.NoError(t, err)

	d := New(sr, rtr, gmrt, DefaultConfig(), nil)
	d.NotifyStop()
	assert.Equal(t, Finalising, d.State())

	countAfterStop := sender.count()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, countAfterStop, sender.count(), "a stopped driver must never fire again")
}
