// Package search implements the search store: in-flight iterative
// searches, their per-search tries of contacted peers, transaction-id
// bijection, and back-trace reconstruction for reach attribution
// (spec §4.3).
package search

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/reachdht/internal/kademlia"
)

// Node is one contacted peer within a search (SearchNode in spec
// terminology — renamed to avoid stutter with kademlia and nodestore
// Node types).
type Node struct {
	ID         kademlia.ID
	Addr       kademlia.Address
	Parent     *Node
	SendTime   time.Time
	ReplyDelay time.Duration
	Replied    bool
	Tid        string
}

// Search is a single live iterative query. All per-search state (nodes,
// tids, dedup filter) lives only as long as the Search itself, mirroring
// the arena-per-search lifetime described in spec §9 — there is no
// separate allocator object in Go, the garbage collector plays that role
// once the Search is dropped from the Store's registry.
type Search struct {
	Target   kademlia.ID
	Context  interface{}
	External bool // true if this search was begun to answer someone else's query

	mu          sync.Mutex
	byTid       map[string]*Node
	seeds       []*Node
	seen        *bloom.BloomFilter
	tidCount    uint64
	id          string
	lastReplied *Node
}

// ID returns the search's unique registry key (Store.NewSearch's minted
// id), used by the router to key driver attachment and bookkeeping.
func (sr *Search) ID() string { return sr.id }

// LastReplied returns the most recently replied-to node in this search,
// or nil if none has replied yet — the reach-attribution chain's starting
// point (spec §4.4.1).
func (sr *Search) LastReplied() *Node {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.lastReplied
}

// Store tracks every live search and resolves incoming tids back to their
// originating search + node, across all of them.
type Store struct {
	mu       sync.Mutex
	searches map[string]*Search
	tidIndex map[string]*Search // tid -> owning search, for GetNode
	counter  uint64
}

// NewStore creates an empty search registry.
func NewStore() *Store {
	return &Store{
		searches: make(map[string]*Search),
		tidIndex: make(map[string]*Search),
	}
}

// NewSearch allocates a fresh search scope for target and registers it.
func (s *Store) NewSearch(target kademlia.ID, external bool, ctx interface{}) *Search {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	sr := &Search{
		Target:   target,
		Context:  ctx,
		External: external,
		byTid:    make(map[string]*Node),
		seen:     bloom.NewWithEstimates(ReturnSizeEstimate, 0.01),
		id:       fmt.Sprintf("%s-%d", target.String(), s.counter),
	}
	s.searches[sr.id] = sr
	return sr
}

// ReturnSizeEstimate sizes the per-search bloom filter: a search rarely
// contacts more than a few hundred distinct candidates before finalising.
const ReturnSizeEstimate = 512

// Finalise releases a search from the store's registry (and, with it,
// every tid it owns). Mirrors "allocator released" in spec §3/§5.
func (s *Store) Finalise(sr *Search) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr.mu.Lock()
	for tid := range sr.byTid {
		delete(s.tidIndex, tid)
	}
	sr.mu.Unlock()

	delete(s.searches, sr.id)
}

// GetNode resolves an incoming reply's tid to its owning search and node.
func (s *Store) GetNode(tid string) (*Search, *Node, bool) {
	s.mu.Lock()
	sr, ok := s.tidIndex[tid]
	s.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	sr.mu.Lock()
	n, ok := sr.byTid[tid]
	sr.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	return sr, n, true
}

// AddNode appends id/addr as a candidate under parent (nil for a seed),
// minting a fresh tid. Before inserting, any candidate that was sent a
// request more than evictOlderThan ago and never replied is pre-evicted
// from the trie — it is dead weight that would otherwise keep stale
// branches reachable from NextNode.
//
// A candidate id already seen in this search (bloom-filter dedup,
// grounded on the teacher's seenFilter gossip dedup) is skipped; distinct
// peers sharing a 32-bit prefix are still distinguished because the
// filter keys on the full 160-bit id, never the prefix.
func (sr *Search) AddNode(store *Store, parent *Node, id kademlia.ID, addr kademlia.Address, now time.Time, evictOlderThan time.Duration) *Node {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.evictStaleLocked(now, evictOlderThan)

	if sr.seen.Test(id[:]) {
		return nil
	}
	sr.seen.Add(id[:])

	sr.tidCount++
	tid := fmt.Sprintf("%s.%d", sr.id, sr.tidCount)

	n := &Node{ID: id, Addr: addr, Parent: parent, Tid: tid}
	sr.byTid[tid] = n
	if parent == nil {
		sr.seeds = append(sr.seeds, n)
	}

	store.mu.Lock()
	store.tidIndex[tid] = sr
	store.mu.Unlock()

	return n
}

// evictStaleLocked drops any never-replied candidate whose request was
// sent more than evictOlderThan ago. Caller must hold sr.mu.
func (sr *Search) evictStaleLocked(now time.Time, evictOlderThan time.Duration) {
	if evictOlderThan <= 0 {
		return
	}
	for tid, n := range sr.byTid {
		if !n.Replied && !n.SendTime.IsZero() && now.Sub(n.SendTime) > evictOlderThan {
			delete(sr.byTid, tid)
		}
	}
}

// NextNode returns the unvisited (never sent) candidate with the smallest
// XOR distance to the search target, or nil if every known candidate has
// already been contacted.
func (sr *Search) NextNode() *Node {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var best *Node
	var bestDist uint32
	for _, n := range sr.byTid {
		if !n.SendTime.IsZero() {
			continue // already contacted
		}
		d := kademlia.XorDistance(n.ID, sr.Target)
		if best == nil || d < bestDist {
			best, bestDist = n, d
		}
	}
	return best
}

// TidFor returns the transaction id used to address n.
func (sr *Search) TidFor(n *Node) string { return n.Tid }

// RequestSent records that a request was just dispatched to n.
func (sr *Search) RequestSent(n *Node, now time.Time) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	n.SendTime = now
}

// RequestReplied marks n as replied and records its observed latency.
func (sr *Search) RequestReplied(n *Node, delay time.Duration) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	n.Replied = true
	n.ReplyDelay = delay
	sr.lastReplied = n
}

// SkipNode marks a candidate as handled without ever dispatching to it —
// used by Router.Advance to pass over a peer whose circuit breaker is
// currently open, without it ever resurfacing from NextNode or Outstanding.
func (sr *Search) SkipNode(n *Node, now time.Time) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	n.SendTime = now
	n.Replied = true
}

// BackTrace returns the chain of contacted nodes from "from" back to its
// seed, deepest first. Every element but the last has a Replied parent by
// invariant (spec §3); the chain always terminates at a seed (Parent ==
// nil).
func (sr *Search) BackTrace(from *Node) []*Node {
	var chain []*Node
	for n := from; n != nil; n = n.Parent {
		chain = append(chain, n)
	}
	return chain
}

// Outstanding returns every candidate that was sent a request more than
// olderThan ago and has not yet replied — used by the search driver's
// per-request hard-timeout check (spec §4.5).
func (sr *Search) Outstanding(now time.Time, olderThan time.Duration) []*Node {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var out []*Node
	for _, n := range sr.byTid {
		if n.Replied || n.SendTime.IsZero() {
			continue
		}
		if now.Sub(n.SendTime) > olderThan {
			out = append(out, n)
		}
	}
	return out
}

// Seeds returns the search's seed candidates (parent == nil).
func (sr *Search) Seeds() []*Node {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	out := make([]*Node, len(sr.seeds))
	copy(out, sr.seeds)
	return out
}
