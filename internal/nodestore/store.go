// Package nodestore implements the bounded routing table: known peers
// ranked by distance/reach, with capacity-bound eviction and periodic reach
// decay (spec §4.2).
package nodestore

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/utils"
)

// Size is the node store's fixed capacity (spec §3).
const Size = 16384

// ReturnSize (K) is the default closest_k width used for find-node replies
// and search seeding.
const ReturnSize = 8

// Node is a routing-table record: a peer's address, its reach estimate,
// and the consecutive-timeout accounting used for maxTimeouts eviction.
type Node struct {
	ID                  kademlia.ID
	Addr                kademlia.Address
	Reach               uint32
	ConsecutiveTimeouts int
}

// Config configures decay and capacity behaviour.
type Config struct {
	Capacity               int
	ReachDecreasePerSecond uint32
}

// DefaultConfig mirrors the teacher's Default*Config constructor idiom.
func DefaultConfig() Config {
	return Config{
		Capacity:               Size,
		ReachDecreasePerSecond: 1,
	}
}

// Store is the bounded node table. It never holds two records with the
// same id; on a collision the existing record is retained (reach
// preserved) and only its address is refreshed.
type Store struct {
	mu        sync.Mutex
	self      kademlia.ID
	cfg       Config
	nodes     map[kademlia.ID]*Node
	lastDecay time.Time
	now       func() time.Time
	logger    *utils.Logger
}

// New creates an empty store scoped to selfID (used for distance-to-self
// tie-breaking on eviction).
func New(selfID kademlia.ID, cfg Config, logger *utils.Logger) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = Size
	}
	if logger == nil {
		logger = utils.DefaultLogger("nodestore")
	}
	now := time.Now
	return &Store{
		self:      selfID,
		cfg:       cfg,
		nodes:     make(map[kademlia.ID]*Node, cfg.Capacity),
		lastDecay: now(),
		now:       now,
		logger:    logger,
	}
}

// Add inserts id/addr with reach 0, or refreshes the address of an
// existing record. If the store is full and id is new, the lowest-reach
// record is evicted first (ties broken by largest distance-to-self).
// Idempotent: Add(id, a) twice leaves the store equal to Add(id, a) once
// (property 4).
func (s *Store) Add(id kademlia.ID, addr kademlia.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[id]; ok {
		existing.Addr = addr
		return
	}

	if len(s.nodes) >= s.cfg.Capacity {
		s.evictLocked()
	}

	s.nodes[id] = &Node{ID: id, Addr: addr, Reach: 0}
}

// Lookup returns the record for id, if known.
func (s *Store) Lookup(id kademlia.ID) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// CreditReach adds gain to id's reach, saturating at MaxUint32. A no-op if
// id has since been evicted (spec §4.4.1: "skip it").
func (s *Store) CreditReach(id kademlia.ID, gain uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	sum := uint64(n.Reach) + uint64(gain)
	if sum > math.MaxUint32 {
		n.Reach = math.MaxUint32
	} else {
		n.Reach = uint32(sum)
	}
}

// ZeroReach sets id's reach to 0 (search-timeout penalty) and bumps its
// consecutive-timeout counter, returning the new count.
func (s *Store) ZeroReach(id kademlia.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return 0
	}
	n.Reach = 0
	n.ConsecutiveTimeouts++
	return n.ConsecutiveTimeouts
}

// ResetTimeouts clears id's consecutive-timeout counter after a
// successful reply.
func (s *Store) ResetTimeouts(id kademlia.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.ConsecutiveTimeouts = 0
	}
}

// Remove evicts id outright, used for maxTimeouts eviction.
func (s *Store) Remove(id kademlia.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// Len reports the current record count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// OurReach is the reach of the highest-reach node known — the router's
// opinion of how well-connected we currently look (spec §4.2).
func (s *Store) OurReach() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best uint32
	for _, n := range s.nodes {
		if n.Reach > best {
			best = n.Reach
		}
	}
	return best
}

// ClosestK returns up to k records minimising distance(id,target)/reach,
// ties broken by smaller XOR distance then larger reach (property 6). If
// no node in the store has positive reach, ranking degenerates to pure
// XOR distance (the search-seeding fallback, spec §4.2).
func (s *Store) ClosestK(target kademlia.ID, k int) []Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Node, 0, len(s.nodes))
	havePositiveReach := false
	for _, n := range s.nodes {
		all = append(all, *n)
		if n.Reach > 0 {
			havePositiveReach = true
		}
	}

	dist := func(n Node) uint32 { return kademlia.XorDistance(n.ID, target) }

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if havePositiveReach {
			ra, rb := ratio(dist(a), a.Reach), ratio(dist(b), b.Reach)
			if ra != rb {
				return ra < rb
			}
		}
		da, db := dist(a), dist(b)
		if da != db {
			return da < db
		}
		return a.Reach > b.Reach
	})

	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// ratio computes distance/reach as a float, treating reach=0 as +Inf so
// unreachable-seeming nodes sort last rather than dividing by zero.
func ratio(distance, reach uint32) float64 {
	if reach == 0 {
		return math.Inf(1)
	}
	return float64(distance) / float64(reach)
}

// evictLocked removes the lowest-reach record, breaking ties by largest
// distance to self. Caller must hold s.mu.
func (s *Store) evictLocked() {
	var victim *Node
	var victimDist uint32
	for _, n := range s.nodes {
		d := kademlia.XorDistance(n.ID, s.self)
		if victim == nil ||
			n.Reach < victim.Reach ||
			(n.Reach == victim.Reach && d > victimDist) {
			victim = n
			victimDist = d
		}
	}
	if victim != nil {
		delete(s.nodes, victim.ID)
	}
}

// DecayTick applies reachDecreasePerSecond * elapsed to every record,
// saturating at 0. Intended to be driven by the external event loop on a
// periodic timer (spec §4.2, external collaborator (c)).
func (s *Store) DecayTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	elapsed := now.Sub(s.lastDecay).Seconds()
	if elapsed <= 0 {
		return
	}
	s.lastDecay = now

	decrease := uint64(float64(s.cfg.ReachDecreasePerSecond) * elapsed)
	if decrease == 0 {
		return
	}
	for _, n := range s.nodes {
		if uint64(n.Reach) <= decrease {
			n.Reach = 0
		} else {
			n.Reach -= uint32(decrease)
		}
	}
}

// Snapshot returns a copy of every record, for persistence (internal/store).
func (s *Store) Snapshot() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	return out
}

// Restore repopulates the store from a persisted snapshot, overwriting any
// current content.
func (s *Store) Restore(nodes []Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[kademlia.ID]*Node, len(nodes))
	for i := range nodes {
		n := nodes[i]
		s.nodes[n.ID] = &n
	}
}
