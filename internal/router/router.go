// Package router implements the two message handlers that drive reach
// updates and next-hop selection: the outgoing-reply path (decorating our
// answers with closest/reach candidates, loop-free) and the incoming-reply
// path (reach attribution via the search back-trace) — spec §4.4.
package router

import (
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/reachdht/internal/avgroller"
	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/metrics"
	"github.com/nmxmxh/reachdht/internal/nodestore"
	"github.com/nmxmxh/reachdht/internal/search"
	"github.com/nmxmxh/reachdht/internal/utils"
	"github.com/nmxmxh/reachdht/internal/wire"
)

// ReplyObserver is the notification half of the router/search-driver
// relationship: a driver attached to a search learns of every reply (to
// reset its pacing timer) and of finalisation (to stop for good), without
// this package importing searchdriver (which imports router).
type ReplyObserver interface {
	NotifyReply()
	NotifyStop()
}

// Decision is the search-driver callback's verdict on a reply.
type Decision int

const (
	Continue Decision = iota
	Stop
)

// Callback is invoked once per incoming reply that advances a search.
type Callback func(ctx interface{}, reply wire.Message) Decision

// Sender dispatches an outgoing query to addr — the message-bus external
// collaborator (spec §1, out-of-scope (b)).
type Sender interface {
	Send(addr kademlia.Address, msg wire.Message) error
}

// Config bundles the router's tunables (spec §6 enumerated options not
// already owned by nodestore/avgroller).
type Config struct {
	K                     int
	SearchTimeout         time.Duration
	MaxTimeouts           int
	CircuitBreakerTimeout time.Duration
}

// DefaultConfig mirrors the teacher's Default*Config constructor idiom.
func DefaultConfig() Config {
	return Config{
		K:                     nodestore.ReturnSize,
		SearchTimeout:         30 * time.Second,
		MaxTimeouts:           5,
		CircuitBreakerTimeout: 60 * time.Second,
	}
}

// Router owns no network code itself; it mutates the node store and
// search store in response to handler calls from the surrounding
// application (bus + event loop).
type Router struct {
	self     kademlia.ID
	nodes    *nodestore.Store
	searches *search.Store
	gmrt     *avgroller.Roller
	sender   Sender
	cfg      Config
	logger   *utils.Logger

	breakers map[kademlia.ID]*gobreaker.CircuitBreaker

	lastExternalTarget *kademlia.ID // for global maintenance re-issue (§4.6, §13)

	mu      sync.Mutex // guards drivers/started below
	drivers map[string]ReplyObserver
	started map[string]time.Time

	metrics *metrics.Metrics
}

// New builds a Router bound to the given node/search stores and rolling
// average, dispatching outgoing requests through sender.
func New(self kademlia.ID, nodes *nodestore.Store, searches *search.Store, gmrt *avgroller.Roller, sender Sender, cfg Config, logger *utils.Logger) *Router {
	if logger == nil {
		logger = utils.DefaultLogger("router")
	}
	return &Router{
		self:     self,
		nodes:    nodes,
		searches: searches,
		gmrt:     gmrt,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[kademlia.ID]*gobreaker.CircuitBreaker),
		drivers:  make(map[string]ReplyObserver),
		started:  make(map[string]time.Time),
	}
}

// SetMetrics attaches a metrics bundle for BeginSearch/Finalise to report
// into. Optional — a Router with no metrics set simply skips reporting.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// AttachDriver associates d with sr so the router can notify it of
// replies (NotifyReply) and finalisation (NotifyStop) — the wiring that
// lets a search driver's timeout pacing stay in sync with the router's
// own synchronous advance-on-reply path (spec §4.5).
func (r *Router) AttachDriver(sr *search.Search, d ReplyObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[sr.ID()] = d
}

// AddNode manually seeds the node store (Router API, spec §6).
func (r *Router) AddNode(id kademlia.ID, addr kademlia.Address) {
	r.nodes.Add(id, addr)
}

// BeginSearch allocates a search and dispatches its first hop(s),
// returning ErrNoCandidates if the store yields nothing to seed with
// (Router API, spec §6).
func (r *Router) BeginSearch(target kademlia.ID, cb Callback, ctx interface{}, external bool, now time.Time) (*search.Search, error) {
	seeds := r.nodes.ClosestK(target, r.cfg.K)
	if len(seeds) == 0 {
		return nil, utils.ErrNoCandidates(target.String())
	}

	sr := r.searches.NewSearch(target, external, ctx)
	for _, n := range seeds {
		sr.AddNode(r.searches, nil, n.ID, n.Addr, now, 0)
	}

	r.mu.Lock()
	r.started[sr.ID()] = now
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.SearchesStarted.Inc()
	}

	if err := r.dispatchNext(sr, now); err != nil {
		return sr, err
	}
	return sr, nil
}

// dispatchNext sends a request to the closest unvisited candidate, if any.
func (r *Router) dispatchNext(sr *search.Search, now time.Time) error {
	_, err := r.Advance(sr, now)
	return err
}

// HandleIncoming processes an incoming message. Only replies ("r") are
// meaningful to the core; everything else is a no-op (spec §4.4).
func (r *Router) HandleIncoming(msg wire.Message, fromAddr kademlia.Address, cb Callback, now time.Time) error {
	if msg.Type != wire.TypeReply {
		return nil
	}

	sr, node, ok := r.searches.GetNode(msg.Tid)
	if !ok {
		return utils.ErrStale(msg.Tid)
	}

	delay := now.Sub(node.SendTime)
	sr.RequestReplied(node, delay)
	r.gmrt.Update(delay)
	r.nodes.ResetTimeouts(node.ID)
	r.resetBreaker(node.ID)

	ids, addrs, err := wire.DecodeNodes(msg.Args.Nodes)
	if err != nil {
		// Malformed nodes blob: treat as a ping answer. The sender is
		// still worth knowing about; the search still advances to its
		// next candidate rather than stalling on a single bad reply.
		r.nodes.Add(msg.Args.ID, fromAddr)
		return r.advanceOrFinalise(sr, now)
	}

	evictOlderThan := 2 * time.Duration(r.gmrt.Get()) * time.Millisecond
	for i, id := range ids {
		r.nodes.Add(id, addrs[i])
		sr.AddNode(r.searches, node, id, addrs[i], now, evictOlderThan)
	}

	if cb != nil && cb(sr.Context, msg) == Stop {
		r.Finalise(sr, true, now)
		return nil
	}
	return r.advanceOrFinalise(sr, now)
}

// advanceOrFinalise notifies any attached driver that a reply arrived
// (resetting its pacing timer), then dispatches the next candidate; when
// none remain, the search is finalised by candidate exhaustion rather than
// an explicit stop decision. Called whether or not the caller supplied a
// Callback — a nil callback behaves as an implicit "continue until
// exhausted" (spec §4.4 step 2; the bus has no domain-specific stop rule
// of its own).
func (r *Router) advanceOrFinalise(sr *search.Search, now time.Time) error {
	r.mu.Lock()
	d, hasDriver := r.drivers[sr.ID()]
	r.mu.Unlock()
	if hasDriver {
		d.NotifyReply()
	}

	sent, err := r.Advance(sr, now)
	if err != nil {
		return err
	}
	if !sent {
		r.Finalise(sr, false, now)
	}
	return nil
}

// finalise performs reach attribution on a successfully completed search
// (spec §4.4.1). parent is the last peer that replied; a synthetic
// TraceElement addressed at the search target is conceptually inserted as
// parent's child so "reached the target" and "reached an intermediate
// peer" are credited symmetrically.
func (r *Router) finalise(sr *search.Search, parent *search.Node) {
	target := sr.Target
	gmrt := r.gmrt.Get()

	chain := sr.BackTrace(parent) // deepest (parent) .. seed
	childID := target             // the synthetic target TraceElement

	for _, p := range chain {
		gain := kademlia.DistanceHelped(p.ID, target, childID)
		ratio := avgroller.ResponseTimeRatio(gmrt, uint32(p.ReplyDelay.Milliseconds()))

		var creditGain uint32
		if ratio == 0 {
			creditGain = math.MaxUint32 // near-instant reply: full credit
		} else {
			// Rounded up, so any positive distance helped earns at least 1.
			creditGain = uint32(math.Ceil(math.Min(float64(gain)/float64(ratio), math.MaxUint32)))
		}

		r.nodes.CreditReach(p.ID, creditGain)
		childID = p.ID
	}

	if sr.External {
		t := target
		r.lastExternalTarget = &t
	}
}

// Finalise ends sr: it runs reach attribution for whatever chain was
// built (successful stop or candidate exhaustion both credit the peers
// that actually replied), notifies any attached driver that the search is
// done, reports the outcome to metrics, and releases sr from the search
// store. ok distinguishes a callback-driven stop (success) from
// exhaustion, for the searches_completed_total/searches_exhausted_total
// counters only — reach is credited either way.
func (r *Router) Finalise(sr *search.Search, ok bool, now time.Time) {
	if parent := sr.LastReplied(); parent != nil {
		r.finalise(sr, parent)
	}

	r.mu.Lock()
	d, hasDriver := r.drivers[sr.ID()]
	delete(r.drivers, sr.ID())
	started, hasStart := r.started[sr.ID()]
	delete(r.started, sr.ID())
	r.mu.Unlock()

	if hasDriver {
		d.NotifyStop()
	}

	if r.metrics != nil {
		if ok {
			r.metrics.SearchesOK.Inc()
		} else {
			r.metrics.SearchesFailed.Inc()
		}
		if hasStart {
			r.metrics.ObserveLookup(now.Sub(started))
		}
	}

	r.searches.Finalise(sr)
}

// HandleOutgoingReply builds our answer to an inbound query, decorated
// with closest/reach candidates — unless we are already the closest
// non-zero-reach peer to the target, in which case we return no nodes
// rather than advertise hops we cannot beat (loop-freedom, spec §4.4 step
// 3, property 5).
func (r *Router) HandleOutgoingReply(query wire.Message, fromAddr kademlia.Address) (wire.Message, error) {
	reply := wire.Message{Tid: query.Tid, Type: wire.TypeReply, Args: wire.Arguments{ID: r.self}}

	target, ok := query.SearchTarget()
	if !ok {
		return reply, utils.ErrMalformed("outgoing reply: query has no target or info_hash")
	}

	r.nodes.Add(query.Args.ID, fromAddr)
	r.lastExternalTarget = &target

	candidates := r.nodes.ClosestK(target, r.cfg.K)
	if len(candidates) == 0 {
		return reply, nil
	}

	selfDistance := kademlia.XorDistance(r.self, target)
	if r.isClosestPositiveReach(target, selfDistance, candidates) {
		return reply, nil
	}

	// Property 5: only advertise peers strictly closer to target than we
	// are ourselves — never a node we cannot beat.
	usable := make([]wire.NodeRecord, 0, len(candidates))
	for _, c := range candidates {
		if kademlia.XorDistance(c.ID, target) < selfDistance {
			usable = append(usable, wire.NodeRecord{ID: c.ID, Addr: c.Addr})
		}
	}
	if len(usable) == 0 {
		return reply, nil
	}
	reply.Args.Nodes = wire.EncodeNodes(usable)
	return reply, nil
}

// isClosestPositiveReach reports whether our own distance/reach position
// beats every positive-reach candidate's, i.e. whether we are the closest
// non-zero-reach node known for target.
func (r *Router) isClosestPositiveReach(target kademlia.ID, selfDistance uint32, candidates []nodestore.Node) bool {
	selfReach := r.nodes.OurReach()
	if selfReach == 0 {
		return false
	}
	selfRatio := distanceReachRatio(selfDistance, selfReach)
	for _, c := range candidates {
		if c.Reach == 0 {
			continue
		}
		candRatio := distanceReachRatio(kademlia.XorDistance(c.ID, target), c.Reach)
		if candRatio < selfRatio {
			return false
		}
	}
	return true
}

func distanceReachRatio(distance, reach uint32) float64 {
	if reach == 0 {
		return math.Inf(1)
	}
	return float64(distance) / float64(reach)
}

// PeerTimedOut records a timed-out request to id: reach is zeroed and, on
// reaching MaxTimeouts consecutive timeouts, the peer is evicted from the
// node store. A per-peer gobreaker.CircuitBreaker tracks the same
// consecutive-failure count and trips open, short-circuiting further
// dispatch attempts until CircuitBreakerTimeout elapses.
func (r *Router) PeerTimedOut(id kademlia.ID) {
	count := r.nodes.ZeroReach(id)
	r.breaker(id).Execute(func() (interface{}, error) { return nil, errTimeout })
	if count >= r.cfg.MaxTimeouts {
		r.nodes.Remove(id)
		delete(r.breakers, id)
	}
}

func (r *Router) resetBreaker(id kademlia.ID) {
	if b, ok := r.breakers[id]; ok {
		b.Execute(func() (interface{}, error) { return nil, nil })
	}
}

func (r *Router) breaker(id kademlia.ID) *gobreaker.CircuitBreaker {
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id.String(),
		MaxRequests: 1,
		Timeout:     r.cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(r.cfg.MaxTimeouts)
		},
	})
	r.breakers[id] = b
	return b
}

// CircuitOpen reports whether id's breaker is currently tripped (used by
// next-hop selection to skip a peer without waiting out its timeout).
func (r *Router) CircuitOpen(id kademlia.ID) bool {
	b, ok := r.breakers[id]
	if !ok {
		return false
	}
	return b.State() == gobreaker.StateOpen
}

// LastExternalTarget returns the most recently externally-serviced
// search target, for global maintenance re-issue (spec §4.6, §13).
func (r *Router) LastExternalTarget() (kademlia.ID, bool) {
	if r.lastExternalTarget == nil {
		return kademlia.ID{}, false
	}
	return *r.lastExternalTarget, true
}

var errTimeout = utils.NewRoutingError(utils.ErrCodePeerTimeout, "peer request timed out")
