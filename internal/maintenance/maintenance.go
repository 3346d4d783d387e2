// Package maintenance implements the two periodic maintenance jobs that
// keep reach estimates fresh even when no external traffic arrives
// (spec §4.6, supplemented from original_source/ per SPEC_FULL.md §13):
// a local search that trains our own reach opinion, and a global re-issue
// of the last externally-serviced search so zero-reach peers can prove
// themselves.
package maintenance

import (
	"math/rand"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/reachdht/internal/avgroller"
	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/nodestore"
	"github.com/nmxmxh/reachdht/internal/router"
	"github.com/nmxmxh/reachdht/internal/searchdriver"
	"github.com/nmxmxh/reachdht/internal/utils"
)

// Config bundles the two maintenance periods and the rate-limiter budget
// guarding them (spec §6 enumerated options).
type Config struct {
	LocalPeriod  time.Duration
	GlobalPeriod time.Duration
	// MaxPerMinute caps how many maintenance searches may be issued within
	// any rolling minute, regardless of period — a guard against a
	// misconfigured loop re-triggering maintenance in a tight cycle.
	MaxPerMinute int64
}

// DefaultConfig mirrors the teacher's Default*Config idiom.
func DefaultConfig() Config {
	return Config{
		LocalPeriod:  5 * time.Minute,
		GlobalPeriod: 15 * time.Minute,
		MaxPerMinute: 6,
	}
}

// Scheduler drives the two periodic jobs. It owns no goroutine of its own
// — the surrounding event loop (external collaborator (c)) is expected to
// call Tick on its own timer, in keeping with spec §5's single cooperative
// loop model.
type Scheduler struct {
	self   kademlia.ID
	nodes  *nodestore.Store
	rtr    *router.Router
	gmrt   *avgroller.Roller
	cfg    Config
	logger *utils.Logger

	limiter *limiter.TokenBucket

	lastLocal  time.Time
	lastGlobal time.Time
}

// New builds a Scheduler. The token bucket is keyed by job name —
// "local"/"global" — grounded on the teacher's per-peer
// checkRateLimit(peerID) pattern in gossip.go, here keyed by job name
// instead of by peer.
func New(self kademlia.ID, nodes *nodestore.Store, rtr *router.Router, gmrt *avgroller.Roller, cfg Config, logger *utils.Logger) *Scheduler {
	if logger == nil {
		logger = utils.DefaultLogger("maintenance")
	}
	tb, _ := limiter.NewTokenBucket(
		limiter.Config{Rate: cfg.MaxPerMinute, Duration: time.Minute, Burst: cfg.MaxPerMinute},
		store.NewMemoryStore(time.Minute),
	)
	return &Scheduler{self: self, nodes: nodes, rtr: rtr, gmrt: gmrt, cfg: cfg, logger: logger, limiter: tb}
}

// Tick runs whichever maintenance jobs are due as of now. Intended to be
// called on a coarse-grained external timer (e.g. every few seconds); it
// is a no-op unless a job's period has elapsed.
func (s *Scheduler) Tick(now time.Time) {
	if now.Sub(s.lastLocal) >= s.cfg.LocalPeriod {
		s.lastLocal = now
		s.runLocal(now)
	}
	if now.Sub(s.lastGlobal) >= s.cfg.GlobalPeriod {
		s.lastGlobal = now
		s.runGlobal(now)
	}
}

// runLocal trains our own reach estimate against a random target, but
// only when we are not already the best-known node for it — otherwise
// the search would just confirm what we already know, at the cost of
// network traffic (original_source/ RouterModule.c comment block,
// SPEC_FULL.md §13).
func (s *Scheduler) runLocal(now time.Time) {
	if !s.limiter.Allow("local") {
		return
	}

	target := randomID()
	best := s.nodes.ClosestK(target, 1)
	if len(best) > 0 && kademlia.XorDistance(best[0].ID, s.self) == 0 {
		return // we are already the closest known node for this target
	}

	sr, err := s.rtr.BeginSearch(target, nil, nil, false, now)
	if err != nil {
		s.logger.Debug("local maintenance search skipped", utils.Err(err))
		return
	}
	searchdriver.New(sr, s.rtr, s.gmrt, searchdriver.DefaultConfig(), s.logger)
}

// runGlobal re-issues the most recently externally-serviced search, so
// peers with reach=0 get a fresh chance to demonstrate usefulness
// (original_source/ comment block end, SPEC_FULL.md §13).
func (s *Scheduler) runGlobal(now time.Time) {
	if !s.limiter.Allow("global") {
		return
	}

	target, ok := s.rtr.LastExternalTarget()
	if !ok {
		return
	}

	sr, err := s.rtr.BeginSearch(target, nil, nil, true, now)
	if err != nil {
		s.logger.Debug("global maintenance search skipped", utils.Err(err))
		return
	}
	searchdriver.New(sr, s.rtr, s.gmrt, searchdriver.DefaultConfig(), s.logger)
}

func randomID() kademlia.ID {
	var id kademlia.ID
	rand.Read(id[:])
	return id
}
