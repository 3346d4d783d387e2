// Package searchdriver implements the per-search timeout state machine
// that paces next-hop requests: Idle -> AwaitingReply(n) -> Finalising
// (spec §4.5). The router already advances a search synchronously whenever
// a reply's callback returns continue/stop; the driver's job is the other
// half — firing the next hop when no reply arrives in time, and detecting
// exhaustion.
package searchdriver

import (
	"sync"
	"time"

	"github.com/nmxmxh/reachdht/internal/avgroller"
	"github.com/nmxmxh/reachdht/internal/router"
	"github.com/nmxmxh/reachdht/internal/search"
	"github.com/nmxmxh/reachdht/internal/utils"
)

// State is the driver's current position in the timeout state machine.
type State int

const (
	Idle State = iota
	AwaitingReply
	Finalising
)

// Config bundles the driver's tunables.
type Config struct {
	// SearchTimeout is the hard per-request timeout (searchTimeoutSeconds)
	// after which an outstanding request's peer has its reach zeroed.
	SearchTimeout time.Duration
}

// DefaultConfig mirrors the teacher's Default*Config idiom.
func DefaultConfig() Config {
	return Config{SearchTimeout: 30 * time.Second}
}

// Driver owns the single reusable timer for one search (spec §4.5: "a
// single reusable timer drives hop pacing"). It is attached to its router
// via Router.AttachDriver so HandleIncoming's synchronous advance-on-reply
// path and this timeout-driven path stay in sync (see package router's
// ReplyObserver).
type Driver struct {
	mu   sync.Mutex
	sr   *search.Search
	rtr  *router.Router
	gmrt *avgroller.Roller
	cfg  Config
	log  *utils.Logger

	state State
	wave  int
	timer *time.Timer
}

// New creates a driver for an already-begun search, attaches it to rtr so
// replies and finalisation reach it, and starts its timer
// (Idle -> AwaitingReply(0)).
func New(sr *search.Search, rtr *router.Router, gmrt *avgroller.Roller, cfg Config, logger *utils.Logger) *Driver {
	if logger == nil {
		logger = utils.DefaultLogger("searchdriver")
	}
	d := &Driver{sr: sr, rtr: rtr, gmrt: gmrt, cfg: cfg, log: logger, state: Idle}
	rtr.AttachDriver(sr, d)
	d.mu.Lock()
	d.state = AwaitingReply
	d.rearmLocked()
	d.mu.Unlock()
	return d
}

// State reports the driver's current state (for tests/observability).
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// NotifyReply resets the wave counter and rearms the timer: a useful
// reply with new candidates moves the driver back to AwaitingReply(0) of
// the next wave.
func (d *Driver) NotifyReply() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Finalising {
		return
	}
	d.wave = 0
	d.rearmLocked()
}

// NotifyStop transitions to Finalising: the callback returned stop, or the
// caller otherwise knows the search is complete. The timer is cancelled
// and never fires again.
func (d *Driver) NotifyStop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Driver) stopLocked() {
	d.state = Finalising
	if d.timer != nil {
		d.timer.Stop()
	}
}

// tryNextNodeAfter mirrors the per-wave pacing interval: twice the current
// GMRT (spec §4.5).
func (d *Driver) tryNextNodeAfter() time.Duration {
	return 2 * time.Duration(d.gmrt.Get()) * time.Millisecond
}

func (d *Driver) rearmLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.tryNextNodeAfter(), d.onTimer)
}

// onTimer fires when a wave's pacing interval elapses before a reply. It
// penalises any outstanding request that has exceeded the hard
// searchTimeoutSeconds threshold, then tries the next candidate; if none
// remain the search is finalised via Router.Finalise, which still runs
// reach attribution for whatever chain of replies was built before
// exhaustion (spec §4.4.1 applies regardless of how the search ended).
func (d *Driver) onTimer() {
	d.mu.Lock()

	if d.state == Finalising {
		d.mu.Unlock()
		return
	}

	now := time.Now()
	d.penaliseOverdueLocked(now)

	sent, err := d.rtr.Advance(d.sr, now)
	if err != nil {
		d.log.Warn("advance failed", utils.Err(err))
	}
	if !sent {
		d.stopLocked()
		d.mu.Unlock()
		d.rtr.Finalise(d.sr, false, now)
		return
	}

	d.wave++
	d.rearmLocked()
	d.mu.Unlock()
}

// penaliseOverdueLocked zeroes the reach of any peer whose outstanding
// request has run longer than SearchTimeout (spec §4.5 "Timeouts and
// eviction"). maxTimeouts consecutive penalties evict the peer entirely —
// that accounting lives in router.Router.PeerTimedOut.
func (d *Driver) penaliseOverdueLocked(now time.Time) {
	for _, n := range d.sr.Outstanding(now, d.cfg.SearchTimeout) {
		d.rtr.PeerTimedOut(n.ID)
	}
}
