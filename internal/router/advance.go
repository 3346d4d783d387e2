package router

import (
	"time"

	"github.com/nmxmxh/reachdht/internal/search"
	"github.com/nmxmxh/reachdht/internal/wire"
)

// Advance dispatches a request to the closest unvisited candidate in sr,
// reporting whether one was found. Candidates whose circuit breaker is
// currently open are skipped without being dispatched to (they are marked
// handled via SkipNode so they never resurface from NextNode or
// Outstanding). Exported so internal/searchdriver can drive the per-search
// timeout state machine (spec §4.5) without duplicating next-hop
// selection.
func (r *Router) Advance(sr *search.Search, now time.Time) (sent bool, err error) {
	for {
		next := sr.NextNode()
		if next == nil {
			return false, nil
		}
		if r.CircuitOpen(next.ID) {
			sr.SkipNode(next, now)
			continue
		}
		msg := wire.Message{
			Tid:   sr.TidFor(next),
			Type:  wire.TypeQuery,
			Query: wire.QueryFindNode,
			Args:  wire.Arguments{ID: r.self, Target: &sr.Target},
		}
		sr.RequestSent(next, now)
		return true, r.sender.Send(next.Addr, msg)
	}
}
