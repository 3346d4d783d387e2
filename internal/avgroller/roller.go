// Package avgroller implements the Global Mean Response Time: a rolling
// average of measured reply latencies over a sliding window, plus the
// response-time-ratio mapping used to convert a single observed latency
// into a reach-attribution weight (spec §4.1).
package avgroller

import (
	"math"
	"sync"
	"time"
)

// GMRTSeconds is the width of the rolling-average window.
const GMRTSeconds = 256

// GMRTInitial seeds the roller so early decisions are never divided by
// zero.
const GMRTInitial = 100 * time.Millisecond

// bucket accumulates the samples recorded during one second of the window.
type bucket struct {
	second int64
	sumMs  uint64
	count  uint64
}

// Roller is the Global Mean Response Time: one bucket per second over a
// GMRTSeconds window, with older buckets decaying out lazily as the clock
// advances past them.
type Roller struct {
	mu      sync.Mutex
	buckets [GMRTSeconds]bucket
	sum     uint64
	count   uint64
	now     func() time.Time
}

// New creates a Roller seeded with a single GMRTInitial sample so Get()
// never returns zero before any real sample has arrived.
func New() *Roller {
	r := &Roller{now: time.Now}
	r.update(r.now().Unix(), uint64(GMRTInitial.Milliseconds()))
	return r
}

// newWithClock is used by tests to control the passage of time without
// sleeping.
func newWithClock(now func() time.Time) *Roller {
	r := &Roller{now: now}
	r.update(r.now().Unix(), uint64(GMRTInitial.Milliseconds()))
	return r
}

// Update records a new sample (in milliseconds) and returns the current
// mean over the live window.
func (r *Roller) Update(sample time.Duration) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(r.now().Unix(), uint64(sample.Milliseconds()))
}

// Get returns the latest mean without recording a new sample.
func (r *Roller) Get() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(r.now().Unix())
	return r.mean()
}

func (r *Roller) update(nowSec int64, sampleMs uint64) uint32 {
	r.expire(nowSec)

	idx := int(((nowSec % GMRTSeconds) + GMRTSeconds) % GMRTSeconds)
	b := &r.buckets[idx]
	if b.second != nowSec {
		// Bucket belongs to a stale second (or is unused): its contribution
		// already left the running total via expire, start it fresh.
		*b = bucket{second: nowSec}
	}
	b.sumMs += sampleMs
	b.count++
	r.sum += sampleMs
	r.count++

	return r.mean()
}

// expire drops the running-total contribution of any bucket that has
// fallen outside the GMRTSeconds window as of nowSec.
func (r *Roller) expire(nowSec int64) {
	cutoff := nowSec - GMRTSeconds
	for i := range r.buckets {
		b := &r.buckets[i]
		if b.count > 0 && b.second <= cutoff {
			r.sum -= b.sumMs
			r.count -= b.count
			*b = bucket{}
		}
	}
}

func (r *Roller) mean() uint32 {
	if r.count == 0 {
		return uint32(GMRTInitial.Milliseconds())
	}
	mean := r.sum / r.count
	if mean > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(mean)
}

// ResponseTimeRatio maps an observed reply latency t against a current
// gmrt into [0, UINT32_MAX] (spec §4.1):
//
//	t >= 2*gmrt -> MaxUint32 (punished as indistinguishable from dead)
//	otherwise   -> (MaxUint32/2) * t / gmrt
//
// so t == gmrt yields MaxUint32/2 and t == 0 yields 0. The product is
// taken before the division so the checkpoints come out exact.
func ResponseTimeRatio(gmrtMs, tMs uint32) uint32 {
	if gmrtMs == 0 {
		gmrtMs = uint32(GMRTInitial.Milliseconds())
	}
	if uint64(tMs) >= 2*uint64(gmrtMs) {
		return math.MaxUint32
	}
	ratio := (uint64(math.MaxUint32) / 2) * uint64(tMs) / uint64(gmrtMs)
	if ratio > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ratio)
}
