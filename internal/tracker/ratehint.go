package tracker

import (
	"math"
	"time"
)

// rateHint tracks a subscription's recent request rate without a background
// goroutine, the same lazy-refill shape the teacher's token bucket uses for
// RPM limiting: instead of decrementing a budget on each hit and refilling it
// on a timer, it lazily computes how much of the budget has decayed back in
// whenever it is read or written. Here it feeds the scorer's "recent request
// rate" penalty rather than gating admission, so it decays to zero instead of
// refilling to a cap.
type rateHint struct {
	perMinute float64
	updatedAt time.Time
}

func newRateHint() rateHint {
	return rateHint{updatedAt: time.Now()}
}

const rateHintHalfLife = 30 * time.Second

// hit records one request, decaying the running estimate by elapsed time
// first so old bursts don't linger in the score forever.
func (r *rateHint) hit(now time.Time) {
	r.perMinute = r.estimate(now)
	r.perMinute++
	r.updatedAt = now
}

// estimate returns the current decayed requests-per-minute estimate without
// mutating state, suitable for read-only scoring.
func (r *rateHint) estimate(now time.Time) float64 {
	elapsed := now.Sub(r.updatedAt)
	if elapsed <= 0 {
		return r.perMinute
	}
	halvings := float64(elapsed) / float64(rateHintHalfLife)
	return r.perMinute * math.Pow(2, -halvings)
}
