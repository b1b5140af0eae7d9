// Package tracker implements the subscription tracker: eligibility filtering,
// capacity accounting, cooldown, and the two selection policies described for
// the proxy's request routing core.
package tracker

import (
	"sync"
	"time"

	relay "github.com/relaystack/subrelay/internal"
)

// state is the runtime record for one subscription. Every field that changes
// after construction is guarded by mu; the tracker's own lock is never held
// across a state mutation, let alone across network I/O.
type state struct {
	cfg relay.SubscriptionConfig

	mu            sync.Mutex
	active        int
	totalRequests int64
	totalErrors   int64
	cooldownUntil time.Time // zero value means "not cooling down"
	utilisation   relay.UtilisationSample
	rate          rateHint
}

func newState(cfg relay.SubscriptionConfig) *state {
	return &state{cfg: cfg, rate: newRateHint()}
}

func (s *state) name() string { return s.cfg.Name }

// availableCapacity returns how many more in-flight requests this
// subscription can take right now.
func (s *state) availableCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cfg.MaxConcurrent - s.active
	if n < 0 {
		return 0
	}
	return n
}

// inCooldown reports whether now is still before the cooldown deadline.
// A zero deadline always means "not cooling down": a deadline, not a flag
// plus timer, is what the tracker actually stores so that concurrent 429s
// only ever extend the wall-clock instant, never reset a separate counter.
func (s *state) inCooldown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.cooldownUntil)
}

// eligible reports whether the subscription may be offered as a candidate:
// enabled, has spare capacity, and is not in cooldown.
func (s *state) eligible(now time.Time) bool {
	if !s.cfg.Enabled {
		return false
	}
	if s.availableCapacity() <= 0 {
		return false
	}
	return !s.inCooldown(now)
}

// acquire increments the active count iff capacity remains; it re-checks
// under the same lock that guards the increment, closing the race between
// Select observing capacity and a concurrent Acquire consuming the last slot.
func (s *state) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.MaxConcurrent {
		return false
	}
	s.active++
	s.totalRequests++
	s.rate.hit(time.Now())
	return true
}

func (s *state) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
}

// recordRateLimit extends the cooldown deadline to at least now+cooldown.
// Concurrent 429s only ever push the deadline forward: max(existing, new).
func (s *state) recordRateLimit(now time.Time, cooldown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := now.Add(cooldown)
	if deadline.After(s.cooldownUntil) {
		s.cooldownUntil = deadline
	}
	s.totalErrors++
}

func (s *state) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalErrors++
}

func (s *state) setUtilisation(u relay.UtilisationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utilisation = u
}

// Snapshot is a point-in-time, lock-free view of one subscription's state,
// safe to serialise for the admin status endpoint.
type Snapshot struct {
	Name              string
	Enabled           bool
	Active            int
	MaxConcurrent     int
	Priority          int
	AvailableCapacity int
	InCooldown        bool
	CooldownRemaining time.Duration
	TotalRequests     int64
	TotalErrors       int64
}

func (s *state) snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := s.cfg.MaxConcurrent - s.active
	if avail < 0 {
		avail = 0
	}
	remaining := s.cooldownUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Name:              s.cfg.Name,
		Enabled:           s.cfg.Enabled,
		Active:            s.active,
		MaxConcurrent:     s.cfg.MaxConcurrent,
		Priority:          s.cfg.Priority,
		AvailableCapacity: avail,
		InCooldown:        now.Before(s.cooldownUntil),
		CooldownRemaining: remaining,
		TotalRequests:     s.totalRequests,
		TotalErrors:       s.totalErrors,
	}
}
