package tracker

import (
	"sync/atomic"
	"time"

	relay "github.com/relaystack/subrelay/internal"
)

// Scoring is the selection policy a Tracker runs. Weighted is the default;
// Simple is kept for deployments that want a cheap, easy-to-reason-about
// ordering instead of the fuller scoring formula.
type Scoring int

const (
	Weighted Scoring = iota
	Simple
)

// Options configures a new Tracker.
type Options struct {
	Subscriptions []relay.SubscriptionConfig
	CooldownBase  time.Duration // applied on every 429; see RecordRateLimit
	Scoring       Scoring
	MaxAffinity   int // bounds the client-affinity cache; 0 disables affinity entirely
}

// Tracker owns the live subscription set and answers routing decisions. The
// set itself is swapped atomically on Reload so that a config reload never
// mutates records a concurrent Select/Acquire pair is using.
type Tracker struct {
	cooldown time.Duration
	policy   policy
	affinity *affinity

	states atomic.Pointer[snapshotSet]
}

// snapshotSet is the immutable live set: a name-indexed map plus the slice
// form Select iterates, built once per Reload so hot-path reads never
// allocate or lock the structural map.
type snapshotSet struct {
	byName map[string]*state
	all    []*state
}

// New builds a Tracker from the given options.
func New(opts Options) (*Tracker, error) {
	t := &Tracker{cooldown: opts.CooldownBase}

	switch opts.Scoring {
	case Simple:
		t.policy = simplePolicy{}
	default:
		t.policy = weightedPolicy{}
	}

	if opts.MaxAffinity > 0 {
		aff, err := newAffinity(opts.MaxAffinity)
		if err != nil {
			return nil, err
		}
		t.affinity = aff
	}

	t.Reload(opts.Subscriptions)
	return t, nil
}

// Reload atomically replaces the live subscription set. Subscriptions that
// existed before and still exist keep nothing of their prior runtime state
// (active count, cooldown) by design: a reload is a deliberate operator
// action, and carrying forward stale cooldowns across it would silently
// resurrect a routing decision the new config may no longer intend.
func (t *Tracker) Reload(cfgs []relay.SubscriptionConfig) {
	set := &snapshotSet{
		byName: make(map[string]*state, len(cfgs)),
		all:    make([]*state, 0, len(cfgs)),
	}
	for _, cfg := range cfgs {
		s := newState(cfg)
		set.byName[cfg.Name] = s
		set.all = append(set.all, s)
	}
	t.states.Store(set)
}

func (t *Tracker) snapshot() *snapshotSet {
	return t.states.Load()
}

// SelectOptions carries per-request routing hints.
type SelectOptions struct {
	ClientID string
	Heavy    bool
	Exclude  map[string]struct{} // names already tried this request
}

// Select returns the name of the best eligible subscription, or false if
// none qualify (all disabled, at capacity, or in cooldown).
func (t *Tracker) Select(opts SelectOptions) (string, bool) {
	set := t.snapshot()
	if set == nil {
		return "", false
	}

	now := time.Now()
	candidates := make([]*state, 0, len(set.all))
	for _, s := range set.all {
		if _, skip := opts.Exclude[s.name()]; skip {
			continue
		}
		if s.eligible(now) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	chosen := t.policy.choose(candidates, selectOpts{clientID: opts.ClientID, heavy: opts.Heavy}, now, t.affinity)
	if t.affinity != nil && opts.ClientID != "" {
		t.affinity.record(opts.ClientID, chosen.name())
	}
	return chosen.name(), true
}

// Handle represents an acquired slot on a subscription. Release must be
// called exactly once.
type Handle struct {
	s *state
}

// Release returns the slot to the pool. Safe to call on a zero Handle.
func (h Handle) Release() {
	if h.s != nil {
		h.s.release()
	}
}

// Acquire attempts to claim one concurrency slot on the named subscription.
// It re-checks capacity under the subscription's own lock, so a Select that
// raced against another request's Acquire for the last slot is resolved
// here rather than producing an over-admitted subscription.
func (t *Tracker) Acquire(name string) (Handle, bool) {
	set := t.snapshot()
	if set == nil {
		return Handle{}, false
	}
	s, ok := set.byName[name]
	if !ok {
		return Handle{}, false
	}
	if !s.acquire() {
		return Handle{}, false
	}
	return Handle{s: s}, true
}

// RecordRateLimit records a 429 from the given subscription, pushing its
// cooldown deadline forward to at least now+cooldown.
func (t *Tracker) RecordRateLimit(name string) {
	set := t.snapshot()
	if set == nil {
		return
	}
	if s, ok := set.byName[name]; ok {
		s.recordRateLimit(time.Now(), t.cooldown)
	}
}

// RecordError records a non-429 upstream or transport error against the
// subscription's error tally. It has no effect on cooldown.
func (t *Tracker) RecordError(name string) {
	set := t.snapshot()
	if set == nil {
		return
	}
	if s, ok := set.byName[name]; ok {
		s.recordError()
	}
}

// SetUtilisation atomically replaces the whole utilisation snapshot: every
// live subscription gets either the sample this push carries for it, or
// the zero value (neutral) if the push omits it. A subscription dropped
// from one push to the next must not keep serving a now-stale sample
// forever.
func (t *Tracker) SetUtilisation(samples map[string]relay.UtilisationSample) {
	set := t.snapshot()
	if set == nil {
		return
	}
	for name, s := range set.byName {
		s.setUtilisation(samples[name])
	}
}

// StatusSnapshot is the admin-facing view of the whole tracker.
type StatusSnapshot struct {
	Subscriptions     []Snapshot
	TotalActive       int
	TotalCapacity     int
	AvailableCapacity int
}

// Status returns a consistent point-in-time view across all subscriptions.
func (t *Tracker) Status() StatusSnapshot {
	set := t.snapshot()
	if set == nil {
		return StatusSnapshot{}
	}
	now := time.Now()
	out := StatusSnapshot{Subscriptions: make([]Snapshot, 0, len(set.all))}
	for _, s := range set.all {
		snap := s.snapshot(now)
		out.Subscriptions = append(out.Subscriptions, snap)
		out.TotalActive += snap.Active
		if snap.Enabled {
			out.TotalCapacity += snap.MaxConcurrent
		}
	}
	out.AvailableCapacity = out.TotalCapacity - out.TotalActive
	return out
}
