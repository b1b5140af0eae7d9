package tracker

import (
	"sort"
	"time"

	relay "github.com/relaystack/subrelay/internal"
)

// selectOpts carries the per-request hints a policy may use to break ties:
// the calling client (for affinity) and whether the request has been
// classified as a heavy consumer (shifting the scorer's weights).
type selectOpts struct {
	clientID string
	heavy    bool
}

// policy picks the best candidate from an already-eligible set. Candidates
// is never empty when a policy is invoked; an empty candidate set is handled
// by the tracker before a policy is consulted.
type policy interface {
	choose(candidates []*state, opts selectOpts, now time.Time, aff *affinity) *state
}

// simplePolicy sorts by (-available_capacity, priority): most headroom
// first, ties broken by the lowest (highest-priority) priority number.
type simplePolicy struct{}

func (simplePolicy) choose(candidates []*state, _ selectOpts, _ time.Time, _ *affinity) *state {
	best := candidates[0]
	bestCap := best.availableCapacity()
	for _, c := range candidates[1:] {
		avail := c.availableCapacity()
		switch {
		case avail > bestCap:
			best, bestCap = c, avail
		case avail == bestCap && c.cfg.Priority < best.cfg.Priority:
			best, bestCap = c, avail
		}
	}
	return best
}

// Scoring weights for the weighted policy. Lower final score wins.
const (
	weightUtilisationHeavy  = 0.45
	weightCapacityHeavy     = 0.35
	weightUtilisationNormal = 0.30
	weightCapacityNormal    = 0.45
	weightPriority          = 0.10

	affinityBonus        = 3.0
	pacingRateThreshold1  = 10.0
	pacingRatePenalty1    = 1.0
	pacingRateThreshold2  = 20.0
	pacingRatePenalty2    = 3.0
	drainBonusHours       = 1.0
	drainBonus            = 2.0
	heavyClassificationPenalty = 5.0
)

// weightedPolicy implements the richer scorer: capacity headroom, advisory
// utilisation, client affinity, recent-rate pacing, heavy-classification
// penalty, and a small bonus for subscriptions about to reset their window.
type weightedPolicy struct{}

func (weightedPolicy) choose(candidates []*state, opts selectOpts, now time.Time, aff *affinity) *state {
	type scored struct {
		s     *state
		score float64
	}

	var affinityName string
	if aff != nil {
		affinityName, _ = aff.last(opts.clientID)
	}

	scores := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		scores = append(scores, scored{s: c, score: score(c, opts, now, affinityName)})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score < scores[j].score
		}
		return scores[i].s.cfg.Priority < scores[j].s.cfg.Priority
	})
	return scores[0].s
}

func score(c *state, opts selectOpts, now time.Time, affinityName string) float64 {
	utilWeight, capWeight := weightUtilisationNormal, weightCapacityNormal
	if opts.heavy {
		utilWeight, capWeight = weightUtilisationHeavy, weightCapacityHeavy
	}

	c.mu.Lock()
	util := utilisationScore(c.utilisation)
	avail := c.cfg.MaxConcurrent - c.active
	resetSoon := c.utilisation.FiveHour.HoursToReset > 0 && c.utilisation.FiveHour.HoursToReset <= drainBonusHours
	rate := c.rate.estimate(now)
	c.mu.Unlock()

	if avail < 0 {
		avail = 0
	}
	capacityScore := 100.0
	if c.cfg.MaxConcurrent > 0 {
		capacityScore = 100 - (float64(avail)/float64(c.cfg.MaxConcurrent))*100
	}

	total := util*utilWeight + capacityScore*capWeight + float64(c.cfg.Priority)*weightPriority

	if opts.heavy {
		total += heavyClassificationPenalty
	}
	if affinityName != "" && affinityName == c.cfg.Name {
		total -= affinityBonus
	}
	if resetSoon {
		total -= drainBonus
	}
	switch {
	case rate > pacingRateThreshold2:
		total += pacingRatePenalty2
	case rate > pacingRateThreshold1:
		total += pacingRatePenalty1
	}
	return total
}

// neutralUtilisation is the default score for a subscription with no
// utilisation data yet -- neither rewarded nor penalised.
const neutralUtilisation = 50.0

// utilisationScore folds five-hour and seven-day utilisation into a single
// 0-100 figure, weighted toward the window that resets soonest (5h: 0.7,
// 7d: 0.3). Missing data (a zero Window) resolves to the neutral midpoint
// rather than penalising or favouring an unmeasured subscription.
func utilisationScore(u relay.UtilisationSample) float64 {
	five := u.FiveHour.Percent
	if u.FiveHour == (relay.Window{}) {
		five = neutralUtilisation
	}
	seven := u.SevenDay.Percent
	if u.SevenDay == (relay.Window{}) {
		seven = neutralUtilisation
	}
	return five*0.7 + seven*0.3
}
