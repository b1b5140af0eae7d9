package tracker

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// affinityTTL is how long a client's last-used subscription is remembered.
// Long enough to keep a session's follow-up requests sticky, short enough
// that a retired or renamed client eventually falls off without a sweep.
const affinityTTL = 10 * time.Minute

// affinity is a bounded, TTL-expiring client_id -> subscription_name map
// backing the scorer's affinity bonus. Grounded on the same otter/v2 cache
// the teacher uses for its route-resolution cache and response cache -- a
// recency map is exactly that shape of problem.
type affinity struct {
	cache *otter.Cache[string, string]
}

func newAffinity(maxClients int) (*affinity, error) {
	c, err := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize:      maxClients,
		ExpiryCalculator: otter.ExpiryWriting[string, string](affinityTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create affinity cache: %w", err)
	}
	return &affinity{cache: c}, nil
}

// last returns the subscription name this client last landed on, if any and
// not yet expired.
func (a *affinity) last(clientID string) (string, bool) {
	if a == nil || clientID == "" {
		return "", false
	}
	return a.cache.GetIfPresent(clientID)
}

// record remembers the subscription a client was just routed to.
func (a *affinity) record(clientID, subscription string) {
	if a == nil || clientID == "" {
		return
	}
	a.cache.Set(clientID, subscription)
}
