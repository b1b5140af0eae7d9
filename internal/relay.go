// Package relay defines the domain types shared across the proxy: subscription
// configuration, advisory utilisation samples, usage records, and request-scoped
// context helpers. It has no project imports -- it is the dependency root.
package relay

import (
	"context"
)

// SubscriptionConfig is the static, config-file-defined shape of one credential.
type SubscriptionConfig struct {
	Name          string `yaml:"name"`
	Secret        string `yaml:"secret"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Priority      int    `yaml:"priority"`
	Enabled       bool   `yaml:"enabled"`
}

// Window describes utilisation for a single rolling billing window.
type Window struct {
	Percent      float64 // 0-100, higher means closer to the cap
	HoursToReset float64 // time until this window's quota resets
}

// UtilisationSample is the advisory per-subscription signal pushed or polled
// from an external usage-reporting collaborator. A zero value is treated as
// "no data", which the scorer resolves to a neutral midpoint.
type UtilisationSample struct {
	FiveHour Window
	SevenDay Window
}

// UsageRecord is one proxied request (the dispatcher writes one per inbound
// request, after any retries), written fire-and-forget to the usage store.
type UsageRecord struct {
	ID           string
	ClientID     string
	Subscription string
	Model        string
	InputTokens  int
	OutputTokens int
	StatusCode   int
	LatencyMs    int64
	CreatedAt    int64 // unix seconds, stamped by the caller (not time.Now() inside this package)
}

// --- request-scoped context ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given opaque request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request id stashed by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
