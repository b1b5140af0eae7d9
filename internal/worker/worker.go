// Package worker runs the proxy's background tasks: batched usage
// persistence and optional utilisation polling.
package worker

import "context"

// Worker is a long-running background task driven to completion by a Runner.
// Run must return promptly once ctx is cancelled.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}
