package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/relaystack/subrelay/internal"
)

// UsageStore persists completed usage records. Implemented by
// internal/storage/sqlite.Store.
type UsageStore interface {
	InsertUsage(ctx context.Context, r relay.UsageRecord) error
}

const (
	usageQueueSize  = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainLimit = 30 * time.Second
)

// UsageRecorder batches usage records off the request hot path: Record
// never blocks the caller, and Run periodically flushes what has queued up.
// A full queue drops the record with a warning rather than applying
// backpressure to a proxied request.
type UsageRecorder struct {
	ch    chan relay.UsageRecord
	store UsageStore
}

// NewUsageRecorder builds a recorder backed by the given store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan relay.UsageRecord, usageQueueSize),
		store: store,
	}
}

func (u *UsageRecorder) Name() string { return "usage-recorder" }

// Record enqueues a completed request's usage, non-blocking.
func (u *UsageRecorder) Record(r relay.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage queue full, dropping record", "client_id", r.ClientID, "subscription", r.Subscription)
	}
}

// Run batches and flushes queued records until ctx is cancelled, then drains
// whatever remains with a bounded grace period.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	batch := make([]relay.UsageRecord, 0, usageBatchSize)
	for {
		select {
		case r := <-u.ch:
			batch = append(batch, r)
			if len(batch) >= usageBatchSize {
				batch = u.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = u.flush(ctx, batch)
		case <-ctx.Done():
			return u.drain(batch)
		}
	}
}

// drain flushes any remaining buffered batch plus whatever is still queued,
// bounded by usageDrainLimit so shutdown can't hang indefinitely.
func (u *UsageRecorder) drain(batch []relay.UsageRecord) error {
	deadline := time.Now().Add(usageDrainLimit)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			batch = append(batch, r)
		default:
			u.flush(ctx, batch)
			return nil
		}
		if time.Now().After(deadline) {
			u.flush(ctx, batch)
			return nil
		}
	}
}

// flush persists the batch and returns a fresh empty slice, assigning
// UUIDv7 ids off the hot path so Record itself never allocates one.
func (u *UsageRecorder) flush(ctx context.Context, batch []relay.UsageRecord) []relay.UsageRecord {
	if len(batch) == 0 {
		return batch
	}
	for _, r := range batch {
		if r.ID == "" {
			if id, err := uuid.NewV7(); err == nil {
				r.ID = id.String()
			}
		}
		if err := u.store.InsertUsage(ctx, r); err != nil {
			slog.Error("failed to persist usage record", "error", err, "client_id", r.ClientID)
		}
	}
	return batch[:0]
}
