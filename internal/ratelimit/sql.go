package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SlotStore is the subset of the credential store that holds shared
// counters.
type SlotStore interface {
	ConsumeRateSlot(ctx context.Context, bucket string, start, end time.Time, limit int) (bool, error)
	PruneRateSlots(ctx context.Context, now time.Time) (int64, error)
}

// SQLBackend keeps counters in the shared database so every instance sees
// the same counts.
type SQLBackend struct {
	store  SlotStore
	logger zerolog.Logger

	mu         sync.Mutex
	prunedUpTo time.Time
}

// NewSQLBackend returns a backend over store.
func NewSQLBackend(store SlotStore, logger zerolog.Logger) *SQLBackend {
	return &SQLBackend{store: store, logger: logger}
}

// Consume implements Backend. Closed windows are pruned the first time this
// instance sees a newer window start. A failed prune is retried on the next
// call and never blocks the consume itself.
func (b *SQLBackend) Consume(ctx context.Context, key string, start, end time.Time, limit int) (bool, error) {
	b.mu.Lock()
	prune := start.After(b.prunedUpTo)
	b.mu.Unlock()

	if prune {
		if n, err := b.store.PruneRateSlots(ctx, start); err != nil {
			b.logger.Warn().Err(err).Time("before", start).Msg("prune rate slots failed")
		} else {
			b.mu.Lock()
			if start.After(b.prunedUpTo) {
				b.prunedUpTo = start
			}
			b.mu.Unlock()
			if n > 0 {
				b.logger.Debug().Int64("pruned", n).Msg("pruned rate slots")
			}
		}
	}
	return b.store.ConsumeRateSlot(ctx, key, start, end, limit)
}
