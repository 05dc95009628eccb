package store

import (
	"context"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Rate-limit counters
// ---------------------------------------------------------------------------

// ConsumeRateSlot increments the counter for (bucket, windowStart) if it is
// below limit, in a single statement. It reports whether a slot was taken;
// a refusal leaves the counter unchanged. windowEnd is kept for pruning.
func (s *Store) ConsumeRateSlot(ctx context.Context, bucket string, windowStart, windowEnd time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(s.dialect.consumeSlot),
		bucket, toMillis(windowStart), toMillis(windowEnd), limit)
	if err != nil {
		return false, fmt.Errorf("consume rate slot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume rate slot rows affected: %w", err)
	}
	return n > 0, nil
}

// PruneRateSlots deletes counters whose window closed at or before now.
func (s *Store) PruneRateSlots(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM rate_limits WHERE window_end <= ?"), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("prune rate slots: %w", err)
	}
	return result.RowsAffected()
}
