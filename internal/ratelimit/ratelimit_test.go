package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/ratelimit"
	"github.com/nllm/tokend/internal/store"
)

var start = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]ratelimit.Backend {
	t.Helper()
	s, err := store.OpenSQLite("")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return map[string]ratelimit.Backend{
		"memory": ratelimit.NewMemoryBackend(),
		"sql":    ratelimit.NewSQLBackend(s, zerolog.Nop()),
	}
}

func hourly(limit int) map[ratelimit.Action]ratelimit.Policy {
	return map[ratelimit.Action]ratelimit.Policy{
		ratelimit.ActionIssue: {Limit: limit, Window: time.Hour},
	}
}

func TestLimiterWindow(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(start.Add(10 * time.Minute))
			l := ratelimit.New(backend, clock, hourly(5))
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				d, err := l.TryConsume(ctx, "u1", ratelimit.ActionIssue)
				if err != nil || !d.Allowed {
					t.Fatalf("attempt %d: %+v err=%v", i+1, d, err)
				}
			}

			d, err := l.TryConsume(ctx, "u1", ratelimit.ActionIssue)
			if err != nil {
				t.Fatalf("TryConsume: %v", err)
			}
			if d.Allowed {
				t.Fatal("6th attempt allowed, want denied")
			}
			if d.RetryAfter != 50*time.Minute {
				t.Errorf("RetryAfter: got %v, want %v", d.RetryAfter, 50*time.Minute)
			}

			// A different owner has its own counter.
			d, _ = l.TryConsume(ctx, "u2", ratelimit.ActionIssue)
			if !d.Allowed {
				t.Error("other owner denied")
			}

			// The next window starts fresh.
			clock.Advance(50 * time.Minute)
			d, _ = l.TryConsume(ctx, "u1", ratelimit.ActionIssue)
			if !d.Allowed {
				t.Error("denied after window rolled over")
			}
		})
	}
}

func TestLimiterDenialDoesNotConsume(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(start)
			ctx := context.Background()

			strict := ratelimit.New(backend, clock, hourly(1))
			if d, _ := strict.TryConsume(ctx, "u1", ratelimit.ActionIssue); !d.Allowed {
				t.Fatal("first attempt denied")
			}
			for i := 0; i < 3; i++ {
				if d, _ := strict.TryConsume(ctx, "u1", ratelimit.ActionIssue); d.Allowed {
					t.Fatal("attempt over limit allowed")
				}
			}

			// Same counter under a limit of 2: the denials above took nothing.
			loose := ratelimit.New(backend, clock, hourly(2))
			if d, _ := loose.TryConsume(ctx, "u1", ratelimit.ActionIssue); !d.Allowed {
				t.Error("second slot denied; denials consumed slots")
			}
		})
	}
}

func TestLimiterConcurrent(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := ratelimit.New(backend, clockwork.NewFakeClockAt(start), hourly(5))

			var (
				wg      sync.WaitGroup
				allowed atomic.Int32
			)
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.TryConsume(context.Background(), "u1", ratelimit.ActionIssue)
					if err != nil {
						t.Errorf("TryConsume: %v", err)
						return
					}
					if d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			if got := allowed.Load(); got != 5 {
				t.Errorf("allowed %d, want 5", got)
			}
		})
	}
}

func TestLimiterUnconfiguredAction(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryBackend(), clockwork.NewFakeClockAt(start), nil)
	for i := 0; i < 100; i++ {
		d, err := l.TryConsume(context.Background(), "u1", ratelimit.ActionIssue)
		if err != nil || !d.Allowed {
			t.Fatalf("unconfigured action denied: %+v %v", d, err)
		}
	}
}

type failingBackend struct{}

func (failingBackend) Consume(context.Context, string, time.Time, time.Time, int) (bool, error) {
	return false, errors.New("connection refused")
}

func TestLimiterBackendError(t *testing.T) {
	l := ratelimit.New(failingBackend{}, clockwork.NewFakeClockAt(start), hourly(5))
	d, err := l.TryConsume(context.Background(), "u1", ratelimit.ActionIssue)
	if err == nil {
		t.Fatal("expected backend error")
	}
	if d.Allowed {
		t.Error("backend failure must not allow")
	}
}

func TestMemoryBackendPrunes(t *testing.T) {
	m := ratelimit.NewMemoryBackend()
	ctx := context.Background()
	w1 := start
	w2 := start.Add(time.Hour)

	m.Consume(ctx, "issue:u1", w1, w2, 5)
	m.Consume(ctx, "issue:u2", w1, w2, 5)
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	m.Consume(ctx, "issue:u3", w2, w2.Add(time.Hour), 5)
	if m.Len() != 1 {
		t.Errorf("Len after new window = %d, want 1", m.Len())
	}
}

// flakySlotStore fails the first pruneFailures prunes and counts in memory.
type flakySlotStore struct {
	*ratelimit.MemoryBackend

	mu            sync.Mutex
	pruneFailures int
	prunes        []time.Time
}

func (f *flakySlotStore) ConsumeRateSlot(ctx context.Context, bucket string, start, end time.Time, limit int) (bool, error) {
	return f.MemoryBackend.Consume(ctx, bucket, start, end, limit)
}

func (f *flakySlotStore) PruneRateSlots(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, now)
	if f.pruneFailures > 0 {
		f.pruneFailures--
		return 0, errors.New("database is locked")
	}
	return 0, nil
}

func TestSQLBackendPruneFailure(t *testing.T) {
	st := &flakySlotStore{MemoryBackend: ratelimit.NewMemoryBackend(), pruneFailures: 1}
	b := ratelimit.NewSQLBackend(st, zerolog.Nop())
	ctx := context.Background()
	end := start.Add(time.Hour)

	ok, err := b.Consume(ctx, "issue:u1", start, end, 5)
	if err != nil || !ok {
		t.Fatalf("Consume with failing prune: ok=%v err=%v, want allowed", ok, err)
	}

	// The failed prune is retried, then skipped once it succeeds.
	for i := 0; i < 2; i++ {
		if ok, err := b.Consume(ctx, "issue:u1", start, end, 5); err != nil || !ok {
			t.Fatalf("Consume %d: ok=%v err=%v", i+2, ok, err)
		}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.prunes) != 2 {
		t.Errorf("prunes = %d, want 2 (one failure, one retry)", len(st.prunes))
	}
}
