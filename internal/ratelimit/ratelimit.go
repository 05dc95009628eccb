// Package ratelimit bounds how often an owner may perform an action. State
// is keyed per owner and action, time comes from an injected clock, and the
// counters live in an injected backend so that single-instance and shared
// deployments behave the same way.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Action names a rate-limited operation.
type Action string

// ActionIssue is credential issuance.
const ActionIssue Action = "issue"

// Policy allows Limit operations per fixed Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of TryConsume.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the current window closes. Zero when
	// allowed.
	RetryAfter time.Duration
}

// Backend stores the counters. Consume must atomically take one slot from
// the counter identified by (key, start) if fewer than limit have been
// taken, and leave it untouched otherwise. end is when the window closes.
type Backend interface {
	Consume(ctx context.Context, key string, start, end time.Time, limit int) (bool, error)
}

// Limiter applies per-action policies to owners.
type Limiter struct {
	backend  Backend
	clock    clockwork.Clock
	policies map[Action]Policy
}

// New returns a Limiter. A nil clock means the real clock.
func New(backend Backend, clock clockwork.Clock, policies map[Action]Policy) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := make(map[Action]Policy, len(policies))
	for a, pol := range policies {
		p[a] = pol
	}
	return &Limiter{backend: backend, clock: clock, policies: p}
}

// Policy returns the policy for action and whether one is configured.
func (l *Limiter) Policy(action Action) (Policy, bool) {
	p, ok := l.policies[action]
	return p, ok && p.Limit > 0 && p.Window > 0
}

// TryConsume takes one slot for (ownerID, action) in the current window.
// Actions without a policy are always allowed. Backend errors are returned
// as is and must be treated as a denial by the caller.
func (l *Limiter) TryConsume(ctx context.Context, ownerID string, action Action) (Decision, error) {
	p, ok := l.Policy(action)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	now := l.clock.Now()
	start := now.Truncate(p.Window)
	end := start.Add(p.Window)
	allowed, err := l.backend.Consume(ctx, Key(ownerID, action), start, end, p.Limit)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", action, err)
	}
	if allowed {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: end.Sub(now)}, nil
}

// Key returns the counter key for an owner and action.
func Key(ownerID string, action Action) string {
	return string(action) + ":" + ownerID
}
