package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/metrics"
	"github.com/nllm/tokend/internal/model"
	"github.com/nllm/tokend/internal/ratelimit"
	"github.com/nllm/tokend/internal/secret"
	"github.com/nllm/tokend/internal/store"
)

var (
	testStart     = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	secretPattern = regexp.MustCompile(`^nllm_[A-Za-z0-9_-]{43}$`)
)

type testEnv struct {
	svc     *TokenService
	store   *store.Store
	clock   *clockwork.FakeClock
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, issuePerHour int) *testEnv {
	t.Helper()
	st, err := store.OpenSQLite("")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClockAt(testStart)
	m := metrics.New(nil)
	limiter := ratelimit.New(ratelimit.NewMemoryBackend(), clock, map[ratelimit.Action]ratelimit.Policy{
		ratelimit.ActionIssue: {Limit: issuePerHour, Window: time.Hour},
	})
	usage := NewUsageRecorder(st, UsageConfig{}, m, zerolog.Nop())
	svc := NewTokenService(st, limiter, usage,
		WithClock(clock), WithMetrics(m), WithMaxActivePerOwner(DefaultMaxActivePerOwner))
	return &testEnv{svc: svc, store: st, clock: clock, metrics: m}
}

func (e *testEnv) issue(t *testing.T, owner, name string) *model.IssuedCredential {
	t.Helper()
	ic, err := e.svc.Issue(context.Background(), owner, IssueParams{Name: name})
	if err != nil {
		t.Fatalf("Issue(%s, %s): %v", owner, name, err)
	}
	return ic
}

func (e *testEnv) validate(t *testing.T, token string) Validation {
	t.Helper()
	v, err := e.svc.Validate(context.Background(), token, Usage{Endpoint: "/api/v1/me", SourceAddress: "10.0.0.1", ClientAgent: "agent/1.0"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return v
}

func TestIssueAndList(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	ic := env.issue(t, "u1", "  laptop-agent  ")
	if !secretPattern.MatchString(ic.Token) {
		t.Errorf("token %q does not match %s", ic.Token, secretPattern)
	}
	if ic.Credential.Name != "laptop-agent" {
		t.Errorf("Name: got %q, want %q", ic.Credential.Name, "laptop-agent")
	}
	if ic.Credential.Suffix != ic.Token[len(ic.Token)-4:] {
		t.Errorf("Suffix: got %q, want last 4 of token", ic.Credential.Suffix)
	}
	if !strings.HasPrefix(ic.Token, ic.Credential.Prefix) || len(ic.Credential.Prefix) != len(secret.Prefix)+4 {
		t.Errorf("Prefix: got %q", ic.Credential.Prefix)
	}
	if !ic.Credential.CreatedAt.Equal(testStart) {
		t.Errorf("CreatedAt: got %v, want %v", ic.Credential.CreatedAt, testStart)
	}

	list, err := env.svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d summaries, want 1", len(list))
	}
	got := list[0]
	if got.ID != ic.Credential.ID || got.Name != "laptop-agent" || got.LastUsedAt != nil {
		t.Errorf("unexpected summary: %+v", got)
	}

	// The stored digest is what a lookup by plaintext finds; the plaintext is
	// nowhere in the row.
	c, err := env.store.FindByDigest(ctx, secret.Digest(ic.Token))
	if err != nil {
		t.Fatalf("FindByDigest: %v", err)
	}
	for _, field := range []string{c.Name, c.VisiblePrefix, c.VisibleSuffix, c.SecretDigest} {
		if strings.Contains(field, ic.Token[len(secret.Prefix):]) {
			t.Errorf("plaintext body persisted in %q", field)
		}
	}

	if got := testutil.ToFloat64(env.metrics.Issued); got != 1 {
		t.Errorf("issued metric = %v, want 1", got)
	}
}

func TestIssueValidation(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	tests := []struct {
		name    string
		owner   string
		params  IssueParams
		wantErr error
	}{
		{"empty owner", "", IssueParams{Name: "x"}, ErrInvalidOwner},
		{"blank name", "u1", IssueParams{Name: "   "}, ErrInvalidName},
		{"long name", "u1", IssueParams{Name: strings.Repeat("n", MaxNameLength+1)}, ErrInvalidName},
		{"big metadata", "u1", IssueParams{Name: "x", Metadata: model.Metadata{"k": strings.Repeat("v", 300)}}, ErrInvalidMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Issue(ctx, tt.owner, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := env.svc.Issue(ctx, "u1", IssueParams{Name: strings.Repeat("é", MaxNameLength)}); err != nil {
		t.Errorf("name of %d multibyte chars rejected: %v", MaxNameLength, err)
	}
}

func TestValidateRoundTrip(t *testing.T) {
	env := newTestEnv(t, 100)
	ic := env.issue(t, "u1", "cli")

	v := env.validate(t, ic.Token)
	if !v.Valid {
		t.Fatalf("Validate: rejected with %v", v.Reason)
	}
	if v.OwnerID != "u1" || v.CredentialID != ic.Credential.ID {
		t.Errorf("got (%s, %s), want (u1, %s)", v.OwnerID, v.CredentialID, ic.Credential.ID)
	}

	list, _ := env.svc.List(context.Background(), "u1")
	if list[0].LastUsedAt == nil || !list[0].LastUsedAt.Equal(testStart) {
		t.Errorf("LastUsedAt: got %v, want %v", list[0].LastUsedAt, testStart)
	}

	recs, err := env.svc.Usage(context.Background(), "u1", ic.Credential.ID, 0)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1", len(recs))
	}
	if recs[0].CredentialID != ic.Credential.ID || recs[0].Endpoint != "/api/v1/me" {
		t.Errorf("unexpected usage record: %+v", recs[0])
	}
	if recs[0].SourceAddress != "10.0.0.1" || recs[0].ClientAgent != "agent/1.0" {
		t.Errorf("usage context not recorded: %+v", recs[0])
	}
}

func TestValidateRejections(t *testing.T) {
	env := newTestEnv(t, 100)

	unknown, _ := secret.Generate()
	tests := []struct {
		name  string
		token string
		want  Reason
	}{
		{"empty", "", ReasonMalformed},
		{"wrong prefix", "sk_" + strings.Repeat("a", 45), ReasonMalformed},
		{"short", secret.Prefix + "abc", ReasonMalformed},
		{"unknown", unknown, ReasonInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := env.validate(t, tt.token)
			if v.Valid {
				t.Fatal("Validate accepted a bad token")
			}
			if v.Reason != tt.want {
				t.Errorf("Reason: got %v, want %v", v.Reason, tt.want)
			}
			if v.OwnerID != "" {
				t.Errorf("rejection leaked owner %q", v.OwnerID)
			}
		})
	}
}

func TestRevokeFinality(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	a := env.issue(t, "u1", "a")
	b := env.issue(t, "u1", "b")

	if err := env.svc.Revoke(ctx, "u1", a.Credential.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// Immediately, and at any later time.
	for _, advance := range []time.Duration{0, time.Hour, 365 * 24 * time.Hour} {
		env.clock.Advance(advance)
		v := env.validate(t, a.Token)
		if v.Valid || v.Reason != ReasonRevoked {
			t.Errorf("after %v: got valid=%v reason=%v, want Revoked", advance, v.Valid, v.Reason)
		}
	}

	// Revoking again is a no-op success.
	if err := env.svc.Revoke(ctx, "u1", a.Credential.ID); err != nil {
		t.Errorf("second Revoke: %v", err)
	}

	// B is unaffected.
	if v := env.validate(t, b.Token); !v.Valid {
		t.Errorf("sibling token rejected with %v", v.Reason)
	}

	// Other owners cannot see or revoke it.
	if err := env.svc.Revoke(ctx, "u2", b.Credential.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(other owner): got %v, want ErrNotFound", err)
	}
	if err := env.svc.Revoke(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(missing): got %v, want ErrNotFound", err)
	}
}

func TestExpirationBoundary(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	t0 := testStart.Add(time.Hour)
	ic, err := env.svc.Issue(ctx, "u1", IssueParams{Name: "short-lived", ExpiresAt: &t0})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	env.clock.Advance(time.Hour - time.Millisecond)
	if v := env.validate(t, ic.Token); !v.Valid {
		t.Errorf("just before expiry: rejected with %v", v.Reason)
	}

	env.clock.Advance(time.Millisecond)
	if v := env.validate(t, ic.Token); v.Valid || v.Reason != ReasonExpired {
		t.Errorf("at expiry: got valid=%v reason=%v, want Expired", v.Valid, v.Reason)
	}

	env.clock.Advance(time.Hour)
	if v := env.validate(t, ic.Token); v.Reason != ReasonExpired {
		t.Errorf("after expiry: got %v, want Expired", v.Reason)
	}
}

func TestIssueAlreadyExpired(t *testing.T) {
	env := newTestEnv(t, 100)
	past := testStart.Add(-time.Second)
	ic, err := env.svc.Issue(context.Background(), "u1", IssueParams{Name: "stale", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if v := env.validate(t, ic.Token); v.Reason != ReasonExpired {
		t.Errorf("got %v, want Expired", v.Reason)
	}
}

func TestRevokedWinsOverExpired(t *testing.T) {
	env := newTestEnv(t, 100)
	past := testStart.Add(-time.Second)
	ic, _ := env.svc.Issue(context.Background(), "u1", IssueParams{Name: "both", ExpiresAt: &past})
	if err := env.svc.Revoke(context.Background(), "u1", ic.Credential.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if v := env.validate(t, ic.Token); v.Reason != ReasonRevoked {
		t.Errorf("got %v, want Revoked", v.Reason)
	}
}

func TestUsageIndependence(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	a := env.issue(t, "u1", "a")
	b := env.issue(t, "u1", "b")

	for i := 0; i < 3; i++ {
		env.clock.Advance(time.Minute)
		env.validate(t, a.Token)
	}

	list, _ := env.svc.List(ctx, "u1")
	for _, s := range list {
		switch s.ID {
		case a.Credential.ID:
			if s.LastUsedAt == nil || !s.LastUsedAt.Equal(testStart.Add(3*time.Minute)) {
				t.Errorf("A LastUsedAt: got %v", s.LastUsedAt)
			}
		case b.Credential.ID:
			if s.LastUsedAt != nil {
				t.Errorf("B LastUsedAt changed by A's use: %v", s.LastUsedAt)
			}
		}
	}

	recsA, _ := env.svc.Usage(ctx, "u1", a.Credential.ID, 0)
	recsB, _ := env.svc.Usage(ctx, "u1", b.Credential.ID, 0)
	if len(recsA) != 3 || len(recsB) != 0 {
		t.Errorf("usage records: A=%d B=%d, want 3 and 0", len(recsA), len(recsB))
	}
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	var first *model.IssuedCredential
	for i := 0; i < DefaultMaxActivePerOwner; i++ {
		ic := env.issue(t, "u1", "t")
		if first == nil {
			first = ic
		}
	}

	_, err := env.svc.Issue(ctx, "u1", IssueParams{Name: "eleventh"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("11th Issue: got %v, want ErrQuotaExceeded", err)
	}

	if err := env.svc.Revoke(ctx, "u1", first.Credential.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := env.svc.Issue(ctx, "u1", IssueParams{Name: "eleventh"}); err != nil {
		t.Fatalf("Issue after revoke: %v", err)
	}

	// Revoked tokens still list.
	list, _ := env.svc.List(ctx, "u1")
	if len(list) != DefaultMaxActivePerOwner+1 {
		t.Errorf("listed %d, want %d", len(list), DefaultMaxActivePerOwner+1)
	}
}

func TestQuotaConcurrent(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Issue(ctx, "u1", IssueParams{Name: "racer"})
			if err != nil && !errors.Is(err, ErrQuotaExceeded) {
				t.Errorf("Issue: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := env.store.CountActiveByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("CountActiveByOwner: %v", err)
	}
	if n != DefaultMaxActivePerOwner {
		t.Errorf("active = %d, want %d", n, DefaultMaxActivePerOwner)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env.issue(t, "u1", "t")
	}
	_, err := env.svc.Issue(ctx, "u1", IssueParams{Name: "sixth"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("6th Issue: got %v, want ErrRateLimited", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != time.Hour {
		t.Errorf("RetryAfter: got %+v, want 1h", rl)
	}

	// The sixth attempt in the same window, made by another owner, succeeds.
	if _, err := env.svc.Issue(ctx, "u2", IssueParams{Name: "sixth"}); err != nil {
		t.Errorf("other owner: %v", err)
	}

	env.clock.Advance(time.Hour)
	if _, err := env.svc.Issue(ctx, "u1", IssueParams{Name: "next window"}); err != nil {
		t.Errorf("next window: %v", err)
	}
}

func TestDeleteOwner(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	ic := env.issue(t, "u1", "t")
	env.validate(t, ic.Token)

	if err := env.svc.DeleteOwner(ctx, "u1"); err != nil {
		t.Fatalf("DeleteOwner: %v", err)
	}
	if v := env.validate(t, ic.Token); v.Reason != ReasonInvalid {
		t.Errorf("after delete: got %v, want Invalid", v.Reason)
	}
	if err := env.svc.DeleteOwner(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteOwner: got %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Failure paths
// ---------------------------------------------------------------------------

// stubStore wraps a real store and lets tests inject failures.
type stubStore struct {
	CredentialStore
	findErr    error
	insertErrs []error
	inserts    int
}

func (s *stubStore) FindByDigest(ctx context.Context, digest string) (*model.Credential, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.CredentialStore.FindByDigest(ctx, digest)
}

func (s *stubStore) InsertCredential(ctx context.Context, c *model.Credential, maxActive int) error {
	s.inserts++
	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	return s.CredentialStore.InsertCredential(ctx, c, maxActive)
}

func newStubEnv(t *testing.T) (*TokenService, *stubStore) {
	t.Helper()
	st, err := store.OpenSQLite("")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	stub := &stubStore{CredentialStore: st}
	return NewTokenService(stub, nil, nil, WithClock(clockwork.NewFakeClockAt(testStart))), stub
}

func TestValidateFailsClosed(t *testing.T) {
	svc, stub := newStubEnv(t)
	ic, err := svc.Issue(context.Background(), "u1", IssueParams{Name: "t"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	stub.findErr = context.DeadlineExceeded
	v, err := svc.Validate(context.Background(), ic.Token, Usage{})
	if err == nil {
		t.Fatal("expected storage error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap cause: %v", err)
	}
	if v.Valid {
		t.Error("storage failure produced a valid result")
	}
}

func TestIssueRetriesCollision(t *testing.T) {
	svc, stub := newStubEnv(t)
	stub.insertErrs = []error{store.ErrConflict, store.ErrConflict}

	if _, err := svc.Issue(context.Background(), "u1", IssueParams{Name: "t"}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if stub.inserts != 3 {
		t.Errorf("inserts = %d, want 3", stub.inserts)
	}
}

func TestIssueGivesUpAfterCollisions(t *testing.T) {
	svc, stub := newStubEnv(t)
	stub.insertErrs = []error{store.ErrConflict, store.ErrConflict, store.ErrConflict}

	_, err := svc.Issue(context.Background(), "u1", IssueParams{Name: "t"})
	if !errors.Is(err, ErrIssueFailed) {
		t.Fatalf("got %v, want ErrIssueFailed", err)
	}
	if errors.Is(err, store.ErrConflict) {
		t.Error("conflict must not surface to the caller")
	}
}

func TestIssueRejectsBadGenerator(t *testing.T) {
	svc, _ := newStubEnv(t)
	svc.generate = func() (string, error) { return "nllm_short", nil }

	if _, err := svc.Issue(context.Background(), "u1", IssueParams{Name: "t"}); err == nil {
		t.Fatal("expected error for malformed generator output")
	}
}
