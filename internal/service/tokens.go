package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/metrics"
	"github.com/nllm/tokend/internal/model"
	"github.com/nllm/tokend/internal/ratelimit"
	"github.com/nllm/tokend/internal/secret"
	"github.com/nllm/tokend/internal/store"
)

const (
	// DefaultMaxActivePerOwner is the default ceiling on active tokens.
	DefaultMaxActivePerOwner = 10

	// MaxNameLength bounds token display names, in characters.
	MaxNameLength = 100

	// DefaultUsageLimit and MaxUsageLimit bound usage listings.
	DefaultUsageLimit = 50
	MaxUsageLimit     = 500

	issueAttempts = 3
)

// CredentialStore is the persistence the token service needs.
type CredentialStore interface {
	InsertCredential(ctx context.Context, c *model.Credential, maxActive int) error
	FindByDigest(ctx context.Context, digest string) (*model.Credential, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Credential, error)
	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
	Revoke(ctx context.Context, ownerID, id string, at time.Time) (bool, error)
	ListUsage(ctx context.Context, ownerID, credentialID string, limit int) ([]model.UsageRecord, error)
	DeleteOwner(ctx context.Context, ownerID string) error
}

// IssueParams describes a token to issue.
type IssueParams struct {
	Name      string
	ExpiresAt *time.Time
	Metadata  model.Metadata
}

// TokenService issues, validates, lists and revokes personal tokens.
type TokenService struct {
	store     CredentialStore
	limiter   *ratelimit.Limiter
	usage     *UsageRecorder
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	maxActive int
	generate  func() (string, error)
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithClock sets the clock used for creation, expiry and revocation times.
func WithClock(c clockwork.Clock) Option {
	return func(s *TokenService) { s.clock = c }
}

// WithMetrics sets the collectors to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *TokenService) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *TokenService) { s.logger = l }
}

// WithMaxActivePerOwner sets the active token ceiling. Zero or less
// disables it.
func WithMaxActivePerOwner(n int) Option {
	return func(s *TokenService) { s.maxActive = n }
}

// NewTokenService wires a TokenService. usage may be nil, in which case
// successful validations are not recorded.
func NewTokenService(st CredentialStore, limiter *ratelimit.Limiter, usage *UsageRecorder, opts ...Option) *TokenService {
	s := &TokenService{
		store:     st,
		limiter:   limiter,
		usage:     usage,
		clock:     clockwork.NewRealClock(),
		logger:    zerolog.Nop(),
		maxActive: DefaultMaxActivePerOwner,
		generate:  secret.Generate,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// MaxActivePerOwner returns the active token ceiling; zero means none.
func (s *TokenService) MaxActivePerOwner() int {
	return s.maxActive
}

func (s *TokenService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// Issue creates a token for ownerID. The returned plaintext is not stored
// and cannot be retrieved again.
func (s *TokenService) Issue(ctx context.Context, ownerID string, p IssueParams) (*model.IssuedCredential, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}
	name := strings.TrimSpace(p.Name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return nil, ErrInvalidName
	}
	if err := p.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	if s.limiter != nil {
		d, err := s.limiter.TryConsume(ctx, ownerID, ratelimit.ActionIssue)
		if err != nil {
			s.metrics.IssueRejected.WithLabelValues("error").Inc()
			return nil, err
		}
		if !d.Allowed {
			s.metrics.IssueRejected.WithLabelValues("rate_limited").Inc()
			s.logger.Warn().Str("owner_id", ownerID).Dur("retry_after", d.RetryAfter).
				Msg("token issuance rate limited")
			return nil, &RateLimitError{RetryAfter: d.RetryAfter}
		}
	}

	if s.maxActive > 0 {
		n, err := s.store.CountActiveByOwner(ctx, ownerID)
		if err != nil {
			s.metrics.IssueRejected.WithLabelValues("error").Inc()
			return nil, err
		}
		if n >= s.maxActive {
			s.metrics.IssueRejected.WithLabelValues("quota").Inc()
			return nil, ErrQuotaExceeded
		}
	}

	var expiresAt *time.Time
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC().Truncate(time.Millisecond)
		expiresAt = &t
	}
	now := s.now()

	for attempt := 1; attempt <= issueAttempts; attempt++ {
		plaintext, err := s.generate()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		if err := secret.CheckFormat(plaintext); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}

		c := &model.Credential{
			ID:            uuid.Must(uuid.NewV7()).String(),
			OwnerID:       ownerID,
			Name:          name,
			SecretDigest:  secret.Digest(plaintext),
			VisiblePrefix: secret.VisiblePrefix(plaintext),
			VisibleSuffix: secret.VisibleSuffix(plaintext),
			Metadata:      p.Metadata.Clone(),
			ExpiresAt:     expiresAt,
			CreatedAt:     now,
		}

		err = s.store.InsertCredential(ctx, c, s.maxActive)
		switch {
		case err == nil:
			s.metrics.Issued.Inc()
			s.logger.Info().
				Str("owner_id", ownerID).
				Str("credential_id", c.ID).
				Str("prefix", c.VisiblePrefix).
				Msg("token issued")
			return &model.IssuedCredential{Token: plaintext, Credential: c.Summary()}, nil
		case errors.Is(err, store.ErrConflict):
			s.logger.Warn().Int("attempt", attempt).Msg("token digest collision, regenerating")
		case errors.Is(err, store.ErrQuotaExceeded):
			s.metrics.IssueRejected.WithLabelValues("quota").Inc()
			return nil, ErrQuotaExceeded
		default:
			s.metrics.IssueRejected.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	s.metrics.IssueRejected.WithLabelValues("collision").Inc()
	s.logger.Error().Str("owner_id", ownerID).Int("attempts", issueAttempts).
		Msg("token generation kept colliding")
	return nil, ErrIssueFailed
}

// Validate checks a presented token. Expected rejections are reported in
// the returned Validation; a non-nil error means the store could not be
// consulted and the caller must deny access.
func (s *TokenService) Validate(ctx context.Context, presented string, use Usage) (Validation, error) {
	if err := secret.CheckFormat(presented); err != nil {
		return s.reject(ReasonMalformed), nil
	}

	c, err := s.store.FindByDigest(ctx, secret.Digest(presented))
	if errors.Is(err, store.ErrNotFound) {
		return s.reject(ReasonInvalid), nil
	}
	if err != nil {
		s.metrics.Validations.WithLabelValues("error").Inc()
		return Validation{}, fmt.Errorf("validate token: %w", err)
	}

	now := s.now()
	if c.Revoked() {
		s.logger.Info().Str("credential_id", c.ID).Msg("revoked token presented")
		v := s.reject(ReasonRevoked)
		v.CredentialID = c.ID
		return v, nil
	}
	if c.ExpiredAt(now) {
		s.logger.Info().Str("credential_id", c.ID).Msg("expired token presented")
		v := s.reject(ReasonExpired)
		v.CredentialID = c.ID
		return v, nil
	}

	if s.usage != nil {
		s.usage.Record(c.ID, now, use)
	}
	s.metrics.Validations.WithLabelValues("ok").Inc()
	return Validation{Valid: true, OwnerID: c.OwnerID, CredentialID: c.ID}, nil
}

func (s *TokenService) reject(r Reason) Validation {
	s.metrics.Validations.WithLabelValues(r.String()).Inc()
	return rejected(r)
}

// List returns summaries of every token owned by ownerID.
func (s *TokenService) List(ctx context.Context, ownerID string) ([]model.CredentialSummary, error) {
	creds, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]model.CredentialSummary, 0, len(creds))
	for i := range creds {
		out = append(out, creds[i].Summary())
	}
	return out, nil
}

// Revoke permanently invalidates a token. Revoking an already revoked token
// succeeds without changing it.
func (s *TokenService) Revoke(ctx context.Context, ownerID, credentialID string) error {
	changed, err := s.store.Revoke(ctx, ownerID, credentialID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if changed {
		s.metrics.Revocations.Inc()
		s.logger.Info().Str("owner_id", ownerID).Str("credential_id", credentialID).Msg("token revoked")
	}
	return nil
}

// Usage returns recent usage records of one of ownerID's tokens, newest
// first. limit is clamped to [1, MaxUsageLimit]; zero selects the default.
func (s *TokenService) Usage(ctx context.Context, ownerID, credentialID string, limit int) ([]model.UsageRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultUsageLimit
	case limit > MaxUsageLimit:
		limit = MaxUsageLimit
	}
	recs, err := s.store.ListUsage(ctx, ownerID, credentialID, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return recs, err
}

// DeleteOwner removes every token of ownerID along with its usage history.
func (s *TokenService) DeleteOwner(ctx context.Context, ownerID string) error {
	err := s.store.DeleteOwner(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	s.logger.Info().Str("owner_id", ownerID).Msg("owner tokens deleted")
	return nil
}
