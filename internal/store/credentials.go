package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nllm/tokend/internal/model"
)

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// credentialRow is a flat struct that maps 1:1 to the credentials table.
type credentialRow struct {
	ID            string `db:"id"`
	OwnerID       string `db:"owner_id"`
	Name          string `db:"name"`
	SecretDigest  string `db:"secret_digest"`
	VisiblePrefix string `db:"visible_prefix"`
	VisibleSuffix string `db:"visible_suffix"`
	Metadata      string `db:"metadata"`
	ExpiresAt     *int64 `db:"expires_at"`
	LastUsedAt    *int64 `db:"last_used_at"`
	RevokedAt     *int64 `db:"revoked_at"`
	CreatedAt     int64  `db:"created_at"`
}

const credentialColumns = `id, owner_id, name, secret_digest, visible_prefix, visible_suffix,
	metadata, expires_at, last_used_at, revoked_at, created_at`

func credentialRowFromModel(c *model.Credential) (credentialRow, error) {
	md := c.Metadata
	if md == nil {
		md = model.Metadata{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return credentialRow{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return credentialRow{
		ID:            c.ID,
		OwnerID:       c.OwnerID,
		Name:          c.Name,
		SecretDigest:  c.SecretDigest,
		VisiblePrefix: c.VisiblePrefix,
		VisibleSuffix: c.VisibleSuffix,
		Metadata:      string(b),
		ExpiresAt:     nullMillis(c.ExpiresAt),
		LastUsedAt:    nullMillis(c.LastUsedAt),
		RevokedAt:     nullMillis(c.RevokedAt),
		CreatedAt:     toMillis(c.CreatedAt),
	}, nil
}

func (r credentialRow) toModel() (*model.Credential, error) {
	md := model.Metadata{}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &md); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for credential %s: %w", r.ID, err)
		}
	}
	return &model.Credential{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Name:          r.Name,
		SecretDigest:  r.SecretDigest,
		VisiblePrefix: r.VisiblePrefix,
		VisibleSuffix: r.VisibleSuffix,
		Metadata:      md,
		ExpiresAt:     timePtr(r.ExpiresAt),
		LastUsedAt:    timePtr(r.LastUsedAt),
		RevokedAt:     timePtr(r.RevokedAt),
		CreatedAt:     fromMillis(r.CreatedAt),
	}, nil
}

// InsertCredential persists a new credential for its owner. The owner row is
// created on first use. When maxActive is positive the active count is
// checked under a lock on the owner row in the same transaction, so
// concurrent issuance cannot exceed it.
func (s *Store) InsertCredential(ctx context.Context, c *model.Credential, maxActive int) error {
	row, err := credentialRowFromModel(c)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert credential: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(s.dialect.ensureOwner), row.OwnerID, row.CreatedAt); err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}
	if s.dialect.lockOwner != "" {
		var id string
		if err := tx.GetContext(ctx, &id, tx.Rebind(s.dialect.lockOwner), row.OwnerID); err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}
	}

	if maxActive > 0 {
		var active int
		if err := tx.GetContext(ctx, &active, tx.Rebind(
			"SELECT COUNT(*) FROM credentials WHERE owner_id = ? AND revoked_at IS NULL"), row.OwnerID); err != nil {
			return fmt.Errorf("count active credentials: %w", err)
		}
		if active >= maxActive {
			return ErrQuotaExceeded
		}
	}

	const q = `INSERT INTO credentials (` + credentialColumns + `)
		VALUES (:id, :owner_id, :name, :secret_digest, :visible_prefix, :visible_suffix,
		:metadata, :expires_at, :last_used_at, :revoked_at, :created_at)`
	if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("commit insert credential: %w", err)
	}
	return nil
}

// FindByDigest looks up a credential by the exact digest of its secret.
func (s *Store) FindByDigest(ctx context.Context, digest string) (*model.Credential, error) {
	var row credentialRow
	q := s.db.Rebind("SELECT " + credentialColumns + " FROM credentials WHERE secret_digest = ?")
	if err := s.db.GetContext(ctx, &row, q, digest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find credential by digest: %w", err)
	}
	return row.toModel()
}

// GetCredential returns one credential belonging to ownerID.
func (s *Store) GetCredential(ctx context.Context, ownerID, id string) (*model.Credential, error) {
	var row credentialRow
	q := s.db.Rebind("SELECT " + credentialColumns + " FROM credentials WHERE id = ? AND owner_id = ?")
	if err := s.db.GetContext(ctx, &row, q, id, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return row.toModel()
}

// ListByOwner returns every credential of ownerID ordered by creation time,
// then id.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]model.Credential, error) {
	var rows []credentialRow
	q := s.db.Rebind("SELECT " + credentialColumns +
		" FROM credentials WHERE owner_id = ? ORDER BY created_at ASC, id ASC")
	if err := s.db.SelectContext(ctx, &rows, q, ownerID); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	creds := make([]model.Credential, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, nil
}

// CountActiveByOwner counts the owner's credentials that are not revoked.
func (s *Store) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	q := s.db.Rebind("SELECT COUNT(*) FROM credentials WHERE owner_id = ? AND revoked_at IS NULL")
	if err := s.db.GetContext(ctx, &n, q, ownerID); err != nil {
		return 0, fmt.Errorf("count active credentials: %w", err)
	}
	return n, nil
}

// Revoke stamps revoked_at on the credential if it belongs to ownerID and is
// not yet revoked. It reports whether a change was made. A credential that
// does not exist, or belongs to someone else, yields ErrNotFound.
func (s *Store) Revoke(ctx context.Context, ownerID, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE credentials SET revoked_at = ? WHERE id = ? AND owner_id = ? AND revoked_at IS NULL"),
		toMillis(at), id, ownerID)
	if err != nil {
		return false, fmt.Errorf("revoke credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke credential rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists, s.db.Rebind(
		"SELECT COUNT(*) FROM credentials WHERE id = ? AND owner_id = ?"), id, ownerID); err != nil {
		return false, fmt.Errorf("check revoked credential: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// TouchLastUsed moves last_used_at forward to at. An older instant never
// overwrites a newer one.
func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	ms := toMillis(at)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE credentials SET last_used_at = ? WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)"),
		ms, id, ms)
	if err != nil {
		return fmt.Errorf("touch credential last used: %w", err)
	}
	return nil
}
