package store

import (
	"context"
	"fmt"

	"github.com/nllm/tokend/internal/model"
)

// ---------------------------------------------------------------------------
// Usage records
// ---------------------------------------------------------------------------

type usageRow struct {
	ID            string `db:"id"`
	CredentialID  string `db:"credential_id"`
	Endpoint      string `db:"endpoint"`
	SourceAddress string `db:"source_address"`
	ClientAgent   string `db:"client_agent"`
	OccurredAt    int64  `db:"occurred_at"`
}

func (r usageRow) toModel() model.UsageRecord {
	return model.UsageRecord{
		ID:            r.ID,
		CredentialID:  r.CredentialID,
		Endpoint:      r.Endpoint,
		SourceAddress: r.SourceAddress,
		ClientAgent:   r.ClientAgent,
		OccurredAt:    fromMillis(r.OccurredAt),
	}
}

// AppendUsage inserts one usage record. Records are never updated.
func (s *Store) AppendUsage(ctx context.Context, u *model.UsageRecord) error {
	row := usageRow{
		ID:            u.ID,
		CredentialID:  u.CredentialID,
		Endpoint:      u.Endpoint,
		SourceAddress: u.SourceAddress,
		ClientAgent:   u.ClientAgent,
		OccurredAt:    toMillis(u.OccurredAt),
	}
	const q = `INSERT INTO usage_records
		(id, credential_id, endpoint, source_address, client_agent, occurred_at)
		VALUES
		(:id, :credential_id, :endpoint, :source_address, :client_agent, :occurred_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ListUsage returns the most recent usage records of a credential owned by
// ownerID, newest first.
func (s *Store) ListUsage(ctx context.Context, ownerID, credentialID string, limit int) ([]model.UsageRecord, error) {
	var owned int
	if err := s.db.GetContext(ctx, &owned, s.db.Rebind(
		"SELECT COUNT(*) FROM credentials WHERE id = ? AND owner_id = ?"), credentialID, ownerID); err != nil {
		return nil, fmt.Errorf("check credential owner: %w", err)
	}
	if owned == 0 {
		return nil, ErrNotFound
	}

	var rows []usageRow
	q := s.db.Rebind(`SELECT id, credential_id, endpoint, source_address, client_agent, occurred_at
		FROM usage_records WHERE credential_id = ?
		ORDER BY occurred_at DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, credentialID, limit); err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}

	out := make([]model.UsageRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Owners
// ---------------------------------------------------------------------------

// DeleteOwner removes the owner row. Credentials and their usage records
// are removed by cascading foreign keys.
func (s *Store) DeleteOwner(ctx context.Context, ownerID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM owners WHERE id = ?"), ownerID)
	if err != nil {
		return fmt.Errorf("delete owner: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete owner rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
