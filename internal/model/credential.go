package model

import "time"

// Credential is a stored personal token. The plaintext secret is never part
// of this struct; only its digest and the visible fragments survive issuance.
type Credential struct {
	ID            string
	OwnerID       string
	Name          string
	SecretDigest  string
	VisiblePrefix string
	VisibleSuffix string
	Metadata      Metadata
	ExpiresAt     *time.Time
	LastUsedAt    *time.Time
	RevokedAt     *time.Time
	CreatedAt     time.Time
}

// Revoked reports whether the credential has been permanently revoked.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// ExpiredAt reports whether the credential is expired at instant t. A
// credential expires exactly at ExpiresAt.
func (c *Credential) ExpiredAt(t time.Time) bool {
	return c.ExpiresAt != nil && !t.Before(*c.ExpiresAt)
}

// Summary returns the externally visible view of the credential.
func (c *Credential) Summary() CredentialSummary {
	md := c.Metadata
	if md == nil {
		md = Metadata{}
	}
	return CredentialSummary{
		ID:         c.ID,
		Name:       c.Name,
		Prefix:     c.VisiblePrefix,
		Suffix:     c.VisibleSuffix,
		Metadata:   md,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
		ExpiresAt:  c.ExpiresAt,
		RevokedAt:  c.RevokedAt,
	}
}

// CredentialSummary is what every read path returns. It carries no digest
// and no plaintext.
type CredentialSummary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Suffix     string     `json:"suffix"`
	Metadata   Metadata   `json:"metadata"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	RevokedAt  *time.Time `json:"revokedAt"`
}

// IssuedCredential is returned exactly once, by issuance. It is the only type
// that holds a plaintext secret.
type IssuedCredential struct {
	Token      string            `json:"token"`
	Credential CredentialSummary `json:"credential"`
}

// UsageRecord is an append-only audit entry written for each successful
// authentication with a personal token.
type UsageRecord struct {
	ID            string    `json:"id"`
	CredentialID  string    `json:"credentialId"`
	Endpoint      string    `json:"endpoint"`
	SourceAddress string    `json:"sourceAddress"`
	ClientAgent   string    `json:"clientAgent"`
	OccurredAt    time.Time `json:"occurredAt"`
}
