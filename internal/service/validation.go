package service

// Reason explains why a presented personal token was rejected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMalformed
	ReasonInvalid
	ReasonRevoked
	ReasonExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMalformed:
		return "malformed"
	case ReasonInvalid:
		return "invalid"
	case ReasonRevoked:
		return "revoked"
	case ReasonExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Validation is the outcome of TokenService.Validate. The zero value is a
// rejection.
type Validation struct {
	Valid        bool
	Reason       Reason
	OwnerID      string
	CredentialID string
}

// Usage describes the request that presented a token.
type Usage struct {
	Endpoint      string
	SourceAddress string
	ClientAgent   string
}

func rejected(r Reason) Validation {
	return Validation{Reason: r}
}
