package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/model"
	"github.com/nllm/tokend/internal/secret"
	"github.com/nllm/tokend/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Authentication methods recorded on a Principal.
const (
	AuthMethodSession       = "session"
	AuthMethodPersonalToken = "personal_token"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	OwnerID      string `json:"ownerId"`
	AuthMethod   string `json:"authMethod"`
	CredentialID string `json:"credentialId,omitempty"`
}

// TokenValidator validates personal tokens.
type TokenValidator interface {
	Validate(ctx context.Context, presented string, use service.Usage) (service.Validation, error)
}

// Authenticate returns an HTTP middleware that validates the bearer
// credential in the Authorization header. Values carrying the personal
// token prefix go to tokens; everything else is treated as a session.
//
// On success, a Principal is attached to the request context. On failure,
// a 401 JSON error response is returned. Messages never say how close a
// guess was: malformed and unknown tokens get the same answer.
func Authenticate(sessions service.SessionValidator, tokens TokenValidator, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := bearerCredential(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			var principal *Principal
			if secret.HasPrefix(cred) {
				v, err := tokens.Validate(r.Context(), cred, UsageFromRequest(r))
				if err != nil {
					logger.Error().Err(err).Str("request_id", GetRequestID(r.Context())).
						Msg("personal token validation failed")
					writeAuthError(w, http.StatusInternalServerError, "Authentication unavailable")
					return
				}
				if !v.Valid {
					writeAuthError(w, http.StatusUnauthorized, rejectionMessage(v.Reason))
					return
				}
				principal = &Principal{
					OwnerID:      v.OwnerID,
					AuthMethod:   AuthMethodPersonalToken,
					CredentialID: v.CredentialID,
				}
			} else {
				owner, err := sessions.ValidateSession(r.Context(), cred)
				if err != nil {
					msg := "Invalid token"
					if errors.Is(err, service.ErrSessionExpired) {
						msg = "Session has expired"
					}
					writeAuthError(w, http.StatusUnauthorized, msg)
					return
				}
				principal = &Principal{OwnerID: owner, AuthMethod: AuthMethodSession}
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerCredential(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, cred, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	cred = strings.TrimSpace(cred)
	return cred, cred != ""
}

func rejectionMessage(r service.Reason) string {
	switch r {
	case service.ReasonRevoked:
		return "Token has been revoked"
	case service.ReasonExpired:
		return "Token has expired"
	default:
		return "Invalid token"
	}
}

// UsageFromRequest describes r for the usage log.
func UsageFromRequest(r *http.Request) service.Usage {
	return service.Usage{
		Endpoint:      r.URL.Path,
		SourceAddress: remoteHost(r.RemoteAddr),
		ClientAgent:   r.UserAgent(),
	}
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RequireSession returns an HTTP middleware that only admits principals
// authenticated with an interactive session. Token management is not
// available to personal tokens. It must be used after Authenticate.
func RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if principal.AuthMethod != AuthMethodSession {
				writeAuthError(w, http.StatusForbidden, "This operation requires an interactive session")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, AuthPrincipalKey, p)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tokend"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
