package handler

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/model"
	"github.com/nllm/tokend/internal/server/middleware"
	"github.com/nllm/tokend/internal/service"
)

// clientMetadataKey is filled from User-Agent when the caller does not set it.
const clientMetadataKey = "client"

// TokenHandler serves the personal token API. Every route expects a
// Principal from middleware.Authenticate.
type TokenHandler struct {
	tokens *service.TokenService
	logger zerolog.Logger
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(tokens *service.TokenService, logger zerolog.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, logger: logger}
}

type issueRequest struct {
	Name      string         `json:"name"`
	ExpiresAt *time.Time     `json:"expiresAt"`
	Metadata  model.Metadata `json:"metadata"`
}

// Issue creates a token for the calling owner and returns its plaintext
// exactly once.
// POST /api/v1/tokens
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req issueRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	issued, err := h.tokens.Issue(r.Context(), principal.OwnerID, service.IssueParams{
		Name:      req.Name,
		ExpiresAt: req.ExpiresAt,
		Metadata:  withClient(req.Metadata, r.UserAgent()),
	})
	if err != nil {
		h.writeIssueError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, issued)
}

func (h *TokenHandler) writeIssueError(w http.ResponseWriter, r *http.Request, err error) {
	var rle *service.RateLimitError
	switch {
	case errors.As(err, &rle):
		secs := int(math.Ceil(rle.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "Too many tokens issued, try again later",
			map[string]interface{}{"retryAfterSeconds": secs})
	case errors.Is(err, service.ErrQuotaExceeded):
		limit := h.tokens.MaxActivePerOwner()
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Active token limit (%d) reached; revoke an existing token first", limit),
			map[string]interface{}{"maxActive": limit})
	case errors.Is(err, service.ErrInvalidName),
		errors.Is(err, service.ErrInvalidMetadata):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).
			Msg("token issuance failed")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
	}
}

// withClient returns md with the client entry set from the user agent,
// unless the caller supplied one or there is no room for it.
func withClient(md model.Metadata, agent string) model.Metadata {
	if agent == "" {
		return md
	}
	if _, ok := md[clientMetadataKey]; ok {
		return md
	}
	if len(md) >= model.MaxMetadataEntries {
		return md
	}
	if len(agent) > model.MaxMetadataValueLen {
		agent = agent[:model.MaxMetadataValueLen]
	}
	out := md.Clone()
	if out == nil {
		out = model.Metadata{}
	}
	out[clientMetadataKey] = agent
	return out
}

// List returns every token of the calling owner, oldest first.
// GET /api/v1/tokens
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	summaries, err := h.tokens.List(r.Context(), principal.OwnerID)
	if err != nil {
		h.logger.Error().Err(err).Msg("list tokens failed")
		writeError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}

	writeJSON(w, http.StatusOK, model.ListResponse[model.CredentialSummary]{
		Resource: summaries,
		Meta:     model.ResponseMeta{Count: len(summaries)},
	})
}

// Revoke permanently revokes one of the calling owner's tokens. Tokens of
// other owners are reported as not found.
// DELETE /api/v1/tokens/{id}
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	err := h.tokens.Revoke(r.Context(), principal.OwnerID, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Token not found")
	case err != nil:
		h.logger.Error().Err(err).Msg("revoke token failed")
		writeError(w, http.StatusInternalServerError, "Failed to revoke token")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Usage returns recent usage of one of the calling owner's tokens.
// GET /api/v1/tokens/{id}/usage?limit=N
func (h *TokenHandler) Usage(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	records, err := h.tokens.Usage(r.Context(), principal.OwnerID, chi.URLParam(r, "id"),
		queryInt(r, "limit", service.DefaultUsageLimit))
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Token not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("list token usage failed")
		writeError(w, http.StatusInternalServerError, "Failed to list token usage")
		return
	}
	if records == nil {
		records = []model.UsageRecord{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse[model.UsageRecord]{
		Resource: records,
		Meta:     model.ResponseMeta{Count: len(records)},
	})
}

// Me describes the authenticated caller.
// GET /api/v1/me
func (h *TokenHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, principal)
}
