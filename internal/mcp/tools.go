package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nllm/tokend/internal/service"
)

// registerTools registers all token tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("whoami",
			mcp.WithDescription(
				"Describe the identity behind the personal token used for this session: "+
					"the owner id and the token's credential id.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleWhoAmI,
	)

	srv.AddTool(
		mcp.NewTool("list_tokens",
			mcp.WithDescription(
				"List every personal token of the calling owner, oldest first. Each entry "+
					"shows the name, visible prefix and suffix, metadata, and creation, "+
					"last use, expiry and revocation times. Secrets are never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListTokens,
	)

	srv.AddTool(
		mcp.NewTool("token_usage",
			mcp.WithDescription(
				"Show recent authentications made with one of the caller's tokens, newest first.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Credential id of the token"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of records to return (default 50, max 500)"),
			),
		),
		s.handleTokenUsage,
	)

	srv.AddTool(
		mcp.NewTool("revoke_token",
			mcp.WithDescription(
				"Permanently revoke one of the caller's tokens. Revoking the token used by "+
					"this session ends the session's access on the next call.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Credential id of the token to revoke"),
			),
		),
		s.handleRevokeToken,
	)
}

func (s *MCPServer) handleWhoAmI(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := s.authenticate(ctx, "whoami")
	if err != nil {
		return toolError("%v", err)
	}
	return successJSON(map[string]string{
		"ownerId":      v.OwnerID,
		"credentialId": v.CredentialID,
		"authMethod":   "personal_token",
	})
}

func (s *MCPServer) handleListTokens(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := s.authenticate(ctx, "list_tokens")
	if err != nil {
		return toolError("%v", err)
	}
	summaries, err := s.tokens.List(ctx, v.OwnerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("mcp list tokens failed")
		return toolError("failed to list tokens")
	}
	return successJSON(map[string]interface{}{
		"resource": summaries,
		"count":    len(summaries),
	})
}

func (s *MCPServer) handleTokenUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := s.authenticate(ctx, "token_usage")
	if err != nil {
		return toolError("%v", err)
	}
	id, err := requireString(request, "id")
	if err != nil {
		return toolError("%v", err)
	}
	limit := clamp(optionalInt(request, "limit", service.DefaultUsageLimit), 1, service.MaxUsageLimit)

	records, err := s.tokens.Usage(ctx, v.OwnerID, id, limit)
	if errors.Is(err, service.ErrNotFound) {
		return toolError("token %q not found", id)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("mcp token usage failed")
		return toolError("failed to list token usage")
	}
	return successJSON(map[string]interface{}{
		"resource": records,
		"count":    len(records),
	})
}

func (s *MCPServer) handleRevokeToken(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := s.authenticate(ctx, "revoke_token")
	if err != nil {
		return toolError("%v", err)
	}
	id, err := requireString(request, "id")
	if err != nil {
		return toolError("%v", err)
	}

	err = s.tokens.Revoke(ctx, v.OwnerID, id)
	if errors.Is(err, service.ErrNotFound) {
		return toolError("token %q not found", id)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("mcp revoke token failed")
		return toolError("failed to revoke token")
	}
	return successJSON(map[string]interface{}{
		"id":      id,
		"revoked": true,
	})
}
