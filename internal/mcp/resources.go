package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const tokensResourceURI = "tokend://tokens"

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			tokensResourceURI,
			"Personal Tokens",
			mcp.WithResourceDescription(
				"Summaries of the caller's personal tokens. Secrets are never included.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleTokensResource,
	)
}

func (s *MCPServer) handleTokensResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	v, err := s.authenticate(ctx, "resource/tokens")
	if err != nil {
		return nil, err
	}
	summaries, err := s.tokens.List(ctx, v.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	b, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tokens: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      tokensResourceURI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
