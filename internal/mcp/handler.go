package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nllm/tokend/internal/service"
)

// errUnauthenticated is surfaced to the client as a tool error.
var errUnauthenticated = errors.New("a valid personal token is required")

// authenticate validates the caller's personal token for one tool call and
// records the call as a usage of that token.
func (s *MCPServer) authenticate(ctx context.Context, tool string) (service.Validation, error) {
	c := callerFrom(ctx)
	if c.token == "" {
		return service.Validation{}, errUnauthenticated
	}
	v, err := s.tokens.Validate(ctx, c.token, service.Usage{
		Endpoint:      "mcp/" + tool,
		SourceAddress: c.source,
		ClientAgent:   c.agent,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("tool", tool).Msg("personal token validation failed")
		return service.Validation{}, errors.New("authentication unavailable")
	}
	if !v.Valid {
		switch v.Reason {
		case service.ReasonRevoked:
			return v, errors.New("token has been revoked")
		case service.ReasonExpired:
			return v, errors.New("token has expired")
		default:
			return v, errors.New("invalid token")
		}
	}
	return v, nil
}

// --------------------------------------------------------------------------
// Parameter extraction helpers
// --------------------------------------------------------------------------

// requireString extracts a required string argument from the tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// optionalInt extracts an optional integer argument from the tool request.
func optionalInt(request mcp.CallToolRequest, key string, defaultVal int) int {
	return request.GetInt(key, defaultVal)
}

// --------------------------------------------------------------------------
// Response builders
// --------------------------------------------------------------------------

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the client; they do NOT terminate the MCP session.
func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// clamp constrains val to [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
