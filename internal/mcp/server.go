package mcp

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/service"
)

// MCPServer wraps the mcp-go server with the personal token tools. Every
// tool call is authenticated afresh with the caller's personal token, so a
// revoked token stops working on the next call.
type MCPServer struct {
	tokens *service.TokenService
	logger zerolog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer with all tools and resources
// registered. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(tokens *service.TokenService, version string, logger zerolog.Logger) *MCPServer {
	s := &MCPServer{
		tokens: tokens,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"tokend",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout. Every call is authenticated with
// token, which normally comes from the TOKEND_TOKEN environment variable.
func (s *MCPServer) ServeStdio(token string) error {
	s.logger.Info().Msg("starting MCP server in stdio mode")
	return server.ServeStdio(s.server, server.WithStdioContextFunc(func(ctx context.Context) context.Context {
		return withCaller(ctx, caller{token: token, source: "stdio", agent: "mcp-stdio"})
	}))
}

// HTTPHandler returns a Streamable HTTP handler. Each request is
// authenticated with the bearer token in its Authorization header.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return withCaller(ctx, callerFromRequest(r))
		}),
	)
}

// ServeHTTP starts a standalone Streamable HTTP server on addr.
func (s *MCPServer) ServeHTTP(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.HTTPHandler()}
	s.logger.Info().Str("addr", addr).Msg("MCP HTTP server starting")
	return srv.ListenAndServe()
}

type callerKey struct{}

// caller is the identity material attached to each tool call.
type caller struct {
	token  string
	source string
	agent  string
}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

func callerFromRequest(r *http.Request) caller {
	c := caller{source: r.RemoteAddr, agent: r.UserAgent()}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		c.source = host
	}
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		c.token = strings.TrimSpace(tok)
	}
	return c
}

// toolAnnotation returns a standard ToolAnnotation for read-only vs
// mutating tools.
func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
		IdempotentHint:  boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
