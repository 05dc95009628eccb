package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nllm/tokend/internal/config"
	"github.com/nllm/tokend/internal/mcp"
)

// tokenEnvVar holds the personal token used by stdio MCP sessions.
const tokenEnvVar = config.EnvPrefix + "_TOKEN"

func newMCPCmd() *cobra.Command {
	var (
		transport string
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start a standalone MCP server",
		Long: `Start a Model Context Protocol server that lets agents inspect and revoke
the caller's own tokens. Every tool call is authenticated with a personal
access token.

In stdio mode the token is read from ` + tokenEnvVar + `. In HTTP mode each
request must carry it as a Bearer credential.`,
		Example: `  ` + tokenEnvVar + `=nllm_... tokend mcp
  tokend mcp --transport http --addr :3001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, transport, addr)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", ":3001", "Listen address (only used with --transport http)")

	return cmd
}

func runMCP(cmd *cobra.Command, transport, addr string) error {
	var token string
	switch transport {
	case "stdio":
		if token = os.Getenv(tokenEnvVar); token == "" {
			return fmt.Errorf("%s must hold a personal access token in stdio mode", tokenEnvVar)
		}
	case "http":
	default:
		return fmt.Errorf("unknown transport %q (use stdio or http)", transport)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if transport == "stdio" && cfg.Logging.Output == "stdout" {
		// stdout carries the protocol.
		cfg.Logging.Output = "stderr"
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := openStore(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, usage := newTokenService(cfg, st, nil, logger, true)
	defer usage.Close()

	srv := mcp.NewMCPServer(tokens, versionString(), logger)
	if transport == "stdio" {
		return srv.ServeStdio(token)
	}
	return srv.ServeHTTP(addr)
}
