package cli

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/nllm/tokend/internal/config"
	"github.com/nllm/tokend/internal/service"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Interactive session helpers",
	}

	cmd.AddCommand(newSessionMintCmd())

	return cmd
}

func newSessionMintCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a session token for an owner",
		Long: `Sign a short-lived session token with the configured session secret. The
identity provider normally issues sessions; this is for local development and
operational scripts that need to call the token management API.`,
		Example: `  tokend session mint --owner user_123 --ttl 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionMint(cmd, owner, ttl)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID to sign the session for (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Session lifetime (default: auth.session_ttl)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runSessionMint(cmd *cobra.Command, owner string, ttl time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sessions, err := service.NewJWTSessions(cfg.Auth.SessionSecret, clockwork.NewRealClock())
	if err != nil {
		return fmt.Errorf("%w (set %s_AUTH_SESSION_SECRET)", err, config.EnvPrefix)
	}
	if ttl <= 0 {
		ttl = config.Duration(cfg.Auth.SessionTTL, time.Hour)
	}

	tok, err := sessions.Issue(owner, ttl)
	if err != nil {
		return fmt.Errorf("mint session: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
