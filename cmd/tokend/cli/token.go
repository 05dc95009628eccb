package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nllm/tokend/internal/model"
	"github.com/nllm/tokend/internal/service"
	"github.com/nllm/tokend/internal/store"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"tokens"},
		Short:   "Manage personal access tokens",
		Long: `Create, list and revoke personal access tokens directly against the
credential store. Every command acts on behalf of the owner given with --owner.`,
	}

	cmd.AddCommand(newTokenCreateCmd())
	cmd.AddCommand(newTokenListCmd())
	cmd.AddCommand(newTokenRevokeCmd())
	cmd.AddCommand(newTokenUsageCmd())

	return cmd
}

// tokenEnv is the store and service behind one token command.
type tokenEnv struct {
	store  *store.Store
	tokens *service.TokenService
	usage  *service.UsageRecorder
	closer io.Closer
}

func openTokenEnv(ctx context.Context) (*tokenEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg, false)
	if err != nil {
		closer.Close()
		return nil, err
	}
	tokens, usage := newTokenService(cfg, st, nil, logger, false)
	return &tokenEnv{store: st, tokens: tokens, usage: usage, closer: closer}, nil
}

func (e *tokenEnv) Close() {
	e.usage.Close()
	e.store.Close()
	e.closer.Close()
}

// ---------- token create ----------

func newTokenCreateCmd() *cobra.Command {
	var (
		owner      string
		name       string
		expiresIn  time.Duration
		metadata   map[string]string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a personal access token",
		Long: `Generate a new personal access token. The token is printed once and cannot
be retrieved again; only its digest is stored.`,
		Example: `  tokend token create --owner user_123 --name "CI pipeline"
  tokend token create --owner user_123 --name deploy --expires-in 720h --meta env=prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := service.IssueParams{Name: name, Metadata: model.Metadata(metadata)}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn)
				p.ExpiresAt = &at
			}
			return runTokenCreate(cmd, owner, p, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID to issue the token for (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable token name (required)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime of the token, e.g. 720h (default: never expires)")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata entries as key=value")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runTokenCreate(cmd *cobra.Command, owner string, p service.IssueParams, jsonOutput bool) error {
	ctx := cmd.Context()
	env, err := openTokenEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	issued, err := env.tokens.Issue(ctx, owner, p)
	var rl *service.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Errorf("issue rate limit reached for %s, retry in %s", owner, rl.RetryAfter.Round(time.Second))
	}
	if errors.Is(err, service.ErrQuotaExceeded) {
		return fmt.Errorf("%s already holds %d active tokens; revoke one with 'tokend token revoke' first",
			owner, env.tokens.MaxActivePerOwner())
	}
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, issued)
	}
	if !isTerminal(out) {
		// Piped output carries only the secret.
		fmt.Fprintln(out, issued.Token)
		return nil
	}

	c := issued.Credential
	fmt.Fprintln(out, "Token created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Token:   %s\n", issued.Token)
	fmt.Fprintf(out, "  ID:      %s\n", c.ID)
	fmt.Fprintf(out, "  Name:    %s\n", c.Name)
	fmt.Fprintf(out, "  Expires: %s\n", formatTime(c.ExpiresAt, "never"))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this token now - it is shown once and cannot be retrieved again.")
	return nil
}

// ---------- token list ----------

func newTokenListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List an owner's tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenList(cmd, owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runTokenList(cmd *cobra.Command, owner string, jsonOutput bool) error {
	ctx := cmd.Context()
	env, err := openTokenEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	creds, err := env.tokens.List(ctx, owner)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, creds)
	}
	if len(creds) == 0 {
		fmt.Fprintf(out, "No tokens for %s. Use 'tokend token create' to create one.\n", owner)
		return nil
	}

	const row = "%-36s %-20s %-16s %-20s %-20s %-8s\n"
	fmt.Fprintf(out, row, "ID", "NAME", "TOKEN", "LAST USED", "EXPIRES", "STATUS")
	fmt.Fprintf(out, row, "--", "----", "-----", "---------", "-------", "------")
	for _, c := range creds {
		fmt.Fprintf(out, row,
			c.ID,
			c.Name,
			c.Prefix+"..."+c.Suffix,
			formatTime(c.LastUsedAt, "never"),
			formatTime(c.ExpiresAt, "never"),
			status(c),
		)
	}
	return nil
}

func status(c model.CredentialSummary) string {
	switch {
	case c.RevokedAt != nil:
		return "revoked"
	case c.ExpiresAt != nil && !time.Now().Before(*c.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

func formatTime(t *time.Time, zero string) string {
	if t == nil {
		return zero
	}
	return t.Local().Format("2006-01-02 15:04")
}

// ---------- token revoke ----------

func newTokenRevokeCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a token by ID",
		Long:  "Revoke a token. Requests presenting it are rejected from then on; revocation cannot be undone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenRevoke(cmd, owner, args[0])
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runTokenRevoke(cmd *cobra.Command, owner, id string) error {
	ctx := cmd.Context()
	env, err := openTokenEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	err = env.tokens.Revoke(ctx, owner, id)
	if errors.Is(err, service.ErrNotFound) {
		return fmt.Errorf("no token %q found for %s", id, owner)
	}
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Revoked token %s\n", id)
	return nil
}

// ---------- token usage ----------

func newTokenUsageCmd() *cobra.Command {
	var (
		owner      string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "usage <id>",
		Short: "Show recent requests made with a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenUsage(cmd, owner, args[0], limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().IntVar(&limit, "limit", service.DefaultUsageLimit, "Maximum number of records")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runTokenUsage(cmd *cobra.Command, owner, id string, limit int, jsonOutput bool) error {
	ctx := cmd.Context()
	env, err := openTokenEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	recs, err := env.tokens.Usage(ctx, owner, id, limit)
	if errors.Is(err, service.ErrNotFound) {
		return fmt.Errorf("no token %q found for %s", id, owner)
	}
	if err != nil {
		return fmt.Errorf("token usage: %w", err)
	}
	if recs == nil {
		recs = []model.UsageRecord{}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No recorded usage.")
		return nil
	}

	const row = "%-20s %-32s %-40s %s\n"
	fmt.Fprintf(out, row, "TIME", "ENDPOINT", "SOURCE", "CLIENT")
	fmt.Fprintf(out, row, "----", "--------", "------", "------")
	for _, r := range recs {
		at := r.OccurredAt
		fmt.Fprintf(out, row, formatTime(&at, ""), r.Endpoint, r.SourceAddress, r.ClientAgent)
	}
	return nil
}
