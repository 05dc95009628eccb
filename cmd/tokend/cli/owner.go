package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nllm/tokend/internal/service"
)

func newOwnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage token owners",
	}

	cmd.AddCommand(newOwnerDeleteCmd())

	return cmd
}

func newOwnerDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <owner-id>",
		Short: "Delete every token of an owner",
		Long: `Delete an owner together with all of their tokens and usage history. Use it
when an account is removed; deleted tokens stop authenticating immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			return runOwnerDelete(cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")

	return cmd
}

func runOwnerDelete(cmd *cobra.Command, owner string) error {
	ctx := cmd.Context()
	env, err := openTokenEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	err = env.tokens.DeleteOwner(ctx, owner)
	if errors.Is(err, service.ErrNotFound) {
		return fmt.Errorf("owner %q not found", owner)
	}
	if err != nil {
		return fmt.Errorf("delete owner: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted owner %s and all of their tokens\n", owner)
	return nil
}
