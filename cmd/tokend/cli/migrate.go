package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply pending schema migrations to the configured credential store.

serve applies migrations on startup as well; this command is for deploys that
migrate in a separate step.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd)
		},
	}
}

func runMigrate(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	results, err := st.Migrate(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintf(out, "%s schema is up to date.\n", st.Driver())
		return nil
	}
	for _, r := range results {
		fmt.Fprintf(out, "  applied %05d %-32s %s\n", r.Version, r.Source, r.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "\n%d migration(s) applied.\n", len(results))
	return nil
}
