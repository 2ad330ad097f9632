package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/hsstream/internal/config"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

var errNoDatabase = errors.New("DATABASE_URL is required")

func newMigrateCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the schema",
		Long:      "Run the embedded Postgres migrations against DATABASE_URL. Direction defaults to up; --steps limits how many are applied.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if steps < 0 {
				return fmt.Errorf("--steps must not be negative")
			}

			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			if err := store.Migrate(cfg.DatabaseURL, direction, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", direction)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 applies all)")

	return cmd
}
