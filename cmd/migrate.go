package cmd

import (
	"context"
	"fmt"

	"mediaq/internal/config"
	"mediaq/internal/infra/postgres"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log.Level)

			db, err := postgres.Open(context.Background(), cfg.Database.URL, 1)
			if err != nil {
				return err
			}
			defer db.Close()

			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			switch direction {
			case "up":
				return postgres.Migrate(db)
			case "down":
				return postgres.Rollback(db)
			case "status":
				return postgres.MigrationStatus(db)
			}
			return fmt.Errorf("unknown direction %q", direction)
		},
	}
	return command
}
