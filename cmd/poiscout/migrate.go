package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/poiscout/internal/store"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate up|down|steps N",
		Long:      "Apply the embedded migrations. steps N moves N versions up, or down when N is negative.",
		Short:     "Run database migrations",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"up", "down", "steps"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if !cfg.Storage.Postgres.Enabled() {
				return fmt.Errorf("postgres not configured (storage.postgres.url or host/dbname)")
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}

			direction, steps := args[0], 0
			switch direction {
			case "up", "down":
				if len(args) > 1 {
					return fmt.Errorf("%s takes no argument", direction)
				}
			case "steps":
				if len(args) != 2 {
					return fmt.Errorf("steps needs a count")
				}
				steps, err = strconv.Atoi(args[1])
				if err != nil || steps == 0 {
					return fmt.Errorf("invalid step count %q", args[1])
				}
				direction = "up"
				if steps < 0 {
					direction, steps = "down", -steps
				}
			default:
				return fmt.Errorf("unknown migrate direction %q", direction)
			}
			if err := store.Migrate(dsn, direction, steps); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
	return cmd
}
