package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/sitebook/config"
	"github.com/warp/sitebook/store/postgres"
	"github.com/warp/sitebook/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the database schema up to date",
	Long:  "Runs the embedded goose migrations on postgres, or creates the SQLite schema.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		switch cfg.Store.Driver {
		case config.DriverPostgres:
			return postgres.Migrate(ctx, cfg.Store.DSN)
		case config.DriverSQLite:
			// New creates the schema; Migrate is idempotent.
			s, err := sqlite.New(cfg.Store.DSN)
			if err != nil {
				return eris.Wrap(err, "open sqlite")
			}
			defer s.Close()
			logger.Info("sqlite schema ready", zap.String("path", cfg.Store.DSN))
			return nil
		default:
			return eris.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
