/*
main.go - Application entry point

PURPOSE:
  The sitebook command. Loads configuration, builds the logger, and
  dispatches to a subcommand.

COMMANDS:
  serve     Run the HTTP API (graceful shutdown on SIGINT/SIGTERM)
  migrate   Bring the database schema up to date

CONFIGURATION:
  --config  YAML file (default: ./sitebook.yaml when present)
  SITEBOOK_* environment variables and .env override the file.
  See config/config.go for every key.

EXAMPLES:
  # Embedded SQLite database
  sitebook serve

  # Postgres with Redis locks for several replicas
  SITEBOOK_STORE_DRIVER=postgres SITEBOOK_STORE_DSN=postgres://... \
  SITEBOOK_LOCK_DRIVER=redis sitebook serve

  # In-memory store for a demo
  SITEBOOK_STORE_DRIVER=memory sitebook serve --addr :3000

SEE ALSO:
  - serve.go: dependency wiring and server lifecycle
  - migrate.go: schema migrations
*/
package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/sitebook/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sitebook",
	Short:         "Site book for painting contractors",
	Long:          "Tracks job sites, daily logs, labour and overheads, and keeps the shared material stock reconciled with every log.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		l, err := config.NewLogger(cfg.Log)
		if err != nil {
			return eris.Wrap(err, "init logger")
		}
		logger = l

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./sitebook.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			os.Stderr.WriteString(err.Error() + "\n")
		}
		os.Exit(1)
	}
}
