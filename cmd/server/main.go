/*
main.go - Application entry point

PURPOSE:
  Command line for the asset ledger. Every subcommand shares one config
  load, one logger and one way of opening the ledger over SQLite.

COMMANDS:
  serve    Run the HTTP API with background sync and verification
  verify   Replay the log and check every invariant, exit 1 on violation
  seed     Load reference bases and equipment types, optionally demo movements
  token    Mint a bearer token for local testing

GLOBAL FLAGS:
  --config     YAML config file (default: ./ledger.yaml if present)
  --db         SQLite database path, ":memory:" for a throwaway ledger
  --log-level  trace | debug | info | warn | error

ENVIRONMENT:
  Every config key is also read from LEDGER_<KEY>, e.g. LEDGER_DB_PATH,
  LEDGER_AUTH_JWT_SECRET. See config/config.go.

EXAMPLES:
  ledger serve --port 9000
  ledger seed --movements
  ledger token --sub cmdr-1 --role base_commander --base fort-alpha
  ledger verify --db ./data/ledger.db

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/asset-ledger/config"
	"github.com/warp/asset-ledger/ledger"
	"github.com/warp/asset-ledger/logging"
	"github.com/warp/asset-ledger/store/sqlite"
)

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logger     zerolog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:          "ledger",
		Short:        "Military asset ledger and movement reconciliation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(logging.Config{Env: cfg.App.Env, Level: cfg.Log.Level, Out: os.Stderr})
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (YAML)")
	flags.String("db", "", "SQLite database path")
	flags.String("log-level", "", "log level")
	mustBind(a.v, "db.path", flags.Lookup("db"))
	mustBind(a.v, "log.level", flags.Lookup("log-level"))

	root.AddCommand(newServeCommand(a))
	root.AddCommand(newVerifyCommand(a))
	root.AddCommand(newSeedCommand(a))
	root.AddCommand(newTokenCommand(a))
	return root
}

// openLedger opens the SQLite store and replays it into a service. The
// returned close func releases the database.
func (a *app) openLedger(ctx context.Context, observer ledger.Observer) (*ledger.Service, *sqlite.Store, func(), error) {
	store, err := sqlite.New(a.cfg.DB.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database %s: %w", a.cfg.DB.Path, err)
	}
	svc, err := ledger.NewService(ctx, ledger.ServiceConfig{
		Store:          store,
		References:     store,
		Logger:         a.logger,
		QueryCacheSize: a.cfg.Query.CacheSize,
		Observer:       observer,
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return svc, store, func() { store.Close() }, nil
}
