package main

import (
	"fmt"
	"os"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     util.Name,
		Short:   "Federated community server core",
		Version: util.GetVersion(),
		Long: `fedcore verifies, authorizes and applies ActivityPub activities for
local communities and delivers the activities they produce.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		keygenCmd(),
		adminCmd(),
		purgeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime is what every command needs: config, logger and an open database.
type runtime struct {
	conf *util.AppConfig
	log  *zap.Logger
	db   *db.DB
	urls activitypub.LocalURLs
}

func setup() (*runtime, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	log, err := util.NewLogger(conf.Conf.LogLevel, conf.Conf.DevLog)
	if err != nil {
		return nil, err
	}

	path := util.ResolveFilePath(conf.Conf.Database)
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	return &runtime{
		conf: conf,
		log:  log,
		db:   database,
		urls: activitypub.LocalURLs{Domain: conf.Conf.SslDomain},
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.db.Close(); err != nil {
		rt.log.Warn("Failed to close database", zap.Error(err))
	}
	_ = rt.log.Sync()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			version, err := rt.db.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("Schema version: %d\n", version)
			return nil
		},
	}
}
