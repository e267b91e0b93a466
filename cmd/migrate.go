package cmd

import (
	"context"

	"github.com/Laisky/errors/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/internal/ingest/store"
	"github.com/Laisky/docingest/library/log"
)

var migrateCMD = &cobra.Command{
	Use:   "migrate",
	Short: "migrate",
	Long:  `create or upgrade the datasource tables, indexes and notify trigger`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMigrate(cmd.Context()); err != nil {
			log.Logger.Panic("migrate", zap.Error(err))
		}
	},
}

func runMigrate(ctx context.Context) error {
	cfg := settings.LoadSettingsFromConfig()
	if cfg.DatabaseDSN == "" {
		return errors.New("settings.db.postgres.dsn (or DATABASE_URL) is required")
	}

	_, st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	return store.RunMigrations(ctx, st.DB(), cfg.Processor.NotifyChannel, log.Logger.Named("migrate"))
}

func init() {
	rootCMD.AddCommand(migrateCMD)
}
