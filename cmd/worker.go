package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Laisky/docingest/internal/ingest/chunk"
	"github.com/Laisky/docingest/internal/ingest/embedding"
	"github.com/Laisky/docingest/internal/ingest/extract"
	"github.com/Laisky/docingest/internal/ingest/filestore"
	"github.com/Laisky/docingest/internal/ingest/opsapi"
	"github.com/Laisky/docingest/internal/ingest/processor"
	"github.com/Laisky/docingest/internal/ingest/scheduler"
	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/internal/ingest/store"
	"github.com/Laisky/docingest/library/db/postgres"
	"github.com/Laisky/docingest/library/log"
)

var workerCMD = &cobra.Command{
	Use:   "worker",
	Short: "run the ingestion worker",
	Long:  `listen for new uploads and turn them into searchable embeddings`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runWorker(ctx); err != nil {
			log.Logger.Panic("worker", zap.Error(err))
		}
		log.Logger.Info("worker stopped")
	},
}

// openStore connects to postgres and wraps the handle in a store.
func openStore(ctx context.Context, cfg settings.Settings) (*gorm.DB, *store.Store, error) {
	db, err := postgres.NewGormDB(ctx, cfg.DatabaseDSN, log.Logger.Named("gorm"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect database")
	}

	st, err := store.New(db, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "new store")
	}
	return db, st, nil
}

func runWorker(ctx context.Context) error {
	cfg := settings.LoadSettingsFromConfig()
	if err := validateRequiredSettings(cfg, true); err != nil {
		return err
	}
	logger := log.Logger.Named("worker")

	db, st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if gconfig.Shared.GetBool("settings.db.auto_migrate") {
		if err := store.RunMigrations(ctx, db, cfg.Processor.NotifyChannel, logger); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}

	files, err := filestore.New(cfg.FileStore)
	if err != nil {
		return errors.Wrap(err, "new file store")
	}
	if err := files.Check(ctx); err != nil {
		return errors.Wrap(err, "check file store")
	}

	extractor, err := extract.FromSettings(cfg.Processor, extract.WithLogger(log.Logger.Named("extract")))
	if err != nil {
		return errors.Wrap(err, "new extractor")
	}

	embedder, err := embedding.New(cfg.Embedding, st, embedding.WithLogger(log.Logger.Named("embedding")))
	if err != nil {
		return errors.Wrap(err, "new embedding client")
	}

	proc, err := processor.New(st, files, extractor,
		chunk.New(cfg.Processor.Chunk.MinChars, cfg.Processor.Chunk.MaxChars),
		embedder,
		processor.WithLogger(log.Logger.Named("processor")),
		processor.WithMaxAttempts(cfg.Processor.MaxAttempts),
	)
	if err != nil {
		return errors.Wrap(err, "new processor")
	}

	sched, err := scheduler.New(proc, st, cfg.Processor, scheduler.WithLogger(log.Logger.Named("scheduler")))
	if err != nil {
		return errors.Wrap(err, "new scheduler")
	}

	listener, err := postgres.NewListener(cfg.DatabaseDSN, cfg.Processor.NotifyChannel, log.Logger.Named("listener"))
	if err != nil {
		return errors.Wrap(err, "new listener")
	}

	var router http.Handler
	if cfg.OpsListen != "" {
		sqlDB, err := db.DB()
		if err != nil {
			return errors.Wrap(err, "get sql db")
		}
		router = opsapi.NewRouter(sched, st, sqlDB.PingContext, log.Logger.Named("opsapi"))
	}

	logger.Info("start worker",
		zap.Int("max_active_process", cfg.Processor.MaxActiveProcess),
		zap.String("notify_channel", cfg.Processor.NotifyChannel),
		zap.String("file_store", cfg.FileStore.Backend))

	// the listener and ops api run until the scheduler exits
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pool errgroup.Group
	pool.Go(func() error {
		defer cancel()
		return sched.Run(runCtx)
	})
	pool.Go(func() error {
		err := listener.Run(runCtx, func(string) { sched.Notify() }, sched.RequestReconcile)
		if err != nil && runCtx.Err() == nil {
			cancel()
			return errors.Wrap(err, "listen for uploads")
		}
		return nil
	})
	if router != nil {
		pool.Go(func() error {
			if err := opsapi.Run(runCtx, cfg.OpsListen, router, log.Logger.Named("opsapi")); err != nil {
				cancel()
				return err
			}
			return nil
		})
	}

	return pool.Wait()
}

func init() {
	rootCMD.AddCommand(workerCMD)
}
