package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Laisky/docingest/internal/ingest/embedding"
	"github.com/Laisky/docingest/internal/ingest/search"
	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/library/log"
)

var searchCMD = &cobra.Command{
	Use:   "search",
	Short: "query an account's documents",
	Long:  `embed a query, charge the account and print the closest stored chunks as JSON`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSearch(cmd.Context(),
			gconfig.Shared.GetString("user"),
			gconfig.Shared.GetString("query"),
			gconfig.Shared.GetString("category"),
		); err != nil {
			log.Logger.Panic("search", zap.Error(err))
		}
	},
}

func runSearch(ctx context.Context, user, query, category string) error {
	userID, err := uuid.Parse(user)
	if err != nil {
		return errors.Wrapf(err, "parse user id %q", user)
	}

	cfg := settings.LoadSettingsFromConfig()
	if err := validateRequiredSettings(cfg, false); err != nil {
		return err
	}

	stopWords, err := search.LoadStopWords(cfg.Search.StopWordsFile)
	if err != nil {
		return errors.Wrap(err, "load stop words")
	}

	db, st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	embedder, err := embedding.New(cfg.Embedding, st, embedding.WithLogger(log.Logger.Named("embedding")))
	if err != nil {
		return errors.Wrap(err, "new embedding client")
	}

	searcher, err := search.New(db, st, embedder, stopWords, cfg.Search)
	if err != nil {
		return errors.Wrap(err, "new searcher")
	}

	refs, err := searcher.Search(ctx, search.Request{UserID: userID, Query: query, Category: category})
	if err != nil {
		return errors.Wrap(err, "search")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(refs)
}

func init() {
	rootCMD.AddCommand(searchCMD)
	searchCMD.Flags().String("user", "", "account id that owns the documents")
	searchCMD.Flags().String("query", "", "natural language query")
	searchCMD.Flags().String("category", "", "only search files in this category")
}
