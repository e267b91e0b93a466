package cmd

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/docingest/internal/ingest/extract"
	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/library/log"
)

var extractCMD = &cobra.Command{
	Use:   "extract <file>",
	Short: "print the text extracted from a local file",
	Long:  `run the text extractor, including OCR of embedded images, against one local file`,
	Args:  cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := runExtract(cmd.Context(), args[0], gconfig.Shared.GetString("type")); err != nil {
			log.Logger.Panic("extract", zap.Error(err))
		}
	},
}

func runExtract(ctx context.Context, path, mediaType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if mediaType == "" {
		mediaType = mime.TypeByExtension(filepath.Ext(path))
	}

	cfg := settings.LoadSettingsFromConfig()
	extractor, err := extract.FromSettings(cfg.Processor, extract.WithLogger(log.Logger.Named("extract")))
	if err != nil {
		return errors.Wrap(err, "new extractor")
	}

	result, err := extractor.Extract(ctx, mediaType, content)
	if err != nil {
		return errors.Wrapf(err, "extract %s", path)
	}

	log.Logger.Info("extracted",
		zap.String("file", path),
		zap.String("type", extract.NormalizeMediaType(mediaType)),
		zap.Int("pages", result.Stats.Pages),
		zap.Int("ocr_images", result.Stats.OCRImages),
		zap.Int("ocr_duplicates", result.Stats.OCRDuplicates),
		zap.Int("ocr_failures", result.Stats.OCRFailures))
	fmt.Println(result.Text)
	return nil
}

func init() {
	rootCMD.AddCommand(extractCMD)
	extractCMD.Flags().String("type", "", "declared media type, guessed from the extension when empty")
}
