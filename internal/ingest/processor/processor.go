// Package processor claims one queued file at a time and turns it into
// stored, embedded chunks.
package processor

import (
	"context"
	"fmt"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Laisky/docingest/internal/ingest/chunk"
	"github.com/Laisky/docingest/internal/ingest/ctxkeys"
	"github.com/Laisky/docingest/internal/ingest/embedding"
	"github.com/Laisky/docingest/internal/ingest/extract"
	"github.com/Laisky/docingest/internal/ingest/filestore"
	"github.com/Laisky/docingest/internal/ingest/store"
	"github.com/Laisky/docingest/library/log"
)

// TextExtractor turns file content into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, mediaType string, content []byte) (*extract.Result, error)
}

// Embedder embeds a chunk batch and debits the owner inside tx.
type Embedder interface {
	EmbedBatch(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, inputs []string) (*embedding.Result, error)
}

// Processor runs the claim, extract, chunk, embed and persist sequence.
type Processor struct {
	store       *store.Store
	files       filestore.Store
	extractor   TextExtractor
	chunker     chunk.Chunker
	embedder    Embedder
	maxAttempts int
	logger      logSDK.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMaxAttempts sets how many failed attempts mark a file as failed.
func WithMaxAttempts(n int) Option {
	return func(p *Processor) {
		p.maxAttempts = n
	}
}

// New constructs a processor.
func New(st *store.Store, files filestore.Store, extractor TextExtractor, chunker chunk.Chunker, embedder Embedder, opts ...Option) (*Processor, error) {
	switch {
	case st == nil:
		return nil, errors.New("store is required")
	case files == nil:
		return nil, errors.New("file store is required")
	case extractor == nil:
		return nil, errors.New("text extractor is required")
	case embedder == nil:
		return nil, errors.New("embedder is required")
	}

	p := &Processor{
		store:       st,
		files:       files,
		extractor:   extractor,
		chunker:     chunker,
		embedder:    embedder,
		maxAttempts: 5,
		logger:      log.Logger.Named("file_processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// LoggerFromContext returns the per-task logger stored in ctx, or the fallback.
func LoggerFromContext(ctx context.Context) logSDK.Logger {
	if logger, ok := ctx.Value(ctxkeys.Logger).(logSDK.Logger); ok && logger != nil {
		return logger
	}
	return log.Logger.Named("file_processor_fallback")
}

// ProcessNext claims and processes one pending file.
//
// It reports claimed=false when the queue is empty. A retryable failure of the
// claimed file is recorded on its row and is not returned. The returned error
// is either a storage error around the claim itself or a fatal error, see IsFatal;
// in both cases the claim is rolled back.
func (p *Processor) ProcessNext(ctx context.Context) (claimed bool, err error) {
	err = p.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := p.store.ClaimNext(ctx, tx)
		if err != nil {
			return errors.WithStack(err)
		}
		if file == nil {
			return nil
		}
		claimed = true

		logger := p.logger.With(
			zap.String("file_id", file.ID.String()),
			zap.String("user_id", file.UserID.String()),
			zap.String("type", file.Type),
		)
		taskCtx := context.WithValue(ctx, ctxkeys.Logger, logger)
		startAt := time.Now()

		procErr := tx.Transaction(func(inner *gorm.DB) (err error) {
			// panics count as retryable failures toward maxAttempts
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic while processing file", zap.Any("panic", r), zap.Stack("stack"))
					err = NewError(ErrCodePanic, fmt.Sprintf("panic while processing file %s: %v", file.ID, r), true)
				}
			}()
			return p.process(taskCtx, inner, file)
		})
		if procErr == nil {
			logger.Info("file processed", zap.Duration("cost", time.Since(startAt)))
			return nil
		}
		if IsFatal(procErr) {
			return procErr
		}

		terminal, err := p.store.RecordFailure(ctx, tx, file, procErr, p.maxAttempts)
		if err != nil {
			return errors.Wrapf(err, "record failure of file %s", file.ID)
		}
		logger.Warn("file processing failed",
			zap.Error(procErr),
			zap.Int("attempt", file.Attempts+1),
			zap.Int("max_attempts", p.maxAttempts),
			zap.Bool("marked_failed", terminal))
		return nil
	})

	return claimed, err
}

// process does the work for one claimed file inside tx.
func (p *Processor) process(ctx context.Context, tx *gorm.DB, file *store.File) error {
	logger := LoggerFromContext(ctx)

	if !extract.Supported(file.Type) {
		return NewError(ErrCodeUnsupportedMediaType,
			"unsupported media type "+file.Type+" for file "+file.ID.String(), false)
	}

	content, err := p.files.ReadFile(ctx, file.Path)
	if err != nil {
		return wrapError(ErrCodeRead, "read stored file", err)
	}

	extracted, err := p.extractor.Extract(ctx, file.Type, content)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedMediaType) {
			return &Error{Code: ErrCodeUnsupportedMediaType, Message: "extract", Err: err}
		}
		return wrapError(ErrCodeExtract, "extract text", err)
	}

	chunks := p.chunker.Split(extracted.Text)
	meta := store.ProcessMetadata{
		Pages:         extracted.Stats.Pages,
		OCRImages:     extracted.Stats.OCRImages,
		OCRDuplicates: extracted.Stats.OCRDuplicates,
		OCRFailures:   extracted.Stats.OCRFailures,
		Chunks:        len(chunks),
	}
	now := p.store.Now()

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}

		embedded, err := p.embedder.EmbedBatch(ctx, tx, file.UserID, texts)
		if err != nil {
			return wrapError(ErrCodeEmbed, "embed chunks", err)
		}
		if len(embedded.Vectors) != len(texts) {
			return wrapError(ErrCodeEmbed, "embed chunks",
				errors.Errorf("got %d vectors for %d chunks", len(embedded.Vectors), len(texts)))
		}
		meta.Tokens = embedded.Tokens
		meta.Cost = embedded.Cost

		rows := make([]store.Embedding, len(texts))
		for i := range texts {
			rows[i] = store.Embedding{
				FileID:    file.ID,
				Text:      texts[i],
				Embedding: embedded.Vectors[i],
				Created:   now,
			}
		}
		if err := p.store.InsertEmbeddings(ctx, tx, rows); err != nil {
			return wrapError(ErrCodePersist, "insert embeddings", err)
		}
	}

	if err := p.store.MarkProcessed(ctx, tx, file.ID, now, meta); err != nil {
		return wrapError(ErrCodePersist, "mark processed", err)
	}

	logger.Debug("file chunks stored",
		zap.Int("chunks", meta.Chunks),
		zap.Int("pages", meta.Pages),
		zap.Int("tokens", meta.Tokens),
		zap.Float64("cost", meta.Cost))
	return nil
}
