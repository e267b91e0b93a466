// Package search answers similarity queries over an account's stored chunks.
package search

import (
	"context"
	"os"
	"strings"
	"unicode/utf8"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/Laisky/docingest/internal/ingest/embedding"
	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/library/log"
)

var (
	// ErrEmptyQuery is returned when nothing is left of a query after cleanup.
	ErrEmptyQuery = errors.New("empty query")
	// ErrQueryTooLong is returned for queries over the configured length.
	ErrQueryTooLong = errors.New("query too long")
)

// queryPunctuation is removed from queries before embedding.
const queryPunctuation = `(),".;:'?`

// QueryEmbedder embeds one query string and charges accountID inside tx.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, query string) (pgvector.Vector, *embedding.Result, error)
}

// CreditReader returns an account's balance.
type CreditReader interface {
	Credit(ctx context.Context, tx *gorm.DB, accountID uuid.UUID) (float64, error)
}

// Request is one similarity query.
type Request struct {
	UserID   uuid.UUID
	Query    string
	Category string
}

// Reference is one matching chunk.
type Reference struct {
	File string `json:"file" gorm:"column:name"`
	Text string `json:"text" gorm:"column:text"`
}

// Searcher runs similarity queries.
type Searcher struct {
	db        *gorm.DB
	credits   CreditReader
	embedder  QueryEmbedder
	stopWords map[string]struct{}
	cfg       settings.SearchSettings
	logger    logSDK.Logger
}

// New constructs a searcher. stopWords may be nil.
func New(db *gorm.DB, credits CreditReader, embedder QueryEmbedder, stopWords map[string]struct{}, cfg settings.SearchSettings) (*Searcher, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if credits == nil || embedder == nil {
		return nil, errors.New("credit reader and embedder are required")
	}
	return &Searcher{
		db:        db,
		credits:   credits,
		embedder:  embedder,
		stopWords: stopWords,
		cfg:       cfg,
		logger:    log.Logger.Named("search"),
	}, nil
}

// LoadStopWords reads one stop word per line.
func LoadStopWords(path string) (map[string]struct{}, error) {
	words := make(map[string]struct{})
	if strings.TrimSpace(path) == "" {
		return words, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read stop words %q", path)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		word := strings.ToLower(strings.TrimSpace(line))
		if word != "" {
			words[word] = struct{}{}
		}
	}
	return words, nil
}

// CleanQuery drops stop words, then strips query punctuation.
func CleanQuery(query string, stopWords map[string]struct{}) string {
	words := strings.Split(query, " ")
	kept := words[:0]
	for _, w := range words {
		if _, ok := stopWords[strings.ToLower(w)]; ok {
			continue
		}
		kept = append(kept, w)
	}

	joined := strings.Join(kept, " ")
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(queryPunctuation, r) {
			return -1
		}
		return r
	}, joined)
}

// Search embeds the query, charging the user, and returns the closest chunks
// of the user's processed files.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Reference, error) {
	logger := s.logger.With(zap.String("user_id", req.UserID.String()))

	if s.cfg.MaxQueryChars > 0 && utf8.RuneCountInString(req.Query) > s.cfg.MaxQueryChars {
		return nil, errors.Wrapf(ErrQueryTooLong, "query has %d characters, limit %d",
			utf8.RuneCountInString(req.Query), s.cfg.MaxQueryChars)
	}

	cleaned := strings.TrimSpace(CleanQuery(req.Query, s.stopWords))
	if cleaned == "" {
		return nil, ErrEmptyQuery
	}

	var refs []Reference
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.credits.Credit(ctx, tx, req.UserID)
		if err != nil {
			return errors.Wrap(err, "load credit")
		}
		if credit <= 0 {
			return errors.Wrapf(embedding.ErrInsufficientCredit, "credit %.4f", credit)
		}

		vec, usage, err := s.embedder.EmbedQuery(ctx, tx, req.UserID, cleaned)
		if err != nil {
			return errors.Wrap(err, "embed query")
		}

		query, args := similarityQuery(req.UserID, req.Category, vec, s.cfg)
		if err := tx.Raw(query, args...).Scan(&refs).Error; err != nil {
			return errors.Wrap(err, "similarity query")
		}

		logger.Debug("search done",
			zap.Int("results", len(refs)),
			zap.Int("tokens", usage.Tokens),
			zap.Float64("cost", usage.Cost))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// similarityQuery selects chunks within the distance limit, nearest first.
// Only chunks of the file's current processing run are considered.
func similarityQuery(userID uuid.UUID, category string, vec pgvector.Vector, cfg settings.SearchSettings) (string, []any) {
	var sb strings.Builder
	args := []any{userID}

	sb.WriteString("SELECT e.text, f.name FROM datasource_embeddings e ")
	sb.WriteString("JOIN datasource_files f ON f.id = e.file_id ")
	sb.WriteString("WHERE f.user_id = ? AND e.created = f.processed ")
	if category != "" {
		sb.WriteString("AND f.category = ? ")
		args = append(args, category)
	}
	sb.WriteString("AND (e.embedding <-> ?::vector) < ? ")
	sb.WriteString("ORDER BY e.embedding <-> ?::vector LIMIT ?")
	args = append(args, vec, cfg.MaxDistance, vec, cfg.Limit)

	return sb.String(), args
}
