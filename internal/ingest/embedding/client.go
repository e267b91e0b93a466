// Package embedding calls an OpenAI-compatible embeddings endpoint and meters
// the cost of every call against the requesting account.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/internal/ingest/store"
	"github.com/Laisky/docingest/library/log"
)

// ErrInsufficientCredit is returned when an account cannot pay for a query.
var ErrInsufficientCredit = errors.New("insufficient credit")

// Debiter charges an account inside the caller's transaction.
type Debiter interface {
	DebitCredit(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, cost float64) error
}

// Result is the outcome of one embeddings call.
type Result struct {
	Vectors []pgvector.Vector
	Tokens  int
	Cost    float64
}

// Client sends embedding requests and debits their cost.
type Client struct {
	api        string
	key        string
	model      string
	pricing    float64
	httpClient *http.Client
	debiter    Debiter
	logger     logSDK.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// New constructs a client from embedding settings.
// pricing is the price per 1000 tokens.
func New(cfg settings.EmbeddingSettings, debiter Debiter, opts ...Option) (*Client, error) {
	if debiter == nil {
		return nil, errors.New("credit debiter is required")
	}
	api := strings.TrimSpace(cfg.API)
	if api == "" {
		return nil, errors.New("missing embeddings api")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("missing embeddings model")
	}

	client := &Client{
		api:     api,
		key:     strings.TrimSpace(cfg.Key),
		model:   model,
		pricing: cfg.Pricing,
		debiter: debiter,
		logger:  log.Logger.Named("embedding"),
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		httpClient, err := gutils.NewHTTPClient(gutils.WithHTTPClientTimeout(timeout))
		if err != nil {
			return nil, errors.Wrap(err, "new http client")
		}
		client.httpClient = httpClient
	}

	return client, nil
}

// EmbedQuery embeds a single query string and debits accountID inside tx.
func (c *Client) EmbedQuery(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, query string) (pgvector.Vector, *Result, error) {
	result, err := c.embed(ctx, tx, accountID, query, 1)
	if err != nil {
		return pgvector.Vector{}, nil, err
	}
	return result.Vectors[0], result, nil
}

// EmbedBatch embeds inputs with one request and debits accountID inside tx.
// Vectors are returned in input order.
func (c *Client) EmbedBatch(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, inputs []string) (*Result, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no inputs provided for embedding")
	}
	return c.embed(ctx, tx, accountID, inputs, len(inputs))
}

// Cost returns the charge for tokens at the configured rate.
func (c *Client) Cost(tokens int) float64 {
	return float64(tokens) * c.pricing / 1000
}

func (c *Client) embed(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, input any, expected int) (*Result, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}

	resp, err := c.createEmbeddings(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings")
	}
	if len(resp.Data) != expected {
		return nil, errors.Errorf("embeddings response has %d vectors, want %d", len(resp.Data), expected)
	}

	sort.SliceStable(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})
	vectors := make([]pgvector.Vector, 0, len(resp.Data))
	for i, data := range resp.Data {
		if data.Index != i {
			return nil, errors.Errorf("embeddings response missing index %d", i)
		}
		if len(data.Embedding) == 0 {
			return nil, errors.Errorf("embeddings response has empty vector at index %d", i)
		}
		values := make([]float32, len(data.Embedding))
		for j, value := range data.Embedding {
			values[j] = float32(value)
		}
		vectors = append(vectors, pgvector.NewVector(values))
	}

	result := &Result{
		Vectors: vectors,
		Tokens:  resp.Usage.TotalTokens,
		Cost:    c.Cost(resp.Usage.TotalTokens),
	}
	if err := c.debiter.DebitCredit(ctx, tx, accountID, result.Cost); err != nil {
		return nil, errors.Wrap(err, "debit embedding cost")
	}

	c.logger.Debug("embedded inputs",
		zap.String("account_id", accountID.String()),
		zap.Int("vectors", len(vectors)),
		zap.Int("tokens", result.Tokens),
		zap.Float64("cost", result.Cost))
	return result, nil
}

type embeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingsResponse struct {
	Data  []embeddingsDataItem `json:"data"`
	Usage embeddingsUsage      `json:"usage"`
}

type embeddingsDataItem struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// createEmbeddings sends one request and decodes the response.
func (c *Client) createEmbeddings(ctx context.Context, input any) (*embeddingsResponse, error) {
	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, errors.Wrap(err, "marshal embeddings request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build embeddings request")
	}
	if c.key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.key)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "call embeddings endpoint")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, errors.Errorf("embeddings endpoint status %d: %s",
			httpResp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "decode embeddings response")
	}

	return &decoded, nil
}

var _ Debiter = (*store.Store)(nil)
