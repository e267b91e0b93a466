package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/internal/ingest/store"
)

// newTestStore creates a migrated in-memory store with one funded account.
func newTestStore(t *testing.T, credit float64) (*store.Store, uuid.UUID) {
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), time.Now().UTC().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(context.Background(), db, "", nil))

	s, err := store.New(db, nil)
	require.NoError(t, err)

	account := store.Account{ID: uuid.New(), Credit: credit}
	require.NoError(t, db.Create(&account).Error)
	return s, account.ID
}

// fakeProvider answers embeddings requests with vectors encoding the input position.
// Data items are returned in reverse order to exercise index sorting.
func fakeProvider(t *testing.T, calls *atomic.Int32, tokens int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Model string          `json:"model"`
			Input json.RawMessage `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "test-model", req.Model)

		var inputs []string
		if err := json.Unmarshal(req.Input, &inputs); err != nil {
			var single string
			require.NoError(t, json.Unmarshal(req.Input, &single))
			inputs = []string{single}
		}

		data := make([]map[string]any, 0, len(inputs))
		for i := len(inputs) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"index":     i,
				"embedding": []float64{float64(i), float64(len(inputs[i]))},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"data":  data,
			"usage": map[string]int{"prompt_tokens": tokens, "total_tokens": tokens},
		}))
	}))
}

func newTestClient(t *testing.T, api string, s *store.Store) *Client {
	c, err := New(settings.EmbeddingSettings{
		API:     api,
		Key:     "sk-test",
		Model:   "test-model",
		Pricing: 0.02,
		Timeout: 5 * time.Second,
	}, s)
	require.NoError(t, err)
	return c
}

// TestEmbedBatchOrderAndCost verifies N inputs produce N ordered vectors and an exact debit.
func TestEmbedBatchOrderAndCost(t *testing.T) {
	var calls atomic.Int32
	srv := fakeProvider(t, &calls, 1500)
	defer srv.Close()

	s, accountID := newTestStore(t, 1)
	c := newTestClient(t, srv.URL, s)
	ctx := context.Background()

	inputs := []string{"a", "bb", "ccc"}
	var result *Result
	err := s.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = c.EmbedBatch(ctx, tx, accountID, inputs)
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
	require.Len(t, result.Vectors, len(inputs))
	for i, vec := range result.Vectors {
		require.Equal(t, []float32{float32(i), float32(len(inputs[i]))}, vec.Slice())
	}
	require.Equal(t, 1500, result.Tokens)
	require.InDelta(t, 0.03, result.Cost, 1e-12)

	credit, err := s.Credit(ctx, s.DB(), accountID)
	require.NoError(t, err)
	require.InDelta(t, 0.97, credit, 1e-9)
}

// TestEmbedBatchRollbackLeavesCredit verifies the debit is discarded when the caller's transaction fails.
func TestEmbedBatchRollbackLeavesCredit(t *testing.T) {
	var calls atomic.Int32
	srv := fakeProvider(t, &calls, 1000)
	defer srv.Close()

	s, accountID := newTestStore(t, 5)
	c := newTestClient(t, srv.URL, s)
	ctx := context.Background()

	downstream := errors.New("insert embeddings failed")
	err := s.DB().Transaction(func(tx *gorm.DB) error {
		if _, err := c.EmbedBatch(ctx, tx, accountID, []string{"chunk"}); err != nil {
			return err
		}
		return downstream
	})
	require.ErrorIs(t, err, downstream)
	require.EqualValues(t, 1, calls.Load())

	credit, err := s.Credit(ctx, s.DB(), accountID)
	require.NoError(t, err)
	require.InDelta(t, 5, credit, 1e-12)
}

// TestEmbedQuerySendsString verifies the query path sends a bare string and returns one vector.
func TestEmbedQuerySendsString(t *testing.T) {
	var calls atomic.Int32
	srv := fakeProvider(t, &calls, 10)
	defer srv.Close()

	s, accountID := newTestStore(t, 1)
	c := newTestClient(t, srv.URL, s)

	vec, result, err := c.EmbedQuery(context.Background(), s.DB(), accountID, "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 5}, vec.Slice())
	require.Equal(t, 10, result.Tokens)
}

// TestEmbedFailures verifies non-2xx responses, count mismatches and unknown accounts are errors.
func TestEmbedFailures(t *testing.T) {
	s, accountID := newTestStore(t, 1)
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL, s).EmbedBatch(ctx, s.DB(), accountID, []string{"x"})
		require.ErrorContains(t, err, "status 429")
		require.ErrorContains(t, err, "rate limited")
	})

	t.Run("count mismatch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}],"usage":{"total_tokens":3}}`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL, s).EmbedBatch(ctx, s.DB(), accountID, []string{"x", "y"})
		require.ErrorContains(t, err, "want 2")
	})

	t.Run("malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL, s).EmbedBatch(ctx, s.DB(), accountID, []string{"x"})
		require.ErrorContains(t, err, "decode embeddings response")
	})

	t.Run("unknown account", func(t *testing.T) {
		var calls atomic.Int32
		srv := fakeProvider(t, &calls, 1)
		defer srv.Close()

		_, err := newTestClient(t, srv.URL, s).EmbedBatch(ctx, s.DB(), uuid.New(), []string{"x"})
		require.True(t, errors.Is(err, store.ErrAccountNotFound))
	})

	credit, err := s.Credit(ctx, s.DB(), accountID)
	require.NoError(t, err)
	require.InDelta(t, 1, credit, 1e-12)
}

// TestNewValidates verifies required settings are enforced.
func TestNewValidates(t *testing.T) {
	s, _ := newTestStore(t, 0)

	_, err := New(settings.EmbeddingSettings{Model: "m"}, s)
	require.Error(t, err)
	_, err = New(settings.EmbeddingSettings{API: "http://x"}, s)
	require.Error(t, err)
	_, err = New(settings.EmbeddingSettings{API: "http://x", Model: "m"}, nil)
	require.Error(t, err)
}
