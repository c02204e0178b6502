package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"golang.org/x/time/rate"

	"github.com/bull/medassist/internal/domain"
)

const (
	// EmbeddingModel is the OpenAI model used for chunk and query embeddings.
	EmbeddingModel = openai.EmbeddingModelTextEmbedding3Small

	// EmbeddingDimension is the vector dimension for text-embedding-3-small.
	EmbeddingDimension = 1536

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
	// OpenAI supports up to 2048 texts per batch, but smaller batches reduce TPM pressure.
	DefaultBatchSize = 500
)

// TextEmbedder embeds chunk text and queries with text-embedding-3-small.
// Requests are batched, paced by a client-side limiter, and retried with
// exponential backoff on rate limit errors.
type TextEmbedder struct {
	client     *Client
	batchSize  int
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// TextOptions tunes a TextEmbedder. Zero values take the defaults.
type TextOptions struct {
	BatchSize         int
	RequestsPerSecond float64 // 0 means unlimited
	Logger            *slog.Logger
}

// NewTextEmbedder creates a TextEmbedder on top of client.
func NewTextEmbedder(client *Client, opts TextOptions) *TextEmbedder {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TextEmbedder{
		client:     client,
		batchSize:  batchSize,
		limiter:    rate.NewLimiter(limit, 1),
		newBackOff: defaultBackOff,
		logger:     logger,
	}
}

// defaultBackOff: initial interval 500ms, max interval 10s, max elapsed 30s.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Dimension returns the length of every vector this embedder produces.
func (e *TextEmbedder) Dimension() int { return EmbeddingDimension }

// EmbedTexts returns one vector per text, in input order.
func (e *TextEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batch := texts[i:end]

		embeddings, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, &domain.EmbeddingProviderError{
				Provider: "openai",
				Err:      fmt.Errorf("batch %d-%d: %w", i, end, err),
			}
		}
		all = append(all, embeddings...)
	}

	return all, nil
}

// EmbedQuery embeds a single query string.
func (e *TextEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedBatchWithRetry generates embeddings for a single batch with retry logic.
// Retries with exponential backoff on rate limit errors (HTTP 429).
// Other errors are treated as permanent and fail immediately.
func (e *TextEmbedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	operation := func() error {
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := e.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: EmbeddingModel,
		})
		if err != nil {
			if isRateLimitError(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
		}

		data := resp.Data
		sort.Slice(data, func(a, b int) bool { return data[a].Index < data[b].Index })

		embeddings = make([][]float32, len(data))
		for i, d := range data {
			if len(d.Embedding) != EmbeddingDimension {
				return backoff.Permanent(fmt.Errorf("embedding %d has %d dimensions, expected %d",
					i, len(d.Embedding), EmbeddingDimension))
			}
			embeddings[i] = toFloat32(d.Embedding)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Warn("Rate limited, retrying embedding batch", "inputs", len(texts), "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(e.newBackOff(), ctx), notify)
	return embeddings, err
}

// isRateLimitError checks if the error is a rate limit error (HTTP 429).
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but indexes store float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
