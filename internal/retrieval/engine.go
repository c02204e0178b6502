// Package retrieval answers top-k similarity queries against the published
// text and image indexes.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/vectorindex"
)

// DefaultTopK is the number of neighbours returned when callers pass k <= 0.
const DefaultTopK = 3

// QueryEmbedder embeds a text query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// ImageEmbedder embeds encoded image bytes.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// TextHit is one retrieved chunk with its cosine similarity.
type TextHit struct {
	Chunk domain.TextChunk `json:"chunk"`
	Score float32          `json:"score"`
}

// TextResult holds the chunks retrieved for a query, most similar first.
type TextResult struct {
	Query string    `json:"query"`
	Hits  []TextHit `json:"hits"`
}

// Contents returns the chunk texts in retrieval order.
func (r *TextResult) Contents() []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Chunk.Content
	}
	return out
}

// ImageMatch is one retrieved image with its Euclidean distance.
type ImageMatch struct {
	ImagePath string  `json:"image_path"`
	Distance  float32 `json:"distance"`
}

// ImageResult holds the nearest images, closest first, and the user's
// question exactly as given. The question is never embedded.
type ImageResult struct {
	Question string       `json:"question"`
	Matches  []ImageMatch `json:"matches"`
}

// Paths returns the matched image paths in retrieval order.
func (r *ImageResult) Paths() []string {
	out := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.ImagePath
	}
	return out
}

// Options wires an Engine.
type Options struct {
	TextEmbedder  QueryEmbedder
	ImageEmbedder ImageEmbedder
	Index         vectorindex.Searcher
	TopK          int
	Logger        *slog.Logger
}

// Engine embeds queries and searches the matching index.
type Engine struct {
	text   QueryEmbedder
	image  ImageEmbedder
	index  vectorindex.Searcher
	topK   int
	logger *slog.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		text:   opts.TextEmbedder,
		image:  opts.ImageEmbedder,
		index:  opts.Index,
		topK:   opts.TopK,
		logger: opts.Logger,
	}
}

// QueryText returns the default number of chunks most similar to query.
func (e *Engine) QueryText(ctx context.Context, query string) (*TextResult, error) {
	return e.SearchText(ctx, query, e.topK)
}

// SearchText returns up to k chunks most similar to query. k <= 0 uses the
// engine default.
func (e *Engine) SearchText(ctx context.Context, query string, k int) (*TextResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	if k <= 0 {
		k = e.topK
	}

	vec, err := e.text.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := e.index.Search(ctx, vectorindex.KindText, vec, k)
	if err != nil {
		return nil, err
	}

	result := &TextResult{Query: query, Hits: make([]TextHit, 0, len(hits))}
	for _, h := range hits {
		var c domain.TextChunk
		if err := json.Unmarshal(h.Payload, &c); err != nil {
			return nil, &domain.IndexCorruptError{
				Path:   string(vectorindex.KindText),
				Reason: fmt.Sprintf("row %d payload", h.Row),
				Err:    err,
			}
		}
		result.Hits = append(result.Hits, TextHit{Chunk: c, Score: h.Score})
	}

	e.logger.Debug("text retrieval", "k", k, "hits", len(result.Hits))
	return result, nil
}

// QueryImage returns the images nearest to the uploaded one and attaches
// question unchanged.
func (e *Engine) QueryImage(ctx context.Context, image []byte, question string) (*ImageResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrInvalidInput)
	}

	vec, err := e.image.EmbedImage(ctx, image)
	if err != nil {
		return nil, err
	}

	hits, err := e.index.Search(ctx, vectorindex.KindImage, vec, e.topK)
	if err != nil {
		return nil, err
	}

	result := &ImageResult{Question: question, Matches: make([]ImageMatch, 0, len(hits))}
	for _, h := range hits {
		var rec domain.ImageRecord
		if err := json.Unmarshal(h.Payload, &rec); err != nil {
			return nil, &domain.IndexCorruptError{
				Path:   string(vectorindex.KindImage),
				Reason: fmt.Sprintf("row %d payload", h.Row),
				Err:    err,
			}
		}
		result.Matches = append(result.Matches, ImageMatch{ImagePath: rec.ImagePath, Distance: h.Score})
	}

	e.logger.Debug("image retrieval", "k", e.topK, "hits", len(result.Matches))
	return result, nil
}
