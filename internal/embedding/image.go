package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bull/medassist/internal/domain"
)

const (
	// DefaultImageModel is the CLIP checkpoint the image service is asked for.
	DefaultImageModel = "openai/clip-vit-base-patch32"

	// ImageDimension is the output size of clip-vit-base-patch32.
	ImageDimension = 512
)

// ImageEmbedder calls a CLIP-style HTTP service:
//
//	POST {baseURL}/embed/image {"model": "...", "image": "<base64>"} -> {"embedding": [...]}
type ImageEmbedder struct {
	baseURL    string
	model      string
	dimension  int
	client     *http.Client
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// ImageOptions configures an ImageEmbedder. Zero values take the defaults.
type ImageOptions struct {
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewImageEmbedder creates an image embedding client.
func NewImageEmbedder(opts ImageOptions) *ImageEmbedder {
	model := opts.Model
	if model == "" {
		model = DefaultImageModel
	}
	dim := opts.Dimension
	if dim <= 0 {
		dim = ImageDimension
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageEmbedder{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      model,
		dimension:  dim,
		client:     &http.Client{Timeout: timeout},
		newBackOff: defaultBackOff,
		logger:     logger,
	}
}

// Dimension returns the length of every vector this embedder produces.
func (e *ImageEmbedder) Dimension() int { return e.dimension }

type imageEmbedReq struct {
	Model string `json:"model"`
	Image string `json:"image"`
}

type imageEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// statusError carries a non-2xx response from the image service.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

// EmbedImage embeds encoded image bytes (PNG or JPEG).
func (e *ImageEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	body, err := json.Marshal(imageEmbedReq{
		Model: e.model,
		Image: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}

	var out []float32
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed/image", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
			if resp.StatusCode == http.StatusTooManyRequests {
				return serr
			}
			return backoff.Permanent(serr)
		}

		var result imageEmbedResp
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return backoff.Permanent(fmt.Errorf("decode: %w", err))
		}
		if len(result.Embedding) != e.dimension {
			return backoff.Permanent(fmt.Errorf("embedding has %d dimensions, expected %d", len(result.Embedding), e.dimension))
		}
		out = toFloat32(result.Embedding)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Warn("Rate limited, retrying image embedding", "model", e.model, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(e.newBackOff(), ctx), notify); err != nil {
		return nil, &domain.EmbeddingProviderError{Provider: "clip", Err: err}
	}
	return out, nil
}
