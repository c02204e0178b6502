// Package embedding turns chunk text and images into vectors.
package embedding

import (
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config configures the OpenAI client shared by the text embedder and the
// answer generator.
type Config struct {
	APIKey  string
	BaseURL string        // optional, for OpenAI-compatible gateways
	Timeout time.Duration // per request; 0 keeps the SDK default
}

// Client wraps the OpenAI client.
type Client struct {
	client *openai.Client
}

// NewClient creates an OpenAI client. SDK retries are disabled: the text
// embedder applies its own backoff on 429, and generation errors surface to
// the caller unretried.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	client := openai.NewClient(opts...)
	return &Client{client: &client}, nil
}

// Client returns the underlying OpenAI client for use in other packages (e.g., answer generation).
func (c *Client) Client() *openai.Client {
	return c.client
}
