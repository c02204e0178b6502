package answer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"

	"github.com/bull/medassist/internal/domain"
)

const (
	// DefaultModel is the chat model used for answers.
	DefaultModel = openai.ChatModelGPT4

	// DefaultMaxTokens bounds the length of a generated answer.
	DefaultMaxTokens = 500

	// DefaultTemperature keeps answers close to the retrieved context.
	DefaultTemperature = 0.3

	// DefaultMaxContextTokens is the context budget before truncation (in tokens).
	DefaultMaxContextTokens = 16000
)

// Options tunes a Generator. Zero values take the defaults.
type Options struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	MaxContextTokens int
	Logger           *slog.Logger
}

// Generator produces answers with an OpenAI chat model.
type Generator struct {
	client           *openai.Client
	model            string
	maxTokens        int64
	temperature      float64
	maxContextTokens int
	logger           *slog.Logger
}

// NewGenerator creates an answer generator with the given OpenAI client.
func NewGenerator(client *openai.Client, opts Options) *Generator {
	g := &Generator{
		client:           client,
		model:            opts.Model,
		maxTokens:        int64(opts.MaxTokens),
		temperature:      opts.Temperature,
		maxContextTokens: opts.MaxContextTokens,
		logger:           opts.Logger,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if g.temperature <= 0 {
		g.temperature = DefaultTemperature
	}
	if g.maxContextTokens <= 0 {
		g.maxContextTokens = DefaultMaxContextTokens
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Model returns the chat model answers are generated with.
func (g *Generator) Model() string { return g.model }

// ComposeAndGenerate bounds contextItems to the context budget, fills the
// template of modality and returns the model's trimmed reply.
func (g *Generator) ComposeAndGenerate(ctx context.Context, contextItems []string, userInput string, modality domain.Modality) (string, error) {
	if modality == domain.ModalityPDF && len(contextItems) > PDFSummaryChunks {
		contextItems = contextItems[:PDFSummaryChunks]
	}
	if modality != domain.ModalityImage {
		contextItems = g.boundContext(contextItems)
	}

	prompt, err := Compose(modality, contextItems, userInput)
	if err != nil {
		return "", err
	}
	return g.Generate(ctx, prompt)
}

// Generate sends prompt as a single user message.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:       g.model,
		MaxTokens:   openai.Int(g.maxTokens),
		Temperature: openai.Float(g.temperature),
	})
	if err != nil {
		return "", &domain.GenerationError{Model: g.model, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &domain.GenerationError{Model: g.model, Err: errors.New("response has no choices")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// boundContext keeps items in order until the joined text would exceed the
// budget, cutting the item that crosses it. Uses rough estimate of 4
// characters per token.
func (g *Generator) boundContext(items []string) []string {
	maxChars := g.maxContextTokens * 4

	total := 0
	for i, item := range items {
		if i > 0 {
			total += utf8.RuneCountInString(contextSeparator)
		}
		n := utf8.RuneCountInString(item)
		if total+n <= maxChars {
			total += n
			continue
		}

		kept := append([]string(nil), items[:i]...)
		if remaining := maxChars - total; remaining > 0 {
			cut, _ := truncateRunes(item, remaining)
			kept = append(kept, cut)
		}
		g.logger.Warn("Truncating prompt context",
			"items", len(items), "kept", len(kept), "max_chars", maxChars)
		return kept
	}
	return items
}
