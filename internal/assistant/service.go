// Package assistant serves the three request kinds (text question, image
// plus question, PDF summary) by chaining retrieval, answer generation and
// query logging.
package assistant

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/bull/medassist/internal/answer"
	"github.com/bull/medassist/internal/chunk"
	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/retrieval"
	"github.com/bull/medassist/internal/upload"
)

// Retriever finds context for text and image requests.
type Retriever interface {
	QueryText(ctx context.Context, query string) (*retrieval.TextResult, error)
	QueryImage(ctx context.Context, image []byte, question string) (*retrieval.ImageResult, error)
}

// Answerer turns context and user input into a model reply.
type Answerer interface {
	ComposeAndGenerate(ctx context.Context, contextItems []string, userInput string, modality domain.Modality) (string, error)
	Model() string
}

// PageExtractor reads the text of each page of a PDF.
type PageExtractor interface {
	ExtractPages(path string) ([]string, error)
}

// Recorder receives one entry per answered request.
type Recorder interface {
	Append(ctx context.Context, entry domain.QueryLogEntry)
}

// Reply is what a caller gets back for a served request.
type Reply struct {
	Response string   `json:"response"`
	Sources  []string `json:"sources,omitempty"`
}

// Options wires a Service.
type Options struct {
	Retriever Retriever
	Answerer  Answerer
	Extractor PageExtractor
	Window    *chunk.Window
	Recorder  Recorder
	UploadDir string
	MaxUpload int64
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service answers requests for an authenticated user.
type Service struct {
	retriever Retriever
	answerer  Answerer
	extractor PageExtractor
	window    *chunk.Window
	recorder  Recorder
	uploadDir string
	maxUpload int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. A nil Window uses the default chunking.
func NewService(opts Options) *Service {
	s := &Service{
		retriever: opts.Retriever,
		answerer:  opts.Answerer,
		extractor: opts.Extractor,
		window:    opts.Window,
		recorder:  opts.Recorder,
		uploadDir: opts.UploadDir,
		maxUpload: opts.MaxUpload,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.window == nil {
		s.window = chunk.Default()
	}
	if s.uploadDir == "" {
		s.uploadDir = "temp"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// AskText answers query from the text index.
func (s *Service) AskText(ctx context.Context, userID, query string) (*Reply, error) {
	result, err := s.retriever.QueryText(ctx, query)
	if err != nil {
		return nil, err
	}

	sources := make([]string, 0, len(result.Hits))
	for _, h := range result.Hits {
		sources = append(sources, h.Chunk.SourcePath)
	}

	resp, err := s.answerer.ComposeAndGenerate(ctx, result.Contents(), query, domain.ModalityText)
	if err != nil {
		return nil, err
	}
	s.record(ctx, userID, domain.ModalityText, query, resp)
	return &Reply{Response: resp, Sources: dedupe(sources)}, nil
}

// AskImage answers question about an uploaded image using the nearest
// indexed images as context. The upload is read into memory only.
func (s *Service) AskImage(ctx context.Context, userID, filename string, r io.Reader, question string) (*Reply, error) {
	image, err := upload.ReadAll(r, s.maxUpload)
	if err != nil {
		return nil, err
	}

	result, err := s.retriever.QueryImage(ctx, image, question)
	if err != nil {
		return nil, err
	}

	resp, err := s.answerer.ComposeAndGenerate(ctx, result.Paths(), result.Question, domain.ModalityImage)
	if err != nil {
		return nil, err
	}

	input := strings.TrimSpace(question)
	if input == "" {
		input = "Image: " + filepath.Base(filename)
	}
	s.record(ctx, userID, domain.ModalityImage, input, resp)

	names := make([]string, 0, len(result.Matches))
	for _, m := range result.Matches {
		names = append(names, filepath.Base(m.ImagePath))
	}
	return &Reply{Response: resp, Sources: names}, nil
}

// SummarizePDF summarizes the leading chunks of an uploaded PDF. The file
// is kept on disk only for the duration of the call.
func (s *Service) SummarizePDF(ctx context.Context, userID, filename string, r io.Reader) (*Reply, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return nil, fmt.Errorf("%w: %q is not a PDF", domain.ErrInvalidInput, filename)
	}

	path, cleanup, err := upload.Save(s.uploadDir, filename, r, s.maxUpload)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pages, err := s.extractor.ExtractPages(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, &domain.IngestionError{Path: filepath.Base(filename), Err: err})
	}

	pieces := s.window.SplitPages(pages)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: %s has no extractable text", domain.ErrInvalidInput, filepath.Base(filename))
	}
	if len(pieces) > answer.PDFSummaryChunks {
		pieces = pieces[:answer.PDFSummaryChunks]
	}
	items := make([]string, len(pieces))
	for i, p := range pieces {
		items[i] = p.Text
	}

	resp, err := s.answerer.ComposeAndGenerate(ctx, items, "", domain.ModalityPDF)
	if err != nil {
		return nil, err
	}
	s.record(ctx, userID, domain.ModalityPDF, "PDF: "+filepath.Base(filename), resp)
	return &Reply{Response: resp}, nil
}

func (s *Service) record(ctx context.Context, userID string, kind domain.Modality, input, response string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Append(ctx, domain.NewQueryLogEntry(userID, kind, input, response, s.answerer.Model(), s.now()))
	s.logger.Info("request answered", "user_id", userID, "query_type", kind)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
