package assistant

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/retrieval"
)

type fakeRetriever struct {
	text  *retrieval.TextResult
	image *retrieval.ImageResult
	err   error
}

func (f *fakeRetriever) QueryText(_ context.Context, query string) (*retrieval.TextResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.text, nil
}

func (f *fakeRetriever) QueryImage(_ context.Context, _ []byte, question string) (*retrieval.ImageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.image
	r.Question = question
	return &r, nil
}

type call struct {
	items    []string
	input    string
	modality domain.Modality
}

type fakeAnswerer struct {
	calls []call
	err   error
}

func (f *fakeAnswerer) ComposeAndGenerate(_ context.Context, items []string, input string, m domain.Modality) (string, error) {
	f.calls = append(f.calls, call{items: items, input: input, modality: m})
	if f.err != nil {
		return "", f.err
	}
	return "answer for " + string(m), nil
}

func (f *fakeAnswerer) Model() string { return "gpt-4" }

type fakeExtractor struct {
	pages    []string
	err      error
	seenPath string
}

func (f *fakeExtractor) ExtractPages(path string) ([]string, error) {
	f.seenPath = path
	return f.pages, f.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []domain.QueryLogEntry
}

func (f *fakeRecorder) Append(_ context.Context, e domain.QueryLogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, r Retriever, a Answerer, x PageExtractor, rec Recorder) *Service {
	t.Helper()
	return NewService(Options{
		Retriever: r,
		Answerer:  a,
		Extractor: x,
		Recorder:  rec,
		UploadDir: t.TempDir(),
		Now:       func() time.Time { return fixedNow },
	})
}

func TestAskText(t *testing.T) {
	retr := &fakeRetriever{text: &retrieval.TextResult{
		Query: "creatinine?",
		Hits: []retrieval.TextHit{
			{Chunk: domain.TextChunk{Content: "c1", SourcePath: "nephro.pdf"}, Score: 0.9},
			{Chunk: domain.TextChunk{Content: "c2", SourcePath: "nephro.pdf"}, Score: 0.8},
		},
	}}
	ans := &fakeAnswerer{}
	rec := &fakeRecorder{}
	svc := newService(t, retr, ans, nil, rec)

	reply, err := svc.AskText(context.Background(), "u1", "creatinine?")
	require.NoError(t, err)
	assert.Equal(t, "answer for text", reply.Response)
	assert.Equal(t, []string{"nephro.pdf"}, reply.Sources)

	require.Len(t, ans.calls, 1)
	assert.Equal(t, []string{"c1", "c2"}, ans.calls[0].items)
	assert.Equal(t, "creatinine?", ans.calls[0].input)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, domain.NewQueryLogEntry("u1", domain.ModalityText, "creatinine?", "answer for text", "gpt-4", fixedNow), rec.entries[0])
}

func TestAskText_GenerationFailureIsNotLogged(t *testing.T) {
	retr := &fakeRetriever{text: &retrieval.TextResult{}}
	genErr := &domain.GenerationError{Model: "gpt-4", Err: errors.New("503")}
	rec := &fakeRecorder{}
	svc := newService(t, retr, &fakeAnswerer{err: genErr}, nil, rec)

	_, err := svc.AskText(context.Background(), "u1", "q")
	assert.ErrorIs(t, err, domain.ErrGeneration)
	assert.Empty(t, rec.entries)
}

func TestAskText_RetrievalErrorPropagates(t *testing.T) {
	svc := newService(t, &fakeRetriever{err: domain.ErrIndexNotFound}, &fakeAnswerer{}, nil, &fakeRecorder{})

	_, err := svc.AskText(context.Background(), "u1", "q")
	assert.ErrorIs(t, err, domain.ErrIndexNotFound)
}

func TestAskImage(t *testing.T) {
	retr := &fakeRetriever{image: &retrieval.ImageResult{Matches: []retrieval.ImageMatch{
		{ImagePath: "/data/images/rash1.jpg", Distance: 0.1},
		{ImagePath: "/data/images/rash2.jpg", Distance: 0.2},
	}}}
	ans := &fakeAnswerer{}
	rec := &fakeRecorder{}
	svc := newService(t, retr, ans, nil, rec)

	reply, err := svc.AskImage(context.Background(), "u1", "upload.jpg", strings.NewReader("jpeg"), "what is this?")
	require.NoError(t, err)
	assert.Equal(t, []string{"rash1.jpg", "rash2.jpg"}, reply.Sources)

	require.Len(t, ans.calls, 1)
	assert.Equal(t, domain.ModalityImage, ans.calls[0].modality)
	assert.Equal(t, "what is this?", ans.calls[0].input)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "what is this?", rec.entries[0].InputSummary)
}

func TestAskImage_NoQuestionLogsFilename(t *testing.T) {
	retr := &fakeRetriever{image: &retrieval.ImageResult{}}
	rec := &fakeRecorder{}
	svc := newService(t, retr, &fakeAnswerer{}, nil, rec)

	_, err := svc.AskImage(context.Background(), "u1", "dir/scan.png", strings.NewReader("png"), "  ")
	require.NoError(t, err)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "Image: scan.png", rec.entries[0].InputSummary)
}

func TestAskImage_EmptyUpload(t *testing.T) {
	svc := newService(t, &fakeRetriever{}, &fakeAnswerer{}, nil, &fakeRecorder{})

	_, err := svc.AskImage(context.Background(), "u1", "a.png", strings.NewReader(""), "q")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSummarizePDF(t *testing.T) {
	long := strings.Repeat("a", 1200)
	extr := &fakeExtractor{pages: []string{long, "second page"}}
	ans := &fakeAnswerer{}
	rec := &fakeRecorder{}
	svc := newService(t, nil, ans, extr, rec)

	reply, err := svc.SummarizePDF(context.Background(), "u1", "labs.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "answer for pdf", reply.Response)

	require.Len(t, ans.calls, 1)
	assert.Len(t, ans.calls[0].items, 3)
	assert.Equal(t, domain.ModalityPDF, ans.calls[0].modality)

	_, statErr := os.Stat(extr.seenPath)
	assert.True(t, os.IsNotExist(statErr), "upload must be removed after the call")

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "PDF: labs.pdf", rec.entries[0].InputSummary)
	assert.Equal(t, domain.ModalityPDF, rec.entries[0].QueryType)
}

func TestSummarizePDF_Rejects(t *testing.T) {
	svc := newService(t, nil, &fakeAnswerer{}, &fakeExtractor{err: errors.New("malformed xref")}, &fakeRecorder{})

	_, err := svc.SummarizePDF(context.Background(), "u1", "notes.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.SummarizePDF(context.Background(), "u1", "broken.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.ErrorIs(t, err, domain.ErrIngestion)
}

func TestSummarizePDF_NoText(t *testing.T) {
	svc := newService(t, nil, &fakeAnswerer{}, &fakeExtractor{pages: []string{"", "  "}}, &fakeRecorder{})

	_, err := svc.SummarizePDF(context.Background(), "u1", "scan.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
