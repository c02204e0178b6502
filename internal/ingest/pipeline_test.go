package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/pdftext"
	"github.com/bull/medassist/internal/pdftext/pdftest"
	"github.com/bull/medassist/internal/vectorindex"
)

// fakeExtractor serves canned pages per file name.
type fakeExtractor map[string][]string

func (f fakeExtractor) ExtractPages(path string) ([]string, error) {
	pages, ok := f[filepath.Base(path)]
	if !ok {
		return nil, errors.New("malformed pdf: missing xref table")
	}
	return pages, nil
}

// fakeTextEmbedder maps each text to a 4-dim vector derived from its length.
type fakeTextEmbedder struct {
	err   error
	calls int
}

func (f *fakeTextEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0, float32(i)}
	}
	return out, nil
}

func (f *fakeTextEmbedder) Dimension() int { return 4 }

type fakeImageEmbedder struct {
	err error
}

func (f *fakeImageEmbedder) EmbedImage(_ context.Context, data []byte) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(data)), 0}, nil
}

func (f *fakeImageEmbedder) Dimension() int { return 2 }

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.Gray{Y: shade})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newPipeline(t *testing.T, text *fakeTextEmbedder, img *fakeImageEmbedder, extractor fakeExtractor) (*Pipeline, *vectorindex.Store) {
	t.Helper()
	store := vectorindex.NewStore(vectorindex.StoreOptions{Dir: t.TempDir(), TextDimension: 4, ImageDimension: 2})
	p := NewPipeline(Options{
		Extractor:     extractor,
		TextEmbedder:  text,
		ImageEmbedder: img,
		Writer:        store,
	})
	return p, store
}

func TestBuildTextIndex_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_guidelines.pdf", []byte("%PDF"))
	writeFile(t, dir, "b_corrupt.pdf", []byte("not a pdf"))
	writeFile(t, dir, "c_notes.md", []byte("# Renal\n\nCreatinine 1.2 mg/dL.\n"))
	writeFile(t, dir, "ignored.txt", []byte("skip me"))

	extractor := fakeExtractor{
		"a_guidelines.pdf": {strings.Repeat("hypertension ", 60), "page two text"},
	}
	p, store := newPipeline(t, &fakeTextEmbedder{}, &fakeImageEmbedder{}, extractor)

	report, err := p.BuildTextIndex(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalFiles)
	assert.Equal(t, 2, report.IndexedFiles)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, filepath.Join(dir, "b_corrupt.pdf"), report.Failed[0].Path)
	assert.Contains(t, report.Failed[0].Reason, "malformed pdf")
	assert.True(t, report.Written)

	idx, err := store.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.TotalItems, idx.Len())
	assert.Equal(t, vectorindex.MetricCosine, idx.Metric())

	// Chunks keep document order and provenance.
	var first, last domain.TextChunk
	require.NoError(t, json.Unmarshal(idx.Payload(0), &first))
	require.NoError(t, json.Unmarshal(idx.Payload(idx.Len()-1), &last))
	assert.Equal(t, filepath.Join(dir, "a_guidelines.pdf"), first.SourcePath)
	assert.Equal(t, 1, first.Page)
	assert.Equal(t, 0, first.SequenceIndex)
	assert.Equal(t, filepath.Join(dir, "c_notes.md"), last.SourcePath)
	assert.Contains(t, last.Content, "# Renal")
	assert.NotEqual(t, first.SourceDocumentID, last.SourceDocumentID)
}

func TestBuildTextIndex_EmbeddingFailureAborts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.pdf", []byte("%PDF"))

	providerErr := &domain.EmbeddingProviderError{Provider: "openai", Err: errors.New("status 500")}
	p, store := newPipeline(t, &fakeTextEmbedder{err: providerErr}, &fakeImageEmbedder{}, fakeExtractor{"doc.pdf": {"text"}})

	_, err := p.BuildTextIndex(context.Background(), dir)
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)

	_, err = os.Stat(store.Path(vectorindex.KindText))
	assert.True(t, os.IsNotExist(err), "failed build must not publish")
}

func TestBuildTextIndex_NoChunks(t *testing.T) {
	dir := t.TempDir()
	text := &fakeTextEmbedder{}
	p, store := newPipeline(t, text, &fakeImageEmbedder{}, fakeExtractor{})

	report, err := p.BuildTextIndex(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, report.Written)
	assert.NotEmpty(t, report.Warnings)
	assert.Zero(t, text.calls)

	_, err = store.Text(context.Background())
	assert.ErrorIs(t, err, domain.ErrIndexNotFound)
}

func TestBuildTextIndex_MissingDir(t *testing.T) {
	p, _ := newPipeline(t, &fakeTextEmbedder{}, &fakeImageEmbedder{}, fakeExtractor{})

	_, err := p.BuildTextIndex(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestBuildTextIndex_BuildInProgress(t *testing.T) {
	p, store := newPipeline(t, &fakeTextEmbedder{}, &fakeImageEmbedder{}, fakeExtractor{})

	unlock, err := store.Lock(vectorindex.KindText)
	require.NoError(t, err)
	defer unlock()

	_, err = p.BuildTextIndex(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, vectorindex.ErrBuildInProgress)
}

func TestBuildImageIndex_SkipsUnreadableAndKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_xray.png", pngBytes(t, 10))
	writeFile(t, dir, "a_broken.png", []byte("\x89PNG truncated"))
	writeFile(t, dir, "c_MRI.PNG", pngBytes(t, 200))
	writeFile(t, dir, "readme.txt", []byte("not an image"))

	p, store := newPipeline(t, &fakeTextEmbedder{}, &fakeImageEmbedder{}, fakeExtractor{})

	report, err := p.BuildImageIndex(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalFiles)
	assert.Equal(t, 2, report.IndexedFiles)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, filepath.Join(dir, "a_broken.png"), report.Failed[0].Path)

	idx, err := store.Image(context.Background())
	require.NoError(t, err)
	assert.Equal(t, vectorindex.MetricL2, idx.Metric())

	records, err := vectorindex.LoadSidecar(store.SidecarPath(), idx.Len())
	require.NoError(t, err)
	assert.Equal(t, []vectorindex.ImageMeta{
		{ImagePath: filepath.Join(dir, "b_xray.png")},
		{ImagePath: filepath.Join(dir, "c_MRI.PNG")},
	}, records)
	assert.NoError(t, store.VerifyImageMetadata(context.Background()))
}

func TestBuildImageIndex_EmptyDir(t *testing.T) {
	p, store := newPipeline(t, &fakeTextEmbedder{}, &fakeImageEmbedder{}, fakeExtractor{})

	report, err := p.BuildImageIndex(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.False(t, report.Written)
	require.Len(t, report.Warnings, 1)

	_, err = os.Stat(store.Path(vectorindex.KindImage))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.SidecarPath())
	assert.True(t, os.IsNotExist(err))
}

func TestBuildAll_ContinuesAfterTextFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.pdf", []byte("%PDF"))
	writeFile(t, dir, "scan.png", pngBytes(t, 50))

	providerErr := &domain.EmbeddingProviderError{Provider: "openai", Err: errors.New("down")}
	p, store := newPipeline(t, &fakeTextEmbedder{err: providerErr}, &fakeImageEmbedder{}, fakeExtractor{"doc.pdf": {"text"}})

	reports, err := p.BuildAll(context.Background(), dir)
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)
	require.Len(t, reports, 2)
	assert.True(t, reports[1].Written)

	_, err = store.Image(context.Background())
	assert.NoError(t, err)
}

func TestBuildImageIndex_WalksSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "radiology"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0o755))
	writeFile(t, dir, "chest.png", pngBytes(t, 30))
	writeFile(t, filepath.Join(dir, "radiology"), "knee.png", pngBytes(t, 90))
	writeFile(t, filepath.Join(dir, ".cache"), "stale.png", pngBytes(t, 120))

	p, store := newPipeline(t, &fakeTextEmbedder{}, &fakeImageEmbedder{}, fakeExtractor{})

	report, err := p.BuildImageIndex(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalFiles)

	records, err := vectorindex.LoadSidecar(store.SidecarPath(), 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chest.png"), records[0].ImagePath)
	assert.Equal(t, filepath.Join(dir, "radiology", "knee.png"), records[1].ImagePath)
}

func TestBuildImageIndex_RebuildKeepsMetadataOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "c_ct.jpg", nil)
	writeFile(t, dir, "a_xray.png", pngBytes(t, 10))
	writeFile(t, dir, "B_mri.png", pngBytes(t, 60))
	writeFile(t, dir, "d_ultrasound.PNG", pngBytes(t, 140))

	p, store := newPipeline(t, &fakeTextEmbedder{}, &fakeImageEmbedder{}, fakeExtractor{})

	build := func() ([]byte, [][]byte) {
		t.Helper()
		_, err := p.BuildImageIndex(context.Background(), dir)
		require.NoError(t, err)
		sidecar, err := os.ReadFile(store.SidecarPath())
		require.NoError(t, err)
		idx, err := store.Image(context.Background())
		require.NoError(t, err)
		payloads := make([][]byte, idx.Len())
		for row := range payloads {
			payloads[row] = idx.Payload(row)
		}
		return sidecar, payloads
	}

	firstSidecar, firstPayloads := build()
	secondSidecar, secondPayloads := build()

	assert.Equal(t, firstSidecar, secondSidecar)
	assert.Equal(t, firstPayloads, secondPayloads)
	require.Len(t, firstPayloads, 3)
	assert.NoError(t, store.VerifyImageMetadata(context.Background()))
}

func TestBuildTextIndex_ExtractsRealPDF(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "renal.pdf", pdftest.Build(
		"Elevated creatinine indicates reduced kidney function",
		"Potassium above 5.5 mmol/L is hyperkalemia",
	))

	store := vectorindex.NewStore(vectorindex.StoreOptions{Dir: t.TempDir(), TextDimension: 4, ImageDimension: 2})
	p := NewPipeline(Options{
		Extractor:     pdftext.NewExtractor(),
		TextEmbedder:  &fakeTextEmbedder{},
		ImageEmbedder: &fakeImageEmbedder{},
		Writer:        store,
	})

	report, err := p.BuildTextIndex(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, report.IndexedFiles)

	idx, err := store.Text(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, idx.Len())

	var first, second domain.TextChunk
	require.NoError(t, json.Unmarshal(idx.Payload(0), &first))
	require.NoError(t, json.Unmarshal(idx.Payload(1), &second))
	assert.Equal(t, 1, first.Page)
	assert.Contains(t, first.Content, "Elevated creatinine indicates reduced kidney function")
	assert.Equal(t, 2, second.Page)
	assert.Contains(t, second.Content, "hyperkalemia")
}
