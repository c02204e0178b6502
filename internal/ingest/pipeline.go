// Package ingest builds the text and image indexes from a source directory.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for validation
	_ "image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bull/medassist/internal/chunk"
	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/markdown"
	"github.com/bull/medassist/internal/vectorindex"
)

// TextEmbedder embeds chunk text.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ImageEmbedder embeds encoded image bytes.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	Dimension() int
}

// PageExtractor returns the plain text of each page of a PDF.
type PageExtractor interface {
	ExtractPages(path string) ([]string, error)
}

// BuildReport contains statistics about one index build.
type BuildReport struct {
	Kind         vectorindex.Kind
	SourceDir    string
	TotalFiles   int
	IndexedFiles int
	TotalItems   int // chunks for text, images for image
	Failed       []FailedFile
	Warnings     []string
	Written      bool
	Duration     time.Duration
}

// FailedFile represents a source file that was skipped.
type FailedFile struct {
	Path   string
	Reason string
}

// Options wires a Pipeline. Splitter and Window default to the Markdown
// splitter and the 500/50 window.
type Options struct {
	Extractor     PageExtractor
	Splitter      *markdown.Splitter
	Window        *chunk.Window
	TextEmbedder  TextEmbedder
	ImageEmbedder ImageEmbedder
	Writer        vectorindex.Publisher
	Logger        *slog.Logger
}

// Pipeline orchestrates an index build from source files to the published index.
type Pipeline struct {
	extractor PageExtractor
	splitter  *markdown.Splitter
	window    *chunk.Window
	text      TextEmbedder
	image     ImageEmbedder
	writer    vectorindex.Publisher
	logger    *slog.Logger
}

// NewPipeline creates a new ingestion pipeline with the given components.
func NewPipeline(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Splitter == nil {
		opts.Splitter = markdown.NewSplitter()
	}
	if opts.Window == nil {
		opts.Window = chunk.Default()
	}
	return &Pipeline{
		extractor: opts.Extractor,
		splitter:  opts.Splitter,
		window:    opts.Window,
		text:      opts.TextEmbedder,
		image:     opts.ImageEmbedder,
		writer:    opts.Writer,
		logger:    opts.Logger,
	}
}

var (
	textExtensions  = map[string]bool{".pdf": true, ".md": true}
	imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}
)

// BuildAll rebuilds the text index and then the image index from dir.
// A failure of the text build does not prevent the image build.
func (p *Pipeline) BuildAll(ctx context.Context, dir string) ([]*BuildReport, error) {
	var reports []*BuildReport
	var errs []error

	textReport, err := p.BuildTextIndex(ctx, dir)
	if textReport != nil {
		reports = append(reports, textReport)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("text index: %w", err))
	}

	imageReport, err := p.BuildImageIndex(ctx, dir)
	if imageReport != nil {
		reports = append(reports, imageReport)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("image index: %w", err))
	}

	if len(errs) > 0 {
		return reports, errors.Join(errs...)
	}
	return reports, nil
}

// BuildTextIndex chunks every PDF and Markdown note in dir, embeds the
// chunks and publishes the text index. Files that cannot be read are named
// in the report and skipped. Embedding failures abort the build and leave
// the published index untouched.
func (p *Pipeline) BuildTextIndex(ctx context.Context, dir string) (*BuildReport, error) {
	start := time.Now()
	report := &BuildReport{Kind: vectorindex.KindText, SourceDir: dir}

	unlock, err := p.writer.Lock(vectorindex.KindText)
	if err != nil {
		return nil, err
	}
	defer unlock()

	files, err := listFiles(dir, textExtensions)
	if err != nil {
		return nil, err
	}
	report.TotalFiles = len(files)
	p.logger.Info("Starting text index build", "dir", dir, "files", len(files))

	var chunks []domain.TextChunk
	for _, path := range files {
		docChunks, err := p.chunkFile(path)
		if err != nil {
			ierr := &domain.IngestionError{Path: path, Err: err}
			p.logger.Warn("Failed to ingest document", "path", path, "error", err)
			report.Failed = append(report.Failed, FailedFile{Path: path, Reason: ierr.Error()})
			continue
		}
		if len(docChunks) == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: no extractable text", path))
		}
		report.IndexedFiles++
		chunks = append(chunks, docChunks...)
		p.logger.Debug("Chunked document", "path", path, "chunks", len(docChunks))
	}
	report.TotalItems = len(chunks)

	if len(chunks) == 0 {
		report.Warnings = append(report.Warnings, "no text chunks produced; text index not written")
		report.Duration = time.Since(start)
		p.logger.Warn("Text index not written", "dir", dir, "reason", "no chunks")
		return report, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := p.text.EmbedTexts(ctx, texts)
	if err != nil {
		return report, fmt.Errorf("embed chunks: %w", err)
	}

	idx, err := vectorindex.New(p.text.Dimension(), vectorindex.MetricCosine)
	if err != nil {
		return report, err
	}
	for i, c := range chunks {
		payload, err := json.Marshal(c)
		if err != nil {
			return report, fmt.Errorf("encode chunk %d: %w", i, err)
		}
		if _, err := idx.Add(embeddings[i], payload); err != nil {
			return report, fmt.Errorf("add chunk %d: %w", i, err)
		}
	}

	if err := p.writer.Publish(ctx, vectorindex.KindText, idx); err != nil {
		return report, fmt.Errorf("publish text index: %w", err)
	}
	report.Written = true
	report.Duration = time.Since(start)

	p.logger.Info("Text index build complete",
		"indexed", report.IndexedFiles,
		"failed", len(report.Failed),
		"chunks", report.TotalItems,
		"duration", report.Duration,
	)
	return report, nil
}

// chunkFile turns one source file into ordered chunks. PDF chunks carry the
// 1-based page they were cut from; Markdown chunks carry page 0.
func (p *Pipeline) chunkFile(path string) ([]domain.TextChunk, error) {
	docID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path))).String()

	var pieces []chunk.Piece
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		pages, err := p.extractor.ExtractPages(path)
		if err != nil {
			return nil, err
		}
		pieces = p.window.SplitPages(pages)
	case ".md":
		source, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sections, err := p.splitter.Split(source)
		if err != nil {
			return nil, err
		}
		for _, s := range sections {
			for _, text := range p.window.Split(s.Text()) {
				pieces = append(pieces, chunk.Piece{Index: len(pieces), Text: text})
			}
		}
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}

	chunks := make([]domain.TextChunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = domain.TextChunk{
			SourceDocumentID: docID,
			SourcePath:       path,
			Page:             piece.Page,
			SequenceIndex:    piece.Index,
			Content:          piece.Text,
		}
	}
	return chunks, nil
}

// BuildImageIndex validates and embeds every PNG/JPEG in dir and publishes
// the image index together with its metadata sidecar. Row i of the index
// and record i of the sidecar describe the same file.
func (p *Pipeline) BuildImageIndex(ctx context.Context, dir string) (*BuildReport, error) {
	start := time.Now()
	report := &BuildReport{Kind: vectorindex.KindImage, SourceDir: dir}

	unlock, err := p.writer.Lock(vectorindex.KindImage)
	if err != nil {
		return nil, err
	}
	defer unlock()

	files, err := listFiles(dir, imageExtensions)
	if err != nil {
		return nil, err
	}
	report.TotalFiles = len(files)
	p.logger.Info("Starting image index build", "dir", dir, "files", len(files))

	var records []domain.ImageRecord
	for _, path := range files {
		data, err := readImage(path)
		if err != nil {
			ierr := &domain.IngestionError{Path: path, Err: err}
			p.logger.Warn("Failed to ingest image", "path", path, "error", err)
			report.Failed = append(report.Failed, FailedFile{Path: path, Reason: ierr.Error()})
			continue
		}

		vec, err := p.image.EmbedImage(ctx, data)
		if err != nil {
			return report, fmt.Errorf("embed %s: %w", path, err)
		}
		records = append(records, domain.ImageRecord{ImagePath: path, Embedding: vec})
		report.IndexedFiles++
	}
	report.TotalItems = len(records)

	if len(records) == 0 {
		report.Warnings = append(report.Warnings, "no valid images found; image index not written")
		report.Duration = time.Since(start)
		p.logger.Warn("Image index not written", "dir", dir, "reason", "no valid images")
		return report, nil
	}

	idx, err := vectorindex.New(p.image.Dimension(), vectorindex.MetricL2)
	if err != nil {
		return report, err
	}
	for i, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return report, fmt.Errorf("encode image %d: %w", i, err)
		}
		if _, err := idx.Add(r.Embedding, payload); err != nil {
			return report, fmt.Errorf("add image %d: %w", i, err)
		}
	}

	if err := p.writer.Publish(ctx, vectorindex.KindImage, idx); err != nil {
		return report, fmt.Errorf("publish image index: %w", err)
	}
	report.Written = true
	report.Duration = time.Since(start)

	p.logger.Info("Image index build complete",
		"indexed", report.IndexedFiles,
		"failed", len(report.Failed),
		"duration", report.Duration,
	)
	return report, nil
}

// readImage reads path and decodes it fully so truncated files are rejected
// before they reach the embedder.
func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return data, nil
}

// listFiles walks dir and returns the regular files whose lowercased
// extension is in allowed, sorted by path. Hidden directories are skipped.
func listFiles(dir string, allowed map[string]bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && allowed[strings.ToLower(filepath.Ext(d.Name()))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
