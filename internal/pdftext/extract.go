// Package pdftext extracts plain text from PDF files page by page.
package pdftext

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ledongthuc/pdf"
)

// Extractor reads PDFs from disk. It has no state and is safe for concurrent use.
type Extractor struct{}

// NewExtractor creates a PDF text extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractPages returns the plain text of every page of the PDF at path, in page order.
// Pages without content yield an empty string so page numbers stay aligned.
func (e *Extractor) ExtractPages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Extract(f, info.Size())
}

// ExtractBytes is ExtractPages for an in-memory document.
func (e *Extractor) ExtractBytes(data []byte) ([]string, error) {
	return Extract(bytes.NewReader(data), int64(len(data)))
}

// Extract parses a PDF from r. The underlying parser panics on some malformed
// inputs; those panics are returned as errors.
func Extract(r io.ReaderAt, size int64) (pages []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pages = nil
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	n := reader.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}
