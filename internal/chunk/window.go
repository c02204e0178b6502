// Package chunk splits extracted document text into overlapping windows.
package chunk

import (
	"fmt"
	"strings"
)

const (
	// DefaultSize is the window length in characters.
	DefaultSize = 500

	// DefaultOverlap is how many characters consecutive windows share.
	DefaultOverlap = 50
)

// Piece is one window cut from a paged document.
type Piece struct {
	Index int    // Position in the document across all pages (0, 1, 2...)
	Page  int    // 1-based page the window was cut from
	Text  string // Window content, surrounding whitespace trimmed
}

// Window is a fixed-size sliding window measured in runes.
type Window struct {
	size    int
	overlap int
}

// NewWindow creates a window splitter. Size must be positive and larger than overlap.
func NewWindow(size, overlap int) (*Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Window{size: size, overlap: overlap}, nil
}

// Default returns the 500/50 window used for PDF ingestion.
func Default() *Window {
	return &Window{size: DefaultSize, overlap: DefaultOverlap}
}

// Split cuts text into windows of at most size runes, each starting
// size-overlap runes after the previous one. Whitespace-only windows are dropped.
func (w *Window) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := w.size - w.overlap
	var out []string
	for start := 0; ; start += step {
		end := min(start+w.size, len(runes))
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// SplitPages windows each page independently, so no window spans a page
// break, and numbers the windows continuously across the document.
func (w *Window) SplitPages(pages []string) []Piece {
	var pieces []Piece
	for i, page := range pages {
		for _, text := range w.Split(page) {
			pieces = append(pieces, Piece{
				Index: len(pieces),
				Page:  i + 1,
				Text:  text,
			})
		}
	}
	return pieces
}
