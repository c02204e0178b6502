// Package answer composes retrieved context into modality-specific prompts
// and generates the final reply with a chat completion.
package answer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bull/medassist/internal/domain"
)

// PDFSummaryChunks is how many leading chunks of an uploaded PDF go into the summary prompt.
const PDFSummaryChunks = 3

// contextSeparator joins context items in retrieval order.
const contextSeparator = "\n\n"

// ComposeText builds the prompt for a text question over retrieved chunks.
func ComposeText(chunks []string, query string) string {
	return "Using the context below, answer the medical query:\n\n" +
		strings.Join(chunks, contextSeparator) +
		"\n\nQuestion: " + query
}

// ComposeImage builds the prompt for an image question. Only the base names
// of the matched images are shown to the model.
func ComposeImage(imagePaths []string, question string) string {
	lines := make([]string, len(imagePaths))
	for i, p := range imagePaths {
		lines[i] = "- Similar image: " + filepath.Base(p)
	}
	return fmt.Sprintf("The user uploaded a medical image and asked: '%s'.\n", question) +
		"Here are related images from memory:\n" +
		strings.Join(lines, "\n") +
		"\n\nGenerate a helpful and medically sound response."
}

// ComposePDF builds the summary prompt from the first PDFSummaryChunks chunks.
func ComposePDF(chunks []string) string {
	if len(chunks) > PDFSummaryChunks {
		chunks = chunks[:PDFSummaryChunks]
	}
	return "Summarize this medical PDF:\n\n" + strings.Join(chunks, contextSeparator)
}

// Compose dispatches to the template of modality. For images contextItems
// are image paths; for text and PDFs they are chunk contents.
func Compose(modality domain.Modality, contextItems []string, userInput string) (string, error) {
	switch modality {
	case domain.ModalityText:
		return ComposeText(contextItems, userInput), nil
	case domain.ModalityImage:
		return ComposeImage(contextItems, userInput), nil
	case domain.ModalityPDF:
		return ComposePDF(contextItems), nil
	default:
		return "", fmt.Errorf("%w: unknown modality %q", domain.ErrInvalidInput, modality)
	}
}

// truncateRunes cuts s to at most maxChars characters without splitting a rune.
func truncateRunes(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || len(s) <= maxChars {
		return s, false
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i], true
		}
		n++
	}
	return s, false
}
