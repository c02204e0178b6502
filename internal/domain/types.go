// Package domain holds the record types and error taxonomy shared by the
// ingestion, retrieval and answering layers.
package domain

import "time"

// DefaultModel is recorded on log entries when the caller does not name one.
const DefaultModel = "gpt-4"

// Modality selects the prompt template and the index a request runs against.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityPDF   Modality = "pdf"
)

// Valid reports whether m is one of the known modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityImage, ModalityPDF:
		return true
	}
	return false
}

// TextChunk is one overlapping window of a source document.
type TextChunk struct {
	SourceDocumentID string    `json:"source_document_id"`
	SourcePath       string    `json:"source_path"`
	Page             int       `json:"page"`
	SequenceIndex    int       `json:"sequence_index"`
	Content          string    `json:"content"`
	Embedding        []float32 `json:"-"`
}

// ImageRecord is one row of the image index.
type ImageRecord struct {
	ImagePath string    `json:"image_path"`
	Embedding []float32 `json:"-"`
}

// QueryLogEntry is written once per served request.
type QueryLogEntry struct {
	UserID       string    `json:"user_id"`
	QueryType    Modality  `json:"query_type"`
	InputSummary string    `json:"input_summary"`
	Response     string    `json:"response"`
	ModelUsed    string    `json:"model_used"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewQueryLogEntry fills the defaults: ModelUsed falls back to DefaultModel
// and Timestamp is taken from now in UTC.
func NewQueryLogEntry(userID string, queryType Modality, input, response, model string, now time.Time) QueryLogEntry {
	if model == "" {
		model = DefaultModel
	}
	return QueryLogEntry{
		UserID:       userID,
		QueryType:    queryType,
		InputSummary: input,
		Response:     response,
		ModelUsed:    model,
		Timestamp:    now.UTC(),
	}
}
