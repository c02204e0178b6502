package domain

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrors_MatchSentinelAndCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"ingestion", &IngestionError{Path: "a.pdf", Err: cause}, ErrIngestion},
		{"index corrupt", &IndexCorruptError{Path: "text.idx", Reason: "unreadable", Err: cause}, ErrIndexCorrupt},
		{"embedding", &EmbeddingProviderError{Provider: "openai", Err: cause}, ErrEmbeddingProvider},
		{"generation", &GenerationError{Model: "gpt-4", Err: cause}, ErrGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.ErrorIs(t, tt.err, cause)
		})
	}
}

func TestIndexCorruptError_WithoutCause(t *testing.T) {
	err := &IndexCorruptError{Path: "image.idx", Reason: "dimension 3, embedder produces 512"}

	assert.ErrorIs(t, err, ErrIndexCorrupt)
	assert.Equal(t, "index image.idx corrupt: dimension 3, embedder produces 512", err.Error())

	var target *IndexCorruptError
	assert.True(t, errors.As(error(err), &target))
}

func TestNewQueryLogEntry_Defaults(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	e := NewQueryLogEntry("u1", ModalityText, "what is gfr?", "answer", "", now)
	assert.Equal(t, DefaultModel, e.ModelUsed)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.True(t, now.Equal(e.Timestamp))

	e = NewQueryLogEntry("u1", ModalityPDF, "PDF: labs.pdf", "summary", "gpt-4o", now)
	assert.Equal(t, "gpt-4o", e.ModelUsed)
}

func TestModality_Valid(t *testing.T) {
	assert.True(t, ModalityText.Valid())
	assert.True(t, ModalityImage.Valid())
	assert.True(t, ModalityPDF.Valid())
	assert.False(t, Modality("audio").Valid())
}
