package domain

import (
	"errors"
	"fmt"
)

// Sentinels for the error taxonomy. Every typed error below unwraps to one of them.
var (
	ErrIngestion         = errors.New("ingestion failed")
	ErrIndexCorrupt      = errors.New("index corrupt")
	ErrIndexNotFound     = errors.New("index not built")
	ErrEmbeddingProvider = errors.New("embedding provider failed")
	ErrGeneration        = errors.New("generation failed")
	ErrInvalidInput      = errors.New("invalid input")
)

// IngestionError reports a source file that could not be read or parsed.
// Batch builds record it in their report and continue with the next file.
type IngestionError struct {
	Path string
	Err  error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Path, e.Err)
}

func (e *IngestionError) Unwrap() []error { return []error{ErrIngestion, e.Err} }

// IndexCorruptError reports an index file that is unreadable or whose
// recorded dimensionality does not match what the caller expects.
type IndexCorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *IndexCorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("index %s corrupt: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("index %s corrupt: %s", e.Path, e.Reason)
}

func (e *IndexCorruptError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrIndexCorrupt, e.Err}
	}
	return []error{ErrIndexCorrupt}
}

// EmbeddingProviderError wraps a failed upstream embedding call.
type EmbeddingProviderError struct {
	Provider string
	Err      error
}

func (e *EmbeddingProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *EmbeddingProviderError) Unwrap() []error { return []error{ErrEmbeddingProvider, e.Err} }

// GenerationError wraps a failed upstream chat completion.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation with %s: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGeneration, e.Err} }
