package vectorindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bull/medassist/internal/domain"
)

// ImageMeta is one record of the image metadata sidecar. Record i describes
// row i of the image index.
type ImageMeta struct {
	ImagePath string `json:"image_path"`
}

// SaveSidecar writes records as a JSON array with the same temp+rename
// discipline as Save.
func SaveSidecar(records []ImageMeta, path string) error {
	if records == nil {
		records = []ImageMeta{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sidecar dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp sidecar: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace sidecar %s: %w", path, err)
	}
	return nil
}

// WriteSidecar derives one record per row of the image index idx from the row
// payloads and saves them at path.
func WriteSidecar(idx *Index, path string) error {
	records, err := sidecarRecords(idx)
	if err != nil {
		return err
	}
	return SaveSidecar(records, path)
}

func sidecarRecords(idx *Index) ([]ImageMeta, error) {
	records := make([]ImageMeta, idx.Len())
	for row := range records {
		if err := json.Unmarshal(idx.Payload(row), &records[row]); err != nil {
			return nil, fmt.Errorf("decode image payload %d: %w", row, err)
		}
	}
	return records, nil
}

// LoadSidecar reads the sidecar at path and checks it has exactly wantRows
// records. wantRows < 0 skips the check.
func LoadSidecar(path string, wantRows int) ([]ImageMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotFound, path)
		}
		return nil, &domain.IndexCorruptError{Path: path, Reason: "read sidecar", Err: err}
	}

	var records []ImageMeta
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &domain.IndexCorruptError{Path: path, Reason: "decode sidecar", Err: err}
	}
	if wantRows >= 0 && len(records) != wantRows {
		return nil, &domain.IndexCorruptError{
			Path:   path,
			Reason: fmt.Sprintf("sidecar has %d records, index has %d rows", len(records), wantRows),
		}
	}
	return records, nil
}
