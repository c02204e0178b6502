// Package upload stores request files for the duration of one call.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bull/medassist/internal/domain"
)

// DefaultMaxBytes caps a single upload.
const DefaultMaxBytes = 32 << 20

// ErrTooLarge is returned when an upload exceeds the size cap.
var ErrTooLarge = fmt.Errorf("%w: upload too large", domain.ErrInvalidInput)

// UniqueName returns a random file name that keeps the lowercased
// extension of filename.
func UniqueName(filename string) string {
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		return name + ext
	}
	return name
}

// Save copies at most maxBytes of r into dir under a unique name. The
// returned cleanup removes the file and is safe to call more than once.
func Save(dir, filename string, r io.Reader, maxBytes int64) (string, func(), error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(dir, UniqueName(filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("create upload file: %w", err)
	}
	cleanup := func() { os.Remove(path) }

	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxBytes {
		err = ErrTooLarge
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: empty upload", domain.ErrInvalidInput)
	}
	if err != nil {
		cleanup()
		if errors.Is(err, domain.ErrInvalidInput) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("write upload: %w", err)
	}
	return path, cleanup, nil
}

// ReadAll reads at most maxBytes from r, for uploads that never touch disk.
func ReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", domain.ErrInvalidInput)
	}
	return data, nil
}
