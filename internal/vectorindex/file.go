package vectorindex

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bull/medassist/internal/domain"
)

const formatVersion = 1

var (
	bucketMeta     = []byte("meta")
	bucketVectors  = []byte("vectors")
	bucketPayloads = []byte("payloads")
	keyHeader      = []byte("header")
)

// header is the single record of the meta bucket.
type header struct {
	Version   int       `json:"version"`
	Dimension int       `json:"dimension"`
	Metric    Metric    `json:"metric"`
	Count     int       `json:"count"`
	BuiltAt   time.Time `json:"built_at"`
}

// Save writes idx to path. The file is built next to path under a temporary
// name and renamed over it once bbolt has committed, so readers see either the
// old index or the new one.
func Save(idx *Index, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath) // no-op after a successful rename

	db, err := bbolt.Open(tmpPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open temp index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		vectors, err := tx.CreateBucket(bucketVectors)
		if err != nil {
			return err
		}
		payloads, err := tx.CreateBucket(bucketPayloads)
		if err != nil {
			return err
		}

		h, err := json.Marshal(header{
			Version:   formatVersion,
			Dimension: idx.dim,
			Metric:    idx.metric,
			Count:     idx.Len(),
			BuiltAt:   idx.builtAt,
		})
		if err != nil {
			return err
		}
		if err := meta.Put(keyHeader, h); err != nil {
			return err
		}

		for row := range idx.vectors {
			key := rowKey(row)
			if err := vectors.Put(key, encodeVector(idx.vectors[row])); err != nil {
				return err
			}
			if err := payloads.Put(key, idx.payloads[row]); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write index %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace index %s: %w", path, err)
	}
	return nil
}

// Load reads the index at path. A missing file yields domain.ErrIndexNotFound.
// An unreadable file, or one whose dimension differs from wantDim, yields a
// *domain.IndexCorruptError. wantDim <= 0 skips the dimension check.
func Load(path string, wantDim int) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotFound, path)
		}
		return nil, &domain.IndexCorruptError{Path: path, Reason: "stat", Err: err}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, &domain.IndexCorruptError{Path: path, Reason: "not an index file", Err: err}
	}
	defer db.Close()

	var idx *Index
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		vectors := tx.Bucket(bucketVectors)
		payloads := tx.Bucket(bucketPayloads)
		if meta == nil || vectors == nil || payloads == nil {
			return errors.New("missing bucket")
		}

		var h header
		if err := json.Unmarshal(meta.Get(keyHeader), &h); err != nil {
			return fmt.Errorf("decode header: %w", err)
		}
		if h.Version != formatVersion {
			return fmt.Errorf("unsupported format version %d", h.Version)
		}

		loaded, err := New(h.Dimension, h.Metric)
		if err != nil {
			return err
		}
		loaded.builtAt = h.BuiltAt

		for row := 0; row < h.Count; row++ {
			key := rowKey(row)
			raw := vectors.Get(key)
			if raw == nil {
				return fmt.Errorf("row %d missing", row)
			}
			vec, err := decodeVector(raw)
			if err != nil {
				return fmt.Errorf("row %d: %w", row, err)
			}
			payload := payloads.Get(key)
			// bbolt memory is only valid inside the transaction
			if _, err := loaded.Add(vec, append([]byte(nil), payload...)); err != nil {
				return fmt.Errorf("row %d: %w", row, err)
			}
		}
		if n := vectors.Stats().KeyN; n != h.Count {
			return fmt.Errorf("header counts %d rows, file holds %d", h.Count, n)
		}
		idx = loaded
		return nil
	})
	if err != nil {
		return nil, &domain.IndexCorruptError{Path: path, Reason: "unreadable", Err: err}
	}

	if wantDim > 0 && idx.dim != wantDim {
		return nil, &domain.IndexCorruptError{
			Path:   path,
			Reason: fmt.Sprintf("dimension %d, embedder produces %d", idx.dim, wantDim),
		}
	}
	return idx, nil
}

func rowKey(row int) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(row))
	return key[:]
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector has %d bytes", len(raw))
	}
	v := make([]float32, len(raw)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return v, nil
}
