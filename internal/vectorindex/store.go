package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bull/medassist/internal/domain"
)

// Kind names one of the two independent indexes.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Index and sidecar file names inside the index directory.
const (
	TextFile    = "text.idx"
	ImageFile   = "image.idx"
	SidecarFile = "image_meta.json"
)

// ErrBuildInProgress is returned when a second build of the same kind starts
// while the first still holds the build lock.
var ErrBuildInProgress = errors.New("index build already in progress")

// Searcher answers nearest-neighbour queries against the published index of a kind.
type Searcher interface {
	Search(ctx context.Context, kind Kind, query []float32, k int) ([]Hit, error)
}

// Publisher replaces the published index of a kind.
type Publisher interface {
	Lock(kind Kind) (unlock func(), err error)
	Publish(ctx context.Context, kind Kind, idx *Index) error
}

// Backend is the full surface the application wires: the local file store
// and the Qdrant store both implement it.
type Backend interface {
	Searcher
	Publisher
	Status(ctx context.Context) []Status
}

// Status describes one published index.
type Status struct {
	Kind      Kind      `json:"kind"`
	Location  string    `json:"location"`
	Exists    bool      `json:"exists"`
	Rows      int       `json:"rows"`
	Dimension int       `json:"dimension,omitempty"`
	Metric    Metric    `json:"metric,omitempty"`
	BuiltAt   time.Time `json:"built_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// locker hands out one non-blocking build lock per kind.
type locker struct {
	mu    sync.Mutex
	locks map[Kind]*sync.Mutex
}

func (l *locker) Lock(kind Kind) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[Kind]*sync.Mutex)
	}
	m, ok := l.locks[kind]
	if !ok {
		m = &sync.Mutex{}
		l.locks[kind] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrBuildInProgress, kind)
	}
	return m.Unlock, nil
}

// StoreOptions configures a local Store.
type StoreOptions struct {
	Dir            string
	TextDimension  int // expected by Load; 0 disables the check
	ImageDimension int
	Logger         *slog.Logger
}

// Store owns the index files in one directory and caches the loaded indexes
// for the whole process. A cached index is reloaded when the file's
// modification time or size changes, or after Invalidate.
type Store struct {
	locker

	dir    string
	dims   map[Kind]int
	logger *slog.Logger

	mu    sync.Mutex
	cache map[Kind]*cachedIndex
}

type cachedIndex struct {
	idx     *Index
	modTime time.Time
	size    int64
}

// NewStore creates a store rooted at opts.Dir. Nothing is read until the
// first query.
func NewStore(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir: opts.Dir,
		dims: map[Kind]int{
			KindText:  opts.TextDimension,
			KindImage: opts.ImageDimension,
		},
		logger: logger,
		cache:  make(map[Kind]*cachedIndex),
	}
}

// Path returns the index file of kind.
func (s *Store) Path(kind Kind) string {
	if kind == KindImage {
		return filepath.Join(s.dir, ImageFile)
	}
	return filepath.Join(s.dir, TextFile)
}

// SidecarPath returns the image metadata sidecar file.
func (s *Store) SidecarPath() string {
	return filepath.Join(s.dir, SidecarFile)
}

// Get returns the cached index of kind, loading it if the file changed.
func (s *Store) Get(ctx context.Context, kind Kind) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		delete(s.cache, kind)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotFound, path)
		}
		return nil, &domain.IndexCorruptError{Path: path, Reason: "stat", Err: err}
	}

	if c, ok := s.cache[kind]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.idx, nil
	}

	idx, err := Load(path, s.dims[kind])
	if err != nil {
		delete(s.cache, kind)
		return nil, err
	}
	s.cache[kind] = &cachedIndex{idx: idx, modTime: info.ModTime(), size: info.Size()}
	s.logger.Info("loaded index", "kind", kind, "rows", idx.Len(), "dimension", idx.Dimension(), "metric", idx.Metric())
	return idx, nil
}

// Text returns the cached text index.
func (s *Store) Text(ctx context.Context) (*Index, error) { return s.Get(ctx, KindText) }

// Image returns the cached image index.
func (s *Store) Image(ctx context.Context) (*Index, error) { return s.Get(ctx, KindImage) }

// Invalidate drops the cached index of kind so the next query reloads it.
func (s *Store) Invalidate(kind Kind) {
	s.mu.Lock()
	delete(s.cache, kind)
	s.mu.Unlock()
}

// Search runs a query against the published index of kind.
func (s *Store) Search(ctx context.Context, kind Kind, query []float32, k int) ([]Hit, error) {
	idx, err := s.Get(ctx, kind)
	if err != nil {
		return nil, err
	}
	return idx.Search(query, k)
}

// Publish saves idx as the index of kind and invalidates the cache. For
// images the sidecar is rewritten from the row payloads afterwards. Callers
// are expected to hold the build lock of kind.
func (s *Store) Publish(ctx context.Context, kind Kind, idx *Index) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if want := s.dims[kind]; want > 0 && idx.Dimension() != want {
		return fmt.Errorf("%w: %s index has %d, store expects %d", ErrDimensionMismatch, kind, idx.Dimension(), want)
	}

	if err := Save(idx, s.Path(kind)); err != nil {
		return err
	}
	s.Invalidate(kind)

	if kind == KindImage {
		if err := WriteSidecar(idx, s.SidecarPath()); err != nil {
			return err
		}
	}

	s.logger.Info("published index", "kind", kind, "rows", idx.Len(), "path", s.Path(kind))
	return nil
}

// VerifyImageMetadata checks that the sidecar has one record per image row
// and that each record names the same image as the row payload.
func (s *Store) VerifyImageMetadata(ctx context.Context) error {
	idx, err := s.Image(ctx)
	if err != nil {
		return err
	}
	records, err := LoadSidecar(s.SidecarPath(), idx.Len())
	if err != nil {
		return err
	}
	want, err := sidecarRecords(idx)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ImagePath != want[i].ImagePath {
			return &domain.IndexCorruptError{
				Path:   s.SidecarPath(),
				Reason: fmt.Sprintf("record %d names %q, index row names %q", i, records[i].ImagePath, want[i].ImagePath),
			}
		}
	}
	return nil
}

// Status reports both indexes. Errors are reported in the result, not returned.
func (s *Store) Status(ctx context.Context) []Status {
	out := make([]Status, 0, 2)
	for _, kind := range []Kind{KindText, KindImage} {
		st := Status{Kind: kind, Location: s.Path(kind)}
		idx, err := s.Get(ctx, kind)
		switch {
		case errors.Is(err, domain.ErrIndexNotFound):
		case err != nil:
			st.Exists = true
			st.Error = err.Error()
		default:
			st.Exists = true
			st.Rows = idx.Len()
			st.Dimension = idx.Dimension()
			st.Metric = idx.Metric()
			st.BuiltAt = idx.BuiltAt()
			if kind == KindImage {
				if err := s.VerifyImageMetadata(ctx); err != nil {
					st.Error = err.Error()
				}
			}
		}
		out = append(out, st)
	}
	return out
}
