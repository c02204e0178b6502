// Package vectorindex implements the exact nearest-neighbour indexes used for
// text chunks and images, their on-disk format, and the process-wide cache.
package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Metric is the scoring function an index was built with. It is persisted
// with the index so queries always score the way the build did.
type Metric string

const (
	// MetricCosine scores by cosine similarity; higher is closer.
	MetricCosine Metric = "cosine"
	// MetricL2 scores by Euclidean distance; lower is closer.
	MetricL2 Metric = "l2"
)

func (m Metric) valid() bool {
	return m == MetricCosine || m == MetricL2
}

// ErrDimensionMismatch is returned when a vector does not match the index dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Hit is one search result.
type Hit struct {
	Row     int     // Insertion position of the matched vector
	Score   float32 // Similarity for MetricCosine, distance for MetricL2
	Payload []byte  // Opaque JSON stored alongside the vector
}

// Index is an exact (brute force) vector index for one modality.
// It is built by Add and then only read; it is not safe to Add while searching.
type Index struct {
	dim      int
	metric   Metric
	builtAt  time.Time
	vectors  [][]float32
	norms    []float64
	payloads [][]byte
}

// New creates an empty index of the given dimension and metric.
func New(dim int, metric Metric) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dim)
	}
	if !metric.valid() {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return &Index{dim: dim, metric: metric, builtAt: time.Now().UTC()}, nil
}

// Dimension returns the fixed vector length of the index.
func (idx *Index) Dimension() int { return idx.dim }

// Metric returns the scoring function of the index.
func (idx *Index) Metric() Metric { return idx.metric }

// Len returns the number of vectors in the index.
func (idx *Index) Len() int { return len(idx.vectors) }

// BuiltAt returns when the index was created.
func (idx *Index) BuiltAt() time.Time { return idx.builtAt }

// Payload returns the payload stored at row.
func (idx *Index) Payload(row int) []byte { return idx.payloads[row] }

// Vector returns the vector stored at row. Callers must not modify it.
func (idx *Index) Vector(row int) []float32 { return idx.vectors[row] }

// Add appends a vector and its payload and returns the row it was stored at.
func (idx *Index) Add(vector []float32, payload []byte) (int, error) {
	if len(vector) != idx.dim {
		return 0, fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vector), idx.dim)
	}
	v := make([]float32, len(vector))
	copy(v, vector)
	idx.vectors = append(idx.vectors, v)
	idx.norms = append(idx.norms, norm(v))
	idx.payloads = append(idx.payloads, payload)
	return len(idx.vectors) - 1, nil
}

// Search returns the min(k, Len()) rows closest to query, closest first.
// Equal scores keep insertion order. k <= 0 returns no hits.
func (idx *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), idx.dim)
	}
	n := min(max(k, 0), len(idx.vectors))
	if n == 0 {
		return []Hit{}, nil
	}

	scores := make([]float64, len(idx.vectors))
	qnorm := norm(query)
	for i, v := range idx.vectors {
		switch idx.metric {
		case MetricL2:
			scores[i] = euclidean(query, v)
		default:
			scores[i] = cosine(query, v, qnorm, idx.norms[i])
		}
	}

	rows := make([]int, len(scores))
	for i := range rows {
		rows[i] = i
	}
	sort.SliceStable(rows, func(a, b int) bool {
		if idx.metric == MetricL2 {
			return scores[rows[a]] < scores[rows[b]]
		}
		return scores[rows[a]] > scores[rows[b]]
	})

	hits := make([]Hit, n)
	for i, row := range rows[:n] {
		hits[i] = Hit{Row: row, Score: float32(scores[row]), Payload: idx.payloads[row]}
	}
	return hits, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosine treats a zero vector as orthogonal to everything.
func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}
