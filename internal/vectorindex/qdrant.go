package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/bull/medassist/internal/domain"
)

// ErrQdrantUnreachable is returned when the startup health check gives up.
var ErrQdrantUnreachable = errors.New("qdrant server unreachable")

const upsertBatchSize = 100

// QdrantStore keeps each index kind in its own Qdrant collection, reached
// through a stable alias ("medassist_text", "medassist_image"). A rebuild
// fills a fresh collection and swaps the alias in one request, so queries
// never see a partially written index.
type QdrantStore struct {
	locker

	client  *qdrant.Client
	prefix  string
	dims    map[Kind]int
	sidecar string
	logger  *slog.Logger
}

// QdrantOptions configures a QdrantStore.
type QdrantOptions struct {
	Host           string
	Port           int
	APIKey         string
	Prefix         string // alias prefix, default "medassist"
	TextDimension  int
	ImageDimension int
	SidecarPath    string // local image metadata sidecar; "" disables it
	Logger         *slog.Logger
}

// NewQdrantStore connects to Qdrant and fails fast if the server does not
// answer a health check within 30 seconds.
func NewQdrantStore(ctx context.Context, opts QdrantOptions) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "medassist"
	}

	s := &QdrantStore{
		client: client,
		prefix: prefix,
		dims: map[Kind]int{
			KindText:  opts.TextDimension,
			KindImage: opts.ImageDimension,
		},
		sidecar: opts.SidecarPath,
		logger:  logger,
	}

	if err := backoff.Retry(func() error { return s.Health(ctx) }, newBackoff(ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return s, nil
}

// newBackoff: initial interval 500ms, max interval 10s, max elapsed 30s.
func newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

// Health performs a single health check against Qdrant.
func (s *QdrantStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Alias returns the alias queries for kind are sent to.
func (s *QdrantStore) Alias(kind Kind) string {
	return s.prefix + "_" + string(kind)
}

func distanceFor(m Metric) qdrant.Distance {
	if m == MetricL2 {
		return qdrant.Distance_Euclid
	}
	return qdrant.Distance_Cosine
}

func metricFor(d qdrant.Distance) Metric {
	if d == qdrant.Distance_Euclid {
		return MetricL2
	}
	return MetricCosine
}

// Publish uploads idx into a new collection, points the alias of kind at it
// and drops the collection the alias used to point at. Image publishes also
// rewrite the local sidecar from the row payloads.
func (s *QdrantStore) Publish(ctx context.Context, kind Kind, idx *Index) error {
	if want := s.dims[kind]; want > 0 && idx.Dimension() != want {
		return fmt.Errorf("%w: %s index has %d, store expects %d", ErrDimensionMismatch, kind, idx.Dimension(), want)
	}

	alias := s.Alias(kind)
	collection := alias + "_" + uuid.NewString()[:8]

	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(idx.Dimension()),
			Distance: distanceFor(idx.Metric()),
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}

	if err := s.upload(ctx, collection, idx); err != nil {
		_ = s.client.DeleteCollection(ctx, collection)
		return err
	}

	previous, err := s.aliasTarget(ctx, alias)
	if err != nil {
		_ = s.client.DeleteCollection(ctx, collection)
		return err
	}

	ops := []*qdrant.AliasOperations{}
	if previous != "" {
		ops = append(ops, qdrant.NewAliasDelete(alias))
	}
	ops = append(ops, qdrant.NewAliasCreate(alias, collection))
	if err := s.client.UpdateAliases(ctx, ops); err != nil {
		_ = s.client.DeleteCollection(ctx, collection)
		return fmt.Errorf("failed to swap alias %s: %w", alias, err)
	}

	if previous != "" {
		if err := s.client.DeleteCollection(ctx, previous); err != nil {
			s.logger.Warn("failed to drop previous collection", "collection", previous, "error", err)
		}
	}

	if kind == KindImage && s.sidecar != "" {
		if err := WriteSidecar(idx, s.sidecar); err != nil {
			return err
		}
	}

	s.logger.Info("published index", "kind", kind, "rows", idx.Len(), "collection", collection)
	return nil
}

// upload upserts idx in batches of 100. Point IDs are row numbers.
func (s *QdrantStore) upload(ctx context.Context, collection string, idx *Index) error {
	for start := 0; start < idx.Len(); start += upsertBatchSize {
		end := min(start+upsertBatchSize, idx.Len())

		points := make([]*qdrant.PointStruct, 0, end-start)
		for row := start; row < end; row++ {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDNum(uint64(row)),
				Vectors: qdrant.NewVectors(idx.Vector(row)...),
				Payload: qdrant.NewValueMap(map[string]any{
					"row":     row,
					"payload": string(idx.Payload(row)),
				}),
			})
		}

		operation := func() error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: collection,
				Points:         points,
				Wait:           qdrant.PtrOf(true),
			})
			return err
		}
		if err := backoff.Retry(operation, newBackoff(ctx)); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// aliasTarget returns the collection alias points at, or "" if the alias
// does not exist.
func (s *QdrantStore) aliasTarget(ctx context.Context, alias string) (string, error) {
	aliases, err := s.client.ListAliases(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list aliases: %w", err)
	}
	for _, a := range aliases {
		if a.GetAliasName() == alias {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

// Search queries the collection behind the alias of kind. Results follow the
// collection's distance: similarity descending for cosine, distance
// ascending for Euclid.
func (s *QdrantStore) Search(ctx context.Context, kind Kind, query []float32, k int) ([]Hit, error) {
	if want := s.dims[kind]; want > 0 && len(query) != want {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d", ErrDimensionMismatch, len(query), want)
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	alias := s.Alias(kind)
	target, err := s.aliasTarget(ctx, alias)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, fmt.Errorf("%w: qdrant alias %s", domain.ErrIndexNotFound, alias)
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: alias,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", alias, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		payload := r.GetPayload()
		hits = append(hits, Hit{
			Row:     int(payload["row"].GetIntegerValue()),
			Score:   r.GetScore(),
			Payload: []byte(payload["payload"].GetStringValue()),
		})
	}
	return hits, nil
}

// Status reports the collection behind each alias.
func (s *QdrantStore) Status(ctx context.Context) []Status {
	out := make([]Status, 0, 2)
	for _, kind := range []Kind{KindText, KindImage} {
		alias := s.Alias(kind)
		st := Status{Kind: kind, Location: "qdrant:" + alias}

		target, err := s.aliasTarget(ctx, alias)
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		if target == "" {
			out = append(out, st)
			continue
		}

		st.Exists = true
		info, err := s.client.GetCollectionInfo(ctx, target)
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.Rows = int(info.GetPointsCount())
		if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
			st.Dimension = int(params.GetSize())
			st.Metric = metricFor(params.GetDistance())
		}
		if kind == KindImage && s.sidecar != "" {
			if _, err := LoadSidecar(s.sidecar, st.Rows); err != nil {
				st.Error = err.Error()
			}
		}
		out = append(out, st)
	}
	return out
}
