package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds Qdrant connection configuration.
type QdrantConfig struct {
	// URL is the server address, e.g. "http://localhost:6334".
	URL string

	// Collection is the collection holding transcript chunks.
	Collection string

	// APIKey is optional.
	APIKey string

	// Dimension is the embedding size used when creating the collection.
	Dimension int
}

// QdrantIndex implements Index on a Qdrant collection.
type QdrantIndex struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	dimension  int
}

// NewQdrantIndex connects to Qdrant. Call Open before use to make sure the
// collection exists.
func NewQdrantIndex(cfg QdrantConfig, embedder Embedder) (*QdrantIndex, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}

	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantIndex{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}, nil
}

func parseQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to parse qdrant url: %w", err)
	}
	port = 6334
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port: %w", err)
		}
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

// Open creates the collection with cosine distance if it does not exist.
func (q *QdrantIndex) Open(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("qdrant collection check failed: %w", err)
	}
	if exists {
		return nil
	}
	if q.dimension <= 0 {
		return fmt.Errorf("qdrant collection %s missing and no dimension configured", q.collection)
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection failed: %w", err)
	}
	return nil
}

// pointID maps a chunk id onto the UUID space Qdrant accepts.
func pointID(chunkID string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String())
}

// AddDocuments implements Index.
func (q *QdrantIndex) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	vectors, err := embedAll(ctx, q.embedder, docs, q.dimension)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		payload, err := qdrant.TryValueMap(documentPayload(d))
		if err != nil {
			return fmt.Errorf("chunk %s payload: %w", d.ID, err)
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(d.ID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: payload,
		}
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func documentPayload(d Document) map[string]any {
	payload := make(map[string]any, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		payload[k] = v
	}
	payload[KeyChunkID] = d.ID
	payload[KeyContent] = d.Content
	return payload
}

// SimilaritySearchWithScore implements Index.
func (q *QdrantIndex) SimilaritySearchWithScore(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if q.dimension > 0 && len(query) != q.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, q.dimension, len(query))
	}
	limit := uint64(k)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, SearchResult{
			Document:  payloadDocument(p.GetPayload()),
			Score:     p.GetScore(),
			Embedding: denseVector(p.GetVectors()),
		})
	}
	return results, nil
}

func payloadDocument(payload map[string]*qdrant.Value) Document {
	d := Document{Metadata: make(map[string]any)}
	for k, v := range payload {
		switch k {
		case KeyChunkID:
			d.ID = v.GetStringValue()
		case KeyContent:
			d.Content = v.GetStringValue()
		default:
			d.Metadata[k] = extractValue(v)
		}
	}
	return d
}

func extractValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}

func denseVector(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVector()
	if out == nil {
		return nil
	}
	if dense := out.GetDense(); dense != nil {
		return dense.GetData()
	}
	return out.GetData()
}

// Delete implements Index.
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		points[i] = pointID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(points...),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

// Close implements Index.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

var _ Index = (*QdrantIndex)(nil)
