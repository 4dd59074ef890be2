package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine index held in process memory.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	embedder  Embedder
	docs      map[string]Document
	vectors   map[string][]float32
	closed    bool
}

// NewMemoryIndex creates an in-memory index. A dimension of zero accepts
// whatever length the first vector has.
func NewMemoryIndex(embedder Embedder, dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		embedder:  embedder,
		docs:      make(map[string]Document),
		vectors:   make(map[string][]float32),
	}
}

// AddDocuments implements Index.
func (m *MemoryIndex) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := m.checkOpen(); err != nil {
		return err
	}
	vectors, err := embedAll(ctx, m.embedder, docs, m.dimension)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension == 0 {
		m.dimension = len(vectors[0])
	}
	for i, d := range docs {
		if len(vectors[i]) != m.dimension {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, m.dimension, len(vectors[i]))
		}
		m.docs[d.ID] = d
		m.vectors[d.ID] = vectors[i]
	}
	return nil
}

// SimilaritySearchWithScore implements Index. Equal scores are ordered by ID.
func (m *MemoryIndex) SimilaritySearchWithScore(_ context.Context, query []float32, k int) ([]SearchResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dimension > 0 && len(query) != m.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, m.dimension, len(query))
	}

	results := make([]SearchResult, 0, len(m.vectors))
	for id, vec := range m.vectors {
		results = append(results, SearchResult{
			Document:  m.docs[id],
			Score:     float32(cosine(query, vec)),
			Embedding: vec,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if k >= 0 && k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Delete implements Index.
func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs, id)
		delete(m.vectors, id)
	}
	return nil
}

// Get returns a stored document.
func (m *MemoryIndex) Get(id string) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	return d, ok
}

// Len returns the number of stored documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Close implements Index.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

var _ Index = (*MemoryIndex)(nil)
