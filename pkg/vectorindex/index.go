// Package vectorindex stores transcript chunks as embeddings and answers
// nearest-neighbour queries over them.
//
// An Index is an explicitly owned resource: it is opened once, injected into
// the task processor and the recollector, and closed once at shutdown.
package vectorindex

import (
	"context"
	"errors"
)

// Payload keys written with every chunk.
const (
	KeyChunkID        = "chunk_id"
	KeyConversationID = "conversation_id"
	KeyContent        = "content"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// index dimension.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("vectorindex: index closed")
)

// Document is a chunk of text stored in the index. ID is caller-chosen and
// stable, so adding a document with an existing ID replaces it.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ConversationID returns the conversation the document was cut from.
func (d Document) ConversationID() string {
	s, _ := d.Metadata[KeyConversationID].(string)
	return s
}

// SearchResult is a document returned by a similarity search. Embedding is
// the stored vector when the backend returns it.
type SearchResult struct {
	Document
	Score     float32   `json:"score"`
	Embedding []float32 `json:"-"`
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector index collaborator.
type Index interface {
	// AddDocuments embeds and upserts docs keyed by their IDs.
	AddDocuments(ctx context.Context, docs []Document) error

	// SimilaritySearchWithScore returns up to k documents closest to query,
	// best first, with their stored embeddings.
	SimilaritySearchWithScore(ctx context.Context, query []float32, k int) ([]SearchResult, error)

	// Delete removes documents by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Close releases the backend connection.
	Close() error
}

// Func adapts a plain function to Embedder. Query embedding goes through
// the same function.
type Func func(ctx context.Context, texts []string) ([][]float32, error)

// EmbedDocuments implements Embedder.
func (f Func) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// EmbedQuery implements Embedder.
func (f Func) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := f(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, errors.New("vectorindex: embedder returned no vector")
	}
	return out[0], nil
}

func embedAll(ctx context.Context, e Embedder, docs []Document, dimension int) ([][]float32, error) {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := e.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(docs) {
		return nil, errors.New("vectorindex: embedder returned wrong number of vectors")
	}
	if dimension > 0 {
		for _, v := range vectors {
			if len(v) != dimension {
				return nil, ErrDimensionMismatch
			}
		}
	}
	return vectors, nil
}
