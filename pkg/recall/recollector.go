package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/vectorindex"
)

// Defaults for the recollector.
const (
	DefaultCandidates   = 24
	DefaultLimit        = 6
	DefaultEmbedTimeout = 10 * time.Second
	DefaultCacheSize    = 512
	DefaultCacheTTL     = 15 * time.Minute
)

// ConversationSource resolves conversation metadata for recalled chunks.
type ConversationSource interface {
	GetConversation(ctx context.Context, id string) (*ledger.Conversation, error)
}

// Conversation is the metadata attached to a hit.
type Conversation struct {
	ID        string     `json:"id"`
	Summary   string     `json:"summary,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Keywords  []string   `json:"keywords,omitempty"`
	PlaceTags []string   `json:"placeTags,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// Hit is one recalled chunk.
type Hit struct {
	ChunkID        string        `json:"chunkId"`
	ConversationID string        `json:"conversationId"`
	Content        string        `json:"content"`
	Score          float32       `json:"score"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}

// Options tune a single Recall call. Zero values use the recollector's
// configuration.
type Options struct {
	Limit      int
	Candidates int
	Lambda     *float64

	// ExcludeConversation drops chunks of the named conversation, usually
	// the one currently in progress.
	ExcludeConversation string
}

// Recollector answers recall queries.
type Recollector struct {
	embedder     vectorindex.Embedder
	index        vectorindex.Index
	source       ConversationSource
	reranker     *Reranker
	lambda       float64
	candidates   int
	limit        int
	embedTimeout time.Duration
	cacheTTL     time.Duration
	log          logger.Logger

	paramsMu sync.RWMutex

	cacheMu sync.Mutex
	cache   *lru.Cache
}

type cacheEntry struct {
	vector    []float32
	expiresAt time.Time
}

// Option configures a Recollector.
type Option func(*Recollector)

// WithCandidates sets the number of results pulled from the index.
func WithCandidates(n int) Option {
	return func(r *Recollector) { r.candidates = n }
}

// WithLimit sets the number of hits returned.
func WithLimit(n int) Option {
	return func(r *Recollector) { r.limit = n }
}

// WithLambda sets the MMR relevance weight.
func WithLambda(lambda float64) Option {
	return func(r *Recollector) { r.lambda = lambda }
}

// WithEmbedTimeout bounds the query embedding call.
func WithEmbedTimeout(d time.Duration) Option {
	return func(r *Recollector) { r.embedTimeout = d }
}

// WithCache sets the query embedding cache size and entry lifetime. A size
// of zero disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(r *Recollector) {
		r.cache = nil
		if size > 0 {
			r.cache, _ = lru.New(size)
		}
		r.cacheTTL = ttl
	}
}

// WithConversations enables conversation metadata enrichment.
func WithConversations(src ConversationSource) Option {
	return func(r *Recollector) { r.source = src }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Recollector) { r.log = logger.OrGlobal(l).With("component", "recollector") }
}

// NewRecollector creates a Recollector over index.
func NewRecollector(embedder vectorindex.Embedder, index vectorindex.Index, opts ...Option) *Recollector {
	r := &Recollector{
		embedder:     embedder,
		index:        index,
		candidates:   DefaultCandidates,
		limit:        DefaultLimit,
		lambda:       DefaultLambda,
		embedTimeout: DefaultEmbedTimeout,
		cacheTTL:     DefaultCacheTTL,
		log:          logger.Global().With("component", "recollector"),
	}
	r.cache, _ = lru.New(DefaultCacheSize)
	for _, opt := range opts {
		opt(r)
	}
	r.reranker = NewReranker(r.lambda, r.log)
	return r
}

// Recall returns the chunks most useful for query: the top candidates by
// vector similarity are narrowed to a diverse subset with MMR, which is
// then ordered by relevance.
func (r *Recollector) Recall(ctx context.Context, query string, opts Options) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Hit{}, nil
	}
	r.paramsMu.RLock()
	limit, reranker := r.limit, r.reranker
	r.paramsMu.RUnlock()

	if opts.Limit > 0 {
		limit = opts.Limit
	}
	candidates := r.candidates
	if opts.Candidates > 0 {
		candidates = opts.Candidates
	}
	if candidates < limit {
		candidates = limit
	}
	lambda := reranker.Lambda()
	if opts.Lambda != nil {
		lambda = *opts.Lambda
	}

	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := r.index.SimilaritySearchWithScore(ctx, vec, candidates)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if opts.ExcludeConversation != "" {
		kept := results[:0]
		for _, res := range results {
			if res.ConversationID() != opts.ExcludeConversation {
				kept = append(kept, res)
			}
		}
		results = kept
	}
	if len(results) == 0 {
		r.log.DebugContext(ctx, "recall found no candidates")
		return []Hit{}, nil
	}

	embeddings := EmbeddingsOf(results)
	diverse, err := reranker.MMRWithLambda(ctx, vec, embeddings, results, lambda)
	if err != nil {
		return nil, err
	}
	if len(diverse) > limit {
		diverse = diverse[:limit]
	}
	ordered, err := ByRelevance(vec, embeddings, diverse)
	if err != nil {
		return nil, err
	}

	return r.enrich(ctx, ordered), nil
}

// Tune replaces the relevance weight and hit limit used by later calls.
func (r *Recollector) Tune(lambda float64, limit int) {
	r.paramsMu.Lock()
	defer r.paramsMu.Unlock()
	r.reranker = NewReranker(lambda, r.log)
	if limit > 0 {
		r.limit = limit
	}
}

func (r *Recollector) embed(ctx context.Context, query string) ([]float32, error) {
	if v, ok := r.cached(query); ok {
		return v, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.embedTimeout)
	defer cancel()
	v, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embed query timed out after %s: %w", r.embedTimeout, err)
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}

	if r.cache != nil {
		r.cacheMu.Lock()
		r.cache.Add(query, cacheEntry{vector: v, expiresAt: time.Now().Add(r.cacheTTL)})
		r.cacheMu.Unlock()
	}
	return v, nil
}

func (r *Recollector) cached(query string) ([]float32, bool) {
	if r.cache == nil {
		return nil, false
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	val, ok := r.cache.Get(query)
	if !ok {
		return nil, false
	}
	entry := val.(cacheEntry)
	if r.cacheTTL > 0 && time.Now().After(entry.expiresAt) {
		r.cache.Remove(query)
		return nil, false
	}
	return entry.vector, true
}

// enrich attaches conversation metadata. Chunks of deleted conversations
// are dropped; lookup errors leave the hit without metadata.
func (r *Recollector) enrich(ctx context.Context, results []vectorindex.SearchResult) []Hit {
	convs := make(map[string]*Conversation)
	missing := make(map[string]bool)
	hits := make([]Hit, 0, len(results))

	for _, res := range results {
		hit := Hit{
			ChunkID:        res.ID,
			ConversationID: res.ConversationID(),
			Content:        res.Content,
			Score:          res.Score,
		}
		if r.source != nil && hit.ConversationID != "" {
			id := hit.ConversationID
			if missing[id] {
				continue
			}
			info, ok := convs[id]
			if !ok {
				conv, err := r.source.GetConversation(ctx, id)
				switch {
				case errors.Is(err, ledger.ErrConversationNotFound):
					missing[id] = true
					continue
				case err != nil:
					r.log.WarnContext(ctx, "recall enrichment failed", "conversation_id", id, "error", err)
				default:
					info = &Conversation{
						ID:        conv.ID,
						Summary:   conv.Summary,
						Tags:      conv.Tags,
						Keywords:  conv.Keywords,
						PlaceTags: conv.PlaceTags,
						StartedAt: conv.StartedAt,
						ClosedAt:  conv.ClosedAt,
					}
				}
				convs[id] = info
			}
			hit.Conversation = info
		}
		hits = append(hits, hit)
	}
	return hits
}
