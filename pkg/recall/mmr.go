package recall

import (
	"context"
	"math"
	"sort"

	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/vectorindex"
)

// DefaultLambda weights relevance over diversity.
const DefaultLambda = 0.7

// Embeddings maps a result id to its vector.
type Embeddings map[string][]float32

// EmbeddingsOf collects the stored embeddings carried by results.
func EmbeddingsOf(results []vectorindex.SearchResult) Embeddings {
	out := make(Embeddings, len(results))
	for _, r := range results {
		if len(r.Embedding) > 0 {
			out[r.ID] = r.Embedding
		}
	}
	return out
}

// Reranker orders search results.
type Reranker struct {
	lambda float64
	log    logger.Logger
}

// NewReranker creates a Reranker. lambda is clamped to [0, 1].
func NewReranker(lambda float64, log logger.Logger) *Reranker {
	return &Reranker{
		lambda: math.Max(0, math.Min(1, lambda)),
		log:    logger.OrGlobal(log).With("component", "reranker"),
	}
}

// Lambda returns the relevance weight.
func (r *Reranker) Lambda() float64 {
	return r.lambda
}

// MMR orders every result by Maximal Marginal Relevance. At each step the
// remaining candidate maximizing
//
//	lambda*sim(query, c) - (1-lambda)*max(sim(c, s) for s selected)
//
// is taken; ties go to the earlier result. Results without an embedding
// follow the ranked ones in their original order. With no embeddings at all
// the input order is returned unchanged.
func (r *Reranker) MMR(ctx context.Context, query []float32, embeddings Embeddings, results []vectorindex.SearchResult) ([]vectorindex.SearchResult, error) {
	return r.mmr(ctx, query, embeddings, results, r.lambda)
}

// MMRWithLambda is MMR with an explicit relevance weight.
func (r *Reranker) MMRWithLambda(ctx context.Context, query []float32, embeddings Embeddings, results []vectorindex.SearchResult, lambda float64) ([]vectorindex.SearchResult, error) {
	return r.mmr(ctx, query, embeddings, results, math.Max(0, math.Min(1, lambda)))
}

func (r *Reranker) mmr(ctx context.Context, query []float32, embeddings Embeddings, results []vectorindex.SearchResult, lambda float64) ([]vectorindex.SearchResult, error) {
	if len(results) == 0 {
		return []vectorindex.SearchResult{}, nil
	}
	if len(embeddings) == 0 {
		r.log.WarnContext(ctx, "no embeddings for rerank, keeping search order", "results", len(results))
		return append([]vectorindex.SearchResult(nil), results...), nil
	}

	var (
		candidates []int
		vectors    [][]float32
		rest       []int
	)
	for i, res := range results {
		if v, ok := embeddings[res.ID]; ok {
			candidates = append(candidates, i)
			vectors = append(vectors, v)
		} else {
			rest = append(rest, i)
		}
	}

	n := len(candidates)
	relevance := make([]float64, n)
	for i, v := range vectors {
		s, err := Cosine(query, v)
		if err != nil {
			return nil, err
		}
		relevance[i] = s
	}

	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		sim[i][i] = 1
		for j := i + 1; j < n; j++ {
			s, err := Cosine(vectors[i], vectors[j])
			if err != nil {
				return nil, err
			}
			sim[i][j], sim[j][i] = s, s
		}
	}

	out := make([]vectorindex.SearchResult, 0, len(results))
	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}
	var selected []int

	for len(remaining) > 0 {
		best, bestScore := -1, math.Inf(-1)
		for pos, c := range remaining {
			penalty := 0.0
			if len(selected) > 0 {
				penalty = math.Inf(-1)
				for _, s := range selected {
					penalty = math.Max(penalty, sim[c][s])
				}
			}
			score := lambda*relevance[c] - (1-lambda)*penalty
			if score > bestScore {
				best, bestScore = pos, score
			}
		}
		if best < 0 {
			best = 0
		}
		c := remaining[best]
		remaining = append(remaining[:best], remaining[best+1:]...)
		selected = append(selected, c)
		out = append(out, results[candidates[c]])
	}

	for _, i := range rest {
		out = append(out, results[i])
	}
	return out, nil
}

// ByRelevance stably sorts results by cosine similarity to query, highest
// first. Results without an embedding keep their relative order after the
// scored ones.
func ByRelevance(query []float32, embeddings Embeddings, results []vectorindex.SearchResult) ([]vectorindex.SearchResult, error) {
	type scored struct {
		res   vectorindex.SearchResult
		score float64
		ok    bool
	}
	items := make([]scored, len(results))
	for i, res := range results {
		items[i].res = res
		if v, ok := embeddings[res.ID]; ok {
			s, err := Cosine(query, v)
			if err != nil {
				return nil, err
			}
			items[i].score, items[i].ok = s, true
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ok != items[j].ok {
			return items[i].ok
		}
		return items[i].score > items[j].score
	})

	out := make([]vectorindex.SearchResult, len(items))
	for i, it := range items {
		out[i] = it.res
	}
	return out, nil
}
