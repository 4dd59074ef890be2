// Package recall surfaces past conversation chunks for a query: it embeds
// the query, searches the vector index, picks a diverse subset with
// Maximal Marginal Relevance and presents it ordered by relevance.
package recall

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two vectors differ in length.
var ErrDimensionMismatch = errors.New("recall: vector dimension mismatch")

// Cosine returns the cosine similarity of a and b in [-1, 1]. It is 0 when
// either vector has zero norm.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push parallel vectors just past the bounds.
	return math.Max(-1, math.Min(1, sim)), nil
}
