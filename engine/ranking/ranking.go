// Package ranking scores cached embeddings against a query vector.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
)

// Scored is a ranked embedding id.
type Scored struct {
	ID    string
	Score float64
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length are an error; a zero-norm vector yields NaN.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("ranking: cosine of %d and %d dimensions: %w", len(a), len(b), catalog.ErrDimensionMismatch)
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return math.NaN(), nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// Rank scores every record against query and returns at most topK entries
// with score >= threshold, best first.
func Rank(query []float32, records []catalog.EmbeddingRecord, topK int, threshold float64) ([]Scored, error) {
	return RankFunc(query, records, topK, threshold, nil)
}

// RankFunc is Rank with a predicate applied before truncation. Records for
// which accept returns false never take a slot. A nil accept keeps all.
func RankFunc(query []float32, records []catalog.EmbeddingRecord, topK int, threshold float64, accept func(id string) bool) ([]Scored, error) {
	if topK <= 0 || len(records) == 0 {
		return []Scored{}, nil
	}

	scored := make([]Scored, 0, len(records))
	for _, r := range records {
		if len(r.Vector) == 0 {
			continue
		}
		s, err := Cosine(query, r.Vector)
		if err != nil {
			return nil, fmt.Errorf("ranking: record %s: %w", r.ID, err)
		}
		if math.IsNaN(s) || s < threshold {
			continue
		}
		if accept != nil && !accept(r.ID) {
			continue
		}
		scored = append(scored, Scored{ID: r.ID, Score: s})
	}

	// Ties keep insertion order.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}
