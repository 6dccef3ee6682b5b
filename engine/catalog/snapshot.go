package catalog

import (
	"fmt"
	"time"
)

// Snapshot is one complete generation of the cache. It is never modified
// after NewSnapshot returns.
type Snapshot struct {
	Embeddings []EmbeddingRecord
	Products   map[string]ProductRecord
	LoadedAt   time.Time

	dim int
}

// NewSnapshot assembles a snapshot, keeping embeddings in the given order.
// Records without a vector are kept but never scored; every other vector must
// have the same length.
func NewSnapshot(embeddings []EmbeddingRecord, products []ProductRecord, loadedAt time.Time) (*Snapshot, error) {
	dim := 0
	for _, e := range embeddings {
		if len(e.Vector) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(e.Vector)
			continue
		}
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("catalog: embedding %s has %d dimensions, want %d: %w",
				e.ID, len(e.Vector), dim, ErrDimensionMismatch)
		}
	}

	byID := make(map[string]ProductRecord, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	return &Snapshot{
		Embeddings: embeddings,
		Products:   byID,
		LoadedAt:   loadedAt,
		dim:        dim,
	}, nil
}

// Dimension returns the vector length shared by all scored embeddings, or 0
// when the snapshot has none.
func (s *Snapshot) Dimension() int { return s.dim }

// Product looks up a product by id.
func (s *Snapshot) Product(id string) (ProductRecord, bool) {
	p, ok := s.Products[id]
	return p, ok
}
