// Package repo defines read-only, keyset-paginated repositories.
package repo

import "context"

// Reader walks a set of entities in ascending id order. After returns up to
// limit entities whose id sorts after the given one; an empty after starts at
// the beginning.
type Reader[T any] interface {
	Count(ctx context.Context) (int, error)
	After(ctx context.Context, after string, limit int) ([]T, error)
}

// DefaultLimit is used when After is called with a non-positive limit.
const DefaultLimit = 100
