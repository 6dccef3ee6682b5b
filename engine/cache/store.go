// Package cache holds the published catalog snapshot and coordinates full
// reloads of it.
package cache

import (
	"sync/atomic"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
)

// Store holds the currently published snapshot. Readers call Current once
// and keep using the returned snapshot; a concurrent publish never changes it.
type Store struct {
	current atomic.Pointer[catalog.Snapshot]
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// Current returns the published snapshot, or nil before the first publish.
func (s *Store) Current() *catalog.Snapshot { return s.current.Load() }

func (s *Store) publish(snap *catalog.Snapshot) { s.current.Store(snap) }
