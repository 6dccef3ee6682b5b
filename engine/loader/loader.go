// Package loader pages a remote document collection into memory.
//
// A Loader counts the collection first, then walks it page by page in
// identity order using the last identity of each page as the cursor for the
// next one. Any failed request aborts the whole load.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
)

// Document is a raw record from a collection.
type Document = catalog.Document

// PageRequest asks a Source for the documents that follow After.
// An empty After starts at the beginning of the collection.
type PageRequest struct {
	Collection  string
	Limit       int
	After       string
	WithVectors bool
}

// Page is one batch of documents in identity order. Next is the cursor for
// the following page and Last reports that the source has nothing more.
type Page struct {
	Documents []Document
	Next      string
	Last      bool
}

// Source is a paginated document collection.
type Source interface {
	Count(ctx context.Context, collection string) (int, error)
	Page(ctx context.Context, req PageRequest) (Page, error)
}

// Defaults applied by New when a Config field is zero.
const (
	DefaultPageSize     = 500
	DefaultReclaimEvery = 2000
)

// errNoCursor is returned when a source hands back a full page without a
// cursor and without marking it as the last one.
var errNoCursor = errors.New("source returned a full page without a cursor")

// Config controls a single Loader.
type Config struct {
	Collection   string
	PageSize     int
	WithVectors  bool
	ReclaimEvery int
	// Reclaim is called every ReclaimEvery accumulated documents.
	// Defaults to runtime.GC.
	Reclaim func()
}

// Loader reads every document of one collection and maps it to T.
type Loader[T any] struct {
	src    Source
	cfg    Config
	mapDoc func(Document) T
	logger *slog.Logger
}

// New creates a Loader. A nil logger uses slog.Default().
func New[T any](src Source, cfg Config, mapDoc func(Document) T, logger *slog.Logger) *Loader[T] {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = DefaultReclaimEvery
	}
	if cfg.Reclaim == nil {
		cfg.Reclaim = runtime.GC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader[T]{src: src, cfg: cfg, mapDoc: mapDoc, logger: logger}
}

// Collection returns the name of the collection this loader reads.
func (l *Loader[T]) Collection() string { return l.cfg.Collection }

// Load returns every document of the collection, mapped, in identity order.
// Errors wrap catalog.ErrLoadFailure.
func (l *Loader[T]) Load(ctx context.Context) ([]T, error) {
	start := time.Now()
	coll := l.cfg.Collection

	total, err := l.src.Count(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("loader: count %s: %w: %w", coll, catalog.ErrLoadFailure, err)
	}
	l.logger.Info("loading collection", "collection", coll, "total", total, "page_size", l.cfg.PageSize)
	if total <= 0 {
		return []T{}, nil
	}

	out := make([]T, 0, total)
	after := ""
	sinceReclaim := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("loader: %s page %d: %w: %w", coll, page, catalog.ErrLoadFailure, err)
		}

		p, err := l.src.Page(ctx, PageRequest{
			Collection:  coll,
			Limit:       l.cfg.PageSize,
			After:       after,
			WithVectors: l.cfg.WithVectors,
		})
		if err != nil {
			return nil, fmt.Errorf("loader: %s page %d: %w: %w", coll, page, catalog.ErrLoadFailure, err)
		}

		for _, d := range p.Documents {
			out = append(out, l.mapDoc(d))
			sinceReclaim++
			if sinceReclaim >= l.cfg.ReclaimEvery {
				l.cfg.Reclaim()
				sinceReclaim = 0
			}
		}
		l.logger.Debug("page loaded", "collection", coll, "page", page, "docs", len(p.Documents), "accumulated", len(out))

		if len(p.Documents) < l.cfg.PageSize || len(out) >= total || p.Last {
			break
		}
		if p.Next == "" {
			return nil, fmt.Errorf("loader: %s page %d: %w: %w", coll, page, catalog.ErrLoadFailure, errNoCursor)
		}
		after = p.Next
	}

	l.logger.Info("collection loaded", "collection", coll, "count", len(out), "expected", total,
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}
