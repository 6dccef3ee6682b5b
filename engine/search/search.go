// Package search answers free-text product queries against the cached
// catalog. A query is embedded once, scored against every cached embedding
// of a single snapshot and joined with the product table of that same
// snapshot.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/engine/ranking"
	"github.com/alejomeek/productos-railway-api/pkg/fn"
	"github.com/alejomeek/productos-railway-api/pkg/resilience"
)

var tracer = otel.Tracer("engine/search")

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SnapshotSource exposes the currently published snapshot.
type SnapshotSource interface {
	Current() *catalog.Snapshot
}

// Options configures search defaults.
type Options struct {
	DefaultTopK      int
	DefaultThreshold float64
	MaxTopK          int
}

// DefaultOptions returns the defaults used by the HTTP API.
func DefaultOptions() Options {
	return Options{
		DefaultTopK:      20,
		DefaultThreshold: 0.3,
		MaxTopK:          100,
	}
}

// Normalize resolves optional request parameters. A nil topK or threshold
// takes the default; topK is capped at MaxTopK and threshold is floored at 0
// so match scores stay within 0..100.
func (o Options) Normalize(topK *int, threshold *float64) (int, float64) {
	k := o.DefaultTopK
	if topK != nil {
		k = *topK
	}
	if o.MaxTopK > 0 && k > o.MaxTopK {
		k = o.MaxTopK
	}
	th := o.DefaultThreshold
	if threshold != nil {
		th = *threshold
	}
	return k, max(th, 0)
}

// Metadata reports per-phase timings in milliseconds.
type Metadata struct {
	TotalTime     int64 `json:"totalTime"`
	EmbeddingTime int64 `json:"embeddingTime"`
	SearchTime    int64 `json:"searchTime"`
	TotalResults  int   `json:"totalResults"`
}

// Response is the result of one search.
type Response struct {
	Results  []catalog.SearchResult `json:"results"`
	Metadata Metadata               `json:"metadata"`
}

// Service runs searches. It is safe for concurrent use.
type Service struct {
	embedder Embedder
	snaps    SnapshotSource
	breaker  *resilience.Breaker
	opts     Options
	logger   *slog.Logger
}

// New creates a search Service. A nil breaker calls the embedder directly;
// a nil logger uses slog.Default().
func New(embedder Embedder, snaps SnapshotSource, breaker *resilience.Breaker, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder: embedder,
		snaps:    snaps,
		breaker:  breaker,
		opts:     opts,
		logger:   logger,
	}
}

// Options returns the options the service was built with.
func (s *Service) Options() Options { return s.opts }

// Search embeds query and returns at most topK products scoring at least
// threshold, best first. A negative threshold counts as 0. An empty result
// is not an error.
func (s *Service) Search(ctx context.Context, query string, topK int, threshold float64) (resp *Response, err error) {
	start := time.Now()
	threshold = max(threshold, 0)
	ctx, span := tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.Int("search.top_k", topK),
		attribute.Float64("search.threshold", threshold),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, catalog.ErrEmptyQuery
	}

	// Captured once; a concurrent reload cannot change what this search sees.
	snap := s.snaps.Current()
	if snap == nil {
		return nil, catalog.ErrNotReady
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	embeddingTime := time.Since(start)

	rankStart := time.Now()
	_, rankSpan := tracer.Start(ctx, "search.rank", trace.WithAttributes(
		attribute.Int("search.candidates", len(snap.Embeddings)),
	))
	scored, err := ranking.RankFunc(vec, snap.Embeddings, topK, threshold, func(id string) bool {
		_, ok := snap.Products[id]
		return ok
	})
	rankSpan.End()
	if err != nil {
		return nil, fmt.Errorf("search: rank: %w", err)
	}
	searchTime := time.Since(rankStart)

	results := make([]catalog.SearchResult, 0, len(scored))
	for _, sc := range scored {
		p, ok := snap.Product(sc.ID)
		if !ok {
			continue
		}
		pct := int(math.Round(sc.Score * 100))
		results = append(results, catalog.SearchResult{
			ProductRecord:   p,
			MatchScore:      pct,
			MatchPercentage: strconv.Itoa(pct) + "%",
		})
	}

	resp = &Response{
		Results: results,
		Metadata: Metadata{
			TotalTime:     time.Since(start).Milliseconds(),
			EmbeddingTime: embeddingTime.Milliseconds(),
			SearchTime:    searchTime.Milliseconds(),
			TotalResults:  len(results),
		},
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	s.logger.Info("search",
		"query_len", len(query),
		"results", len(results),
		"embedding_ms", resp.Metadata.EmbeddingTime,
		"search_ms", resp.Metadata.SearchTime,
		"total_ms", resp.Metadata.TotalTime,
	)
	return resp, nil
}

// embed calls the embedder once, through the breaker when one is set.
func (s *Service) embed(ctx context.Context, query string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "search.embed")
	defer span.End()

	call := func(ctx context.Context) fn.Result[[]float32] {
		return fn.FromPair(s.embedder.Embed(ctx, query))
	}
	var r fn.Result[[]float32]
	if s.breaker != nil {
		r = resilience.CallResult(s.breaker, ctx, call)
	} else {
		r = call(ctx)
	}

	vec, err := r.Unwrap()
	if err == nil && len(vec) == 0 {
		err = errors.New("empty vector")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("search: %w: %w", catalog.ErrEmbedding, err)
	}
	return vec, nil
}
