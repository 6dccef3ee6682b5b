package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	rtmetrics "runtime/metrics"
	"sync/atomic"
	"time"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/pkg/fn"
)

// Loader produces the complete contents of one collection.
type Loader[T any] interface {
	Load(ctx context.Context) ([]T, error)
}

// ReloadEvent describes a finished reload attempt.
type ReloadEvent struct {
	Stats    catalog.Stats
	Duration time.Duration
	Err      error
}

// Options configures a Coordinator.
type Options struct {
	// OnReload is called after every reload attempt that actually ran.
	OnReload func(ReloadEvent)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Coordinator rebuilds the snapshot held by a Store. At most one reload runs
// at a time.
type Coordinator struct {
	store      *Store
	embeddings Loader[catalog.EmbeddingRecord]
	products   Loader[catalog.ProductRecord]
	opts       Options
	logger     *slog.Logger

	ready     atomic.Bool
	reloading atomic.Bool
}

// New creates a Coordinator. A nil logger uses slog.Default().
func New(store *Store, embeddings Loader[catalog.EmbeddingRecord], products Loader[catalog.ProductRecord], opts Options, logger *slog.Logger) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		embeddings: embeddings,
		products:   products,
		opts:       opts,
		logger:     logger,
	}
}

// Current returns the published snapshot, or nil before the first load.
func (c *Coordinator) Current() *catalog.Snapshot { return c.store.Current() }

// Ready reports whether a snapshot is published and no reload is running.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

// Reload loads both collections and publishes a new snapshot. On failure the
// previous snapshot stays published and the error wraps catalog.ErrInitialLoad
// when nothing was ever published, catalog.ErrRefreshFailure otherwise.
// A call made while another reload runs returns catalog.ErrReloadInProgress.
func (c *Coordinator) Reload(ctx context.Context) (catalog.Stats, error) {
	if !c.reloading.CompareAndSwap(false, true) {
		return c.Stats(), catalog.ErrReloadInProgress
	}
	defer c.reloading.Store(false)

	start := time.Now()
	wasReady := c.ready.Load()
	c.ready.Store(false)

	snap, err := c.build(ctx)
	if err != nil {
		c.ready.Store(wasReady)
		kind := catalog.ErrRefreshFailure
		if c.store.Current() == nil {
			kind = catalog.ErrInitialLoad
		}
		err = fmt.Errorf("cache: reload: %w: %w", kind, err)
		c.logger.Error("cache reload failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		c.notify(start, err)
		return c.Stats(), err
	}

	c.store.publish(snap)
	c.ready.Store(true)

	stats := c.Stats()
	c.logger.Info("cache reloaded",
		"embeddings", stats.TotalEmbeddings,
		"products", stats.TotalProducts,
		"memory_mb", stats.MemoryUsageMB,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	c.notify(start, nil)
	return stats, nil
}

// build runs both loaders concurrently and assembles a snapshot. Nothing it
// produces is visible until the caller publishes it.
func (c *Coordinator) build(ctx context.Context) (*catalog.Snapshot, error) {
	loadEmbeddings := fn.TracedStage("cache.load_embeddings",
		func(ctx context.Context, _ struct{}) fn.Result[[]catalog.EmbeddingRecord] {
			return fn.FromPair(c.embeddings.Load(ctx))
		})
	loadProducts := fn.TracedStage("cache.load_products",
		func(ctx context.Context, _ struct{}) fn.Result[[]catalog.ProductRecord] {
			return fn.FromPair(c.products.Load(ctx))
		})

	// A failure on one side stops the other.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		embeddings []catalog.EmbeddingRecord
		products   []catalog.ProductRecord
	)
	errs := fn.FanOut(
		func() error {
			var err error
			if embeddings, err = loadEmbeddings(ctx, struct{}{}).Unwrap(); err != nil {
				cancel()
			}
			return err
		},
		func() error {
			var err error
			if products, err = loadProducts(ctx, struct{}{}).Unwrap(); err != nil {
				cancel()
			}
			return err
		},
	)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return catalog.NewSnapshot(embeddings, products, c.opts.Now())
}

func (c *Coordinator) notify(start time.Time, err error) {
	if c.opts.OnReload == nil {
		return
	}
	c.opts.OnReload(ReloadEvent{Stats: c.Stats(), Duration: time.Since(start), Err: err})
}

// Stats summarises the published snapshot.
func (c *Coordinator) Stats() catalog.Stats {
	st := catalog.Stats{
		CacheReady:    c.ready.Load(),
		MemoryUsageMB: heapMB(),
	}
	if snap := c.store.Current(); snap != nil {
		loadedAt := snap.LoadedAt
		st.TotalEmbeddings = len(snap.Embeddings)
		st.TotalProducts = len(snap.Products)
		st.LastUpdate = &loadedAt
	}
	return st
}

// heapObjectsMetric counts bytes held by heap objects. It is read through
// runtime/metrics so Stats never stops the world.
const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

func heapMB() int {
	sample := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(sample)
	if sample[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return int(sample[0].Value.Uint64() >> 20)
}
