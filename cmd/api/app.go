package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/time/rate"

	"github.com/alejomeek/productos-railway-api/engine/cache"
	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/engine/loader"
	"github.com/alejomeek/productos-railway-api/engine/search"
	"github.com/alejomeek/productos-railway-api/engine/semantic"
	"github.com/alejomeek/productos-railway-api/pkg/metrics"
	"github.com/alejomeek/productos-railway-api/pkg/natsutil"
	"github.com/alejomeek/productos-railway-api/pkg/ollama"
	"github.com/alejomeek/productos-railway-api/pkg/openaiembed"
	"github.com/alejomeek/productos-railway-api/pkg/resilience"
)

// app owns every long-lived dependency of the service.
type app struct {
	cfg       *Config
	logger    *slog.Logger
	server    *server
	refresher *refresher
	nc        *nats.Conn
	closers   []func()
}

// newApp connects to the document sources, the embedding provider and, when
// configured, NATS, and wires the cache, search and HTTP layers together.
func newApp(cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	vs, err := semantic.New(cfg.Qdrant.Addr)
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	a.closers = append(a.closers, func() { vs.Close() })

	collections := []string{cfg.Qdrant.EmbeddingsCollection}
	if cfg.Products.Source == "qdrant" {
		collections = append(collections, cfg.Qdrant.ProductsCollection)
	}
	checkCtx, cancel := context.WithTimeout(context.Background(), collectionCheckTimeout)
	err = checkCollections(checkCtx, vs, logger, collections...)
	cancel()
	if err != nil {
		return nil, err
	}

	loaderCfg := func(collection string, withVectors bool) loader.Config {
		return loader.Config{
			Collection:   collection,
			PageSize:     cfg.Loader.PageSize,
			WithVectors:  withVectors,
			ReclaimEvery: cfg.Loader.ReclaimEvery,
		}
	}
	embeddings := loader.New(vs, loaderCfg(cfg.Qdrant.EmbeddingsCollection, true), catalog.MapEmbedding, logger)

	var productSrc loader.Source = vs
	productColl := cfg.Qdrant.ProductsCollection
	mapProduct := catalog.MapProduct
	if cfg.Products.Source == "neo4j" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, fmt.Errorf("neo4j driver: %w", err)
		}
		a.closers = append(a.closers, func() { driver.Close(context.Background()) })
		productSrc = newGraphSource(driver, cfg.Neo4j.Label, cfg.Neo4j.IDKey, cfg.Neo4j.Database)
		productColl = cfg.Neo4j.Label
		mapProduct = graphProduct
	}
	products := loader.New(productSrc, loaderCfg(productColl, false), mapProduct, logger)

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	met := newAPIMetrics(metrics.New())

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.ServiceName))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		a.nc = nc
		a.closers = append(a.closers, nc.Close)
	}

	var publish func(cache.ReloadEvent)
	if a.nc != nil {
		publish = reloadPublisher(a.nc, cfg.NATS.ReloadedSubject, logger)
	}
	coord := cache.New(cache.NewStore(), embeddings, products, cache.Options{
		OnReload: func(ev cache.ReloadEvent) {
			met.observeReload(ev)
			if publish != nil {
				publish(ev)
			}
		},
	}, logger)

	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.Breaker.FailThreshold,
		Timeout:       cfg.Breaker.Timeout,
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("embedding breaker state changed", "from", from.String(), "to", to.String())
			met.observeBreaker(to)
		},
	})
	svc := search.New(embedder, coord, breaker, search.Options{
		DefaultTopK:      cfg.Search.DefaultTopK,
		DefaultThreshold: cfg.Search.DefaultThreshold,
		MaxTopK:          cfg.Search.MaxTopK,
	}, logger)

	var limiter *rate.Limiter
	if cfg.Search.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Search.RateLimit), max(cfg.Search.RateBurst, 1))
	}

	a.refresher = &refresher{coord: coord, met: met, timeout: cfg.Refresh.Timeout, logger: logger}
	a.server = &server{
		coord:     coord,
		search:    svc,
		refresher: a.refresher,
		met:       met,
		limiter:   limiter,
		logger:    logger,
	}
	return a, nil
}

const collectionCheckTimeout = 10 * time.Second

// collectionLister reports whether a Qdrant collection exists.
type collectionLister interface {
	HasCollection(ctx context.Context, name string) (bool, error)
}

// checkCollections fails when a configured collection does not exist. If
// Qdrant cannot be asked it only warns; the first load reports the outage.
func checkCollections(ctx context.Context, c collectionLister, logger *slog.Logger, names ...string) error {
	var missing []string
	for _, name := range names {
		ok, err := c.HasCollection(ctx, name)
		if err != nil {
			logger.Warn("cannot verify qdrant collections", "err", err)
			return nil
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("qdrant: missing collections %s", strings.Join(missing, ", "))
	}
	return nil
}

func newEmbedder(cfg *Config) (search.Embedder, error) {
	switch cfg.Embedder {
	case "ollama":
		return ollama.NewEmbedClient(cfg.Ollama.URL, cfg.Ollama.Model), nil
	default:
		c, err := openaiembed.New(openaiembed.Config{
			APIKey:     cfg.OpenAI.APIKey,
			Model:      cfg.OpenAI.Model,
			BaseURL:    cfg.OpenAI.BaseURL,
			Dimensions: cfg.OpenAI.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedder: %w", err)
		}
		return c, nil
	}
}

// startTriggers starts the refresh schedule and the NATS refresh listener.
func (a *app) startTriggers() error {
	if a.cfg.Refresh.Schedule != "" {
		c, err := startScheduler(a.cfg.Refresh.Schedule, a.refresher)
		if err != nil {
			return fmt.Errorf("refresh schedule: %w", err)
		}
		a.closers = append(a.closers, c.Stop)
	}
	if a.nc != nil {
		sub, err := subscribeRefresh(a.nc, a.cfg.NATS.RefreshSubject, a.refresher)
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		a.closers = append(a.closers, func() { sub.Unsubscribe() })
		a.logger.Info("nats refresh trigger enabled", "subject", a.cfg.NATS.RefreshSubject)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// watchReloadEvents streams reload events from every server to stdout.
func watchReloadEvents(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if cfg.NATS.URL == "" {
		return fmt.Errorf("watch: NATS_URL is not set")
	}
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.ServiceName+"-watch"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	return watchReloads(ctx, nc, cfg.NATS.ReloadedSubject, os.Stdout, logger)
}

// triggerRefresh asks the servers listening on the refresh subject to reload
// and prints the first reply.
func triggerRefresh(ctx context.Context, cfg *Config, logger *slog.Logger, reason string) error {
	if cfg.NATS.URL == "" {
		return fmt.Errorf("trigger: NATS_URL is not set")
	}
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.ServiceName+"-trigger"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if cfg.Refresh.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Refresh.Timeout)
		defer cancel()
	}
	logger.Info("requesting cache refresh", "subject", cfg.NATS.RefreshSubject, "reason", reason)
	reply, err := natsutil.Request[refreshRequest, refreshReply](ctx, nc, cfg.NATS.RefreshSubject, refreshRequest{Reason: reason})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	if !reply.Success {
		return fmt.Errorf("trigger: refresh failed: %s", reply.Error)
	}
	return nil
}
