package main

import (
	"github.com/alejomeek/productos-railway-api/engine/cache"
	"github.com/alejomeek/productos-railway-api/engine/search"
	"github.com/alejomeek/productos-railway-api/pkg/metrics"
	"github.com/alejomeek/productos-railway-api/pkg/resilience"
)

// apiMetrics holds the service's metric series.
type apiMetrics struct {
	reg *metrics.Registry

	searches      func(result string) *metrics.Counter
	searchPhase   func(phase string) *metrics.Histogram
	searchResults *metrics.Histogram

	reloads        func(result, trigger string) *metrics.Counter
	reloadDur      *metrics.Histogram
	cacheEmbedding *metrics.Gauge
	cacheProducts  *metrics.Gauge
	cacheReady     *metrics.Gauge
	cacheMemory    *metrics.Gauge
	cacheLoadedAt  *metrics.Gauge

	breakerState *metrics.Gauge
}

func newAPIMetrics(reg *metrics.Registry) *apiMetrics {
	return &apiMetrics{
		reg: reg,
		searches: func(result string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("productos_search_requests_total", "result", result), "Searches by outcome")
		},
		searchPhase: func(phase string) *metrics.Histogram {
			return reg.Histogram(metrics.WithLabels("productos_search_duration_seconds", "phase", phase), "Search latency by phase", nil)
		},
		searchResults: reg.Histogram("productos_search_results", "Results returned per search", []float64{0, 1, 5, 10, 20, 50, 100}),

		reloads: func(result, trigger string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("productos_cache_reloads_total", "result", result, "trigger", trigger), "Cache reload attempts")
		},
		reloadDur:      reg.Histogram("productos_cache_reload_duration_seconds", "Full cache reload time", []float64{1, 5, 15, 30, 60, 120, 300, 600}),
		cacheEmbedding: reg.Gauge("productos_cache_embeddings", "Embeddings in the published snapshot"),
		cacheProducts:  reg.Gauge("productos_cache_products", "Products in the published snapshot"),
		cacheReady:     reg.Gauge("productos_cache_ready", "1 when the cache is ready"),
		cacheMemory:    reg.Gauge("productos_cache_memory_mb", "Heap in use after the last reload"),
		cacheLoadedAt:  reg.Gauge("productos_cache_loaded_timestamp", "Epoch of the published snapshot"),

		breakerState: reg.Gauge("productos_embedding_breaker_state", "Embedding breaker state (0 closed, 1 open, 2 half-open)"),
	}
}

func (m *apiMetrics) observeSearch(resp *search.Response, result string) {
	m.searches(result).Inc()
	if resp == nil {
		return
	}
	ms := func(v int64) float64 { return float64(v) / 1000 }
	m.searchPhase("embed").Observe(ms(resp.Metadata.EmbeddingTime))
	m.searchPhase("rank").Observe(ms(resp.Metadata.SearchTime))
	m.searchPhase("total").Observe(ms(resp.Metadata.TotalTime))
	m.searchResults.Observe(float64(resp.Metadata.TotalResults))
}

// observeReload records the cache state after a reload attempt that ran.
func (m *apiMetrics) observeReload(ev cache.ReloadEvent) {
	m.reloadDur.Observe(ev.Duration.Seconds())
	m.cacheEmbedding.Set(float64(ev.Stats.TotalEmbeddings))
	m.cacheProducts.Set(float64(ev.Stats.TotalProducts))
	m.cacheMemory.Set(float64(ev.Stats.MemoryUsageMB))
	ready := 0.0
	if ev.Stats.CacheReady {
		ready = 1
	}
	m.cacheReady.Set(ready)
	if ev.Stats.LastUpdate != nil {
		m.cacheLoadedAt.Set(float64(ev.Stats.LastUpdate.Unix()))
	}
}

func (m *apiMetrics) observeBreaker(to resilience.State) {
	m.breakerState.Set(float64(to))
}
