// Package catalog defines the product catalog records held in the search
// cache, the raw documents they are mapped from, and the error taxonomy shared
// by the loader, cache and search packages.
package catalog

import "time"

// Document is a raw record read from a remote collection. Fields holds the
// decoded payload; Vector holds the source's native vector when it has one.
type Document struct {
	ID     string
	Fields map[string]any
	Vector []float32
}

// EmbeddingRecord is a precomputed product embedding.
type EmbeddingRecord struct {
	ID         string    `json:"id"`
	Vector     []float32 `json:"-"`
	SourceText string    `json:"text,omitempty"`
}

// ProductRecord is the product metadata joined onto search hits.
type ProductRecord struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	SKU           string  `json:"sku"`
	StockQuantity int     `json:"stock"`
	ImageURL      string  `json:"image"`
	Description   string  `json:"description"`
}

// SearchResult is a product decorated with its match score.
type SearchResult struct {
	ProductRecord
	MatchScore      int    `json:"matchScore"`
	MatchPercentage string `json:"matchPercentage"`
}

// Stats summarises the published cache.
type Stats struct {
	TotalEmbeddings int        `json:"totalEmbeddings"`
	TotalProducts   int        `json:"totalProducts"`
	LastUpdate      *time.Time `json:"lastUpdate"`
	CacheReady      bool       `json:"cacheReady"`
	MemoryUsageMB   int        `json:"memoryUsageMB"`
}
