package catalog

import (
	"errors"
	"testing"
	"time"
)

func TestMapProduct_PrimaryKeys(t *testing.T) {
	doc := Document{ID: "p1", Fields: map[string]any{
		"name":           "Lego City",
		"price":          129.9,
		"sku":            "LG-001",
		"stock_quantity": int64(7),
		"image_url":      "https://img/1.png",
		"description":    "Police station",
	}}
	p := MapProduct(doc)
	want := ProductRecord{ID: "p1", Name: "Lego City", Price: 129.9, SKU: "LG-001", StockQuantity: 7,
		ImageURL: "https://img/1.png", Description: "Police station"}
	if p != want {
		t.Fatalf("got %+v, want %+v", p, want)
	}
}

func TestMapProduct_PayloadID(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want string
	}{
		{"product_id", Document{ID: "7", Fields: map[string]any{"product_id": "p1", "id": "other"}}, "p1"},
		{"productId", Document{ID: "7", Fields: map[string]any{"productId": "p2"}}, "p2"},
		{"id", Document{ID: "7", Fields: map[string]any{"id": int64(33)}}, "33"},
		{"blank falls back", Document{ID: "7", Fields: map[string]any{"product_id": "  "}}, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapProduct(tt.doc).ID; got != tt.want {
				t.Errorf("id = %q, want %q", got, tt.want)
			}
		})
	}
}

// Embeddings and products stored as Qdrant points: numeric point ids, the
// catalog id in the payload. Both sides must resolve the same join key.
func TestMapping_QdrantLayoutJoins(t *testing.T) {
	emb := MapEmbedding(Document{ID: "1", Fields: map[string]any{"product_id": "p1"}, Vector: []float32{1, 0}})
	prod := MapProduct(Document{ID: "7", Fields: map[string]any{"product_id": "p1", "id": "p1", "name": "Lego City"}})
	if emb.ID != prod.ID {
		t.Fatalf("embedding id %q, product id %q", emb.ID, prod.ID)
	}

	snap, err := NewSnapshot([]EmbeddingRecord{emb}, []ProductRecord{prod}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := snap.Product(emb.ID); !ok || p.Name != "Lego City" {
		t.Fatalf("join failed: %+v, %v", p, ok)
	}
}

func TestMapProduct_FallbackAliases(t *testing.T) {
	doc := Document{ID: "p2", Fields: map[string]any{
		"name":        "",
		"nombre":      "Rompecabezas",
		"precio":      "45.5",
		"codigo":      int64(9001),
		"stock":       3.0,
		"imagen":      "x.jpg",
		"descripcion": "1000 piezas",
	}}
	p := MapProduct(doc)
	if p.Name != "Rompecabezas" {
		t.Errorf("name = %q", p.Name)
	}
	if p.Price != 45.5 {
		t.Errorf("price = %v", p.Price)
	}
	if p.SKU != "9001" {
		t.Errorf("sku = %q", p.SKU)
	}
	if p.StockQuantity != 3 {
		t.Errorf("stock = %d", p.StockQuantity)
	}
	if p.ImageURL != "x.jpg" || p.Description != "1000 piezas" {
		t.Errorf("unexpected %+v", p)
	}
}

func TestMapProduct_Defaults(t *testing.T) {
	p := MapProduct(Document{ID: "p3", Fields: map[string]any{
		"price":          -5.0,
		"stock_quantity": "lots",
	}})
	want := ProductRecord{ID: "p3"}
	if p != want {
		t.Fatalf("got %+v, want zero-valued record", p)
	}
}

func TestMapEmbedding(t *testing.T) {
	tests := []struct {
		name    string
		doc     Document
		wantID  string
		wantLen int
		wantTxt string
	}{
		{
			name:    "payload vector",
			doc:     Document{ID: "e1", Fields: map[string]any{"embedding": []any{0.1, 0.2, int64(1)}, "text_embedded": "lego"}},
			wantID:  "e1",
			wantLen: 3,
			wantTxt: "lego",
		},
		{
			name:    "native vector and product id",
			doc:     Document{ID: "uuid-1", Fields: map[string]any{"product_id": "p9"}, Vector: []float32{1, 0}},
			wantID:  "p9",
			wantLen: 2,
		},
		{
			name:    "missing vector",
			doc:     Document{ID: "e3", Fields: map[string]any{"embedding": []any{}}},
			wantID:  "e3",
			wantLen: 0,
		},
		{
			name:    "malformed vector falls back",
			doc:     Document{ID: "e4", Fields: map[string]any{"embedding": []any{"a"}}, Vector: []float32{1}},
			wantID:  "e4",
			wantLen: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := MapEmbedding(tt.doc)
			if e.ID != tt.wantID {
				t.Errorf("id = %q, want %q", e.ID, tt.wantID)
			}
			if len(e.Vector) != tt.wantLen {
				t.Errorf("len(vector) = %d, want %d", len(e.Vector), tt.wantLen)
			}
			if e.SourceText != tt.wantTxt {
				t.Errorf("text = %q, want %q", e.SourceText, tt.wantTxt)
			}
		})
	}
}

func TestNewSnapshot(t *testing.T) {
	now := time.Now()
	s, err := NewSnapshot(
		[]EmbeddingRecord{{ID: "a", Vector: []float32{1, 0}}, {ID: "b"}, {ID: "c", Vector: []float32{0, 1}}},
		[]ProductRecord{{ID: "a", Name: "A"}},
		now,
	)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if s.Dimension() != 2 {
		t.Errorf("dimension = %d", s.Dimension())
	}
	if len(s.Embeddings) != 3 || s.Embeddings[1].ID != "b" {
		t.Errorf("embeddings order not kept: %+v", s.Embeddings)
	}
	if p, ok := s.Product("a"); !ok || p.Name != "A" {
		t.Errorf("product lookup failed")
	}
	if _, ok := s.Product("zz"); ok {
		t.Errorf("unexpected product")
	}
	if !s.LoadedAt.Equal(now) {
		t.Errorf("loadedAt not kept")
	}
}

func TestNewSnapshot_HeterogeneousDimensions(t *testing.T) {
	_, err := NewSnapshot(
		[]EmbeddingRecord{{ID: "a", Vector: []float32{1, 0}}, {ID: "b", Vector: []float32{1, 0, 0}}},
		nil, time.Now(),
	)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestNewSnapshot_Empty(t *testing.T) {
	s, err := NewSnapshot(nil, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if s.Dimension() != 0 || len(s.Embeddings) != 0 || len(s.Products) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", s)
	}
}
