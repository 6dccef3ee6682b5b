package catalog

import (
	"math"
	"strconv"
	"strings"
)

// Logical field names used as keys of the alias tables.
const (
	FieldName          = "name"
	FieldPrice         = "price"
	FieldSKU           = "sku"
	FieldStockQuantity = "stockQuantity"
	FieldImageURL      = "imageUrl"
	FieldDescription   = "description"

	FieldProductID  = "productId"
	FieldVector     = "vector"
	FieldSourceText = "sourceText"
)

// productIDAliases is shared by both tables so embeddings and products
// resolve the same join key from the same payload layout. Qdrant point ids
// are numbers or UUIDs, so the catalog id usually lives in the payload.
var productIDAliases = []string{"product_id", "productId", "id"}

// ProductAliases maps each product field to the payload keys tried in order.
// The first key holding a usable value wins; otherwise the field keeps its
// zero value. Older catalog exports used Spanish keys. A missing product id
// falls back to the document identity.
var ProductAliases = map[string][]string{
	FieldProductID:     productIDAliases,
	FieldName:          {"name", "nombre", "title"},
	FieldPrice:         {"price", "precio", "sale_price"},
	FieldSKU:           {"sku", "SKU", "codigo"},
	FieldStockQuantity: {"stock_quantity", "stockQuantity", "stock", "cantidad"},
	FieldImageURL:      {"image_url", "imageUrl", "image", "imagen"},
	FieldDescription:   {"description", "descripcion", "short_description"},
}

// EmbeddingAliases maps each embedding field to the payload keys tried in order.
// A missing product id falls back to the document identity and a missing
// vector falls back to the source's native vector.
var EmbeddingAliases = map[string][]string{
	FieldProductID:  productIDAliases,
	FieldVector:     {"embedding", "vector", "values"},
	FieldSourceText: {"text_embedded", "text", "source_text"},
}

// MapProduct builds a ProductRecord from a raw document.
func MapProduct(doc Document) ProductRecord {
	a := ProductAliases
	p := ProductRecord{
		ID:          lookupString(doc.Fields, a[FieldProductID]),
		Name:        lookupString(doc.Fields, a[FieldName]),
		SKU:         lookupString(doc.Fields, a[FieldSKU]),
		ImageURL:    lookupString(doc.Fields, a[FieldImageURL]),
		Description: lookupString(doc.Fields, a[FieldDescription]),
	}
	if p.ID == "" {
		p.ID = doc.ID
	}
	if v, ok := lookupNumber(doc.Fields, a[FieldPrice]); ok {
		p.Price = v
	}
	if v, ok := lookupNumber(doc.Fields, a[FieldStockQuantity]); ok {
		p.StockQuantity = int(v)
	}
	return p
}

// MapEmbedding builds an EmbeddingRecord from a raw document.
func MapEmbedding(doc Document) EmbeddingRecord {
	a := EmbeddingAliases
	e := EmbeddingRecord{
		ID:         lookupString(doc.Fields, a[FieldProductID]),
		SourceText: lookupString(doc.Fields, a[FieldSourceText]),
	}
	if e.ID == "" {
		e.ID = doc.ID
	}
	if v := lookupVector(doc.Fields, a[FieldVector]); len(v) > 0 {
		e.Vector = v
	} else {
		e.Vector = doc.Vector
	}
	return e
}

func lookupString(fields map[string]any, aliases []string) string {
	for _, k := range aliases {
		switch v := fields[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case int64:
			return strconv.FormatInt(v, 10)
		case int:
			return strconv.Itoa(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// lookupNumber resolves a non-negative finite number. Numeric strings count.
func lookupNumber(fields map[string]any, aliases []string) (float64, bool) {
	for _, k := range aliases {
		f, ok := toFloat(fields[k])
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			continue
		}
		return f, true
	}
	return 0, false
}

func lookupVector(fields map[string]any, aliases []string) []float32 {
	for _, k := range aliases {
		switch v := fields[k].(type) {
		case []float32:
			if len(v) > 0 {
				return v
			}
		case []float64:
			if len(v) > 0 {
				out := make([]float32, len(v))
				for i, x := range v {
					out[i] = float32(x)
				}
				return out
			}
		case []any:
			if out, ok := toVector(v); ok {
				return out
			}
		}
	}
	return nil
}

func toVector(items []any) ([]float32, bool) {
	if len(items) == 0 {
		return nil, false
	}
	out := make([]float32, len(items))
	for i, it := range items {
		f, ok := toFloat(it)
		if !ok {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
