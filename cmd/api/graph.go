package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/engine/loader"
	"github.com/alejomeek/productos-railway-api/pkg/repo"
)

// graphSource serves product documents from Neo4j nodes. The collection
// name of a page request is ignored; the repo's label decides what is read.
type graphSource struct {
	nodes repo.Reader[catalog.Document]
}

var _ loader.Source = (*graphSource)(nil)

func newGraphSource(driver neo4j.DriverWithContext, label, idKey, database string) *graphSource {
	opts := []repo.Neo4jOption[catalog.Document]{repo.WithIDKey[catalog.Document](idKey)}
	if database != "" {
		opts = append(opts, repo.WithDatabase[catalog.Document](database))
	}
	return &graphSource{nodes: repo.NewNeo4jRepo(driver, label, nodeDocument(idKey), opts...)}
}

func (g *graphSource) Count(ctx context.Context, _ string) (int, error) {
	return g.nodes.Count(ctx)
}

func (g *graphSource) Page(ctx context.Context, req loader.PageRequest) (loader.Page, error) {
	docs, err := g.nodes.After(ctx, req.After, req.Limit)
	if err != nil {
		return loader.Page{}, err
	}
	page := loader.Page{Documents: docs, Last: len(docs) < req.Limit}
	if n := len(docs); n > 0 {
		page.Next = docs[n-1].ID
	}
	return page, nil
}

// nodeDocument decodes the node bound to "n" into a Document whose ID
// matches toString(n.<idKey>) in Cypher.
func nodeDocument(idKey string) func(*neo4j.Record) (catalog.Document, error) {
	return func(rec *neo4j.Record) (catalog.Document, error) {
		v, ok := rec.Get("n")
		if !ok {
			return catalog.Document{}, fmt.Errorf("record has no node")
		}
		node, ok := v.(neo4j.Node)
		if !ok {
			return catalog.Document{}, fmt.Errorf("expected node, got %T", v)
		}
		id, ok := cypherString(node.Props[idKey])
		if !ok {
			return catalog.Document{}, fmt.Errorf("node %s has no usable %s", node.ElementId, idKey)
		}
		return catalog.Document{ID: id, Fields: node.Props}, nil
	}
}

// graphProduct maps a node document keyed by its identity. The node's id
// property already is the catalog id, so payload aliases must not override it.
func graphProduct(doc catalog.Document) catalog.ProductRecord {
	p := catalog.MapProduct(doc)
	p.ID = doc.ID
	return p
}

func cypherString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if x == float64(int64(x)) {
			s += ".0"
		}
		return s, true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}
