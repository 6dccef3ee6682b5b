package repo

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Neo4jRepo reads nodes with one label, ordered by their id property.
type Neo4jRepo[T any] struct {
	driver     neo4j.DriverWithContext
	label      string
	idKey      string
	database   string
	fromRecord func(*neo4j.Record) (T, error)
	newSession func(ctx context.Context) runner // for testing
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any] func(*Neo4jRepo[T])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any](key string) Neo4jOption[T] {
	return func(r *Neo4jRepo[T]) { r.idKey = key }
}

// WithDatabase selects a database other than the server default.
func WithDatabase[T any](name string) Neo4jOption[T] {
	return func(r *Neo4jRepo[T]) { r.database = name }
}

// NewNeo4jRepo creates a new Neo4j-backed repository. fromRecord receives
// records with the node bound to "n".
func NewNeo4jRepo[T any](
	driver neo4j.DriverWithContext,
	label string,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T],
) *Neo4jRepo[T] {
	r := &Neo4jRepo[T]{
		driver:     driver,
		label:      label,
		idKey:      "id",
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Compile-time interface check.
var _ Reader[any] = (*Neo4jRepo[any])(nil)

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (r *Neo4jRepo[T]) session(ctx context.Context) runner {
	if r.newSession != nil {
		return r.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: r.database,
	})}
}

// Count returns the number of nodes carrying the label and an id.
func (r *Neo4jRepo[T]) Count(ctx context.Context) (int, error) {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s) WHERE n.%s IS NOT NULL RETURN count(n) AS total", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return 0, fmt.Errorf("repo: count %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		return 0, fmt.Errorf("repo: count %s: no result", r.label)
	}
	v, _ := res.Record().Get("total")
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("repo: count %s: unexpected %T", r.label, v)
	}
	return int(n), nil
}

// After returns up to limit nodes whose id sorts after the given one. Ids
// are compared as strings so numeric and text ids share one ordering.
func (r *Neo4jRepo[T]) After(ctx context.Context, after string, limit int) ([]T, error) {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	if limit <= 0 {
		limit = DefaultLimit
	}

	cypher := fmt.Sprintf(
		"MATCH (n:%[1]s) WHERE n.%[2]s IS NOT NULL AND toString(n.%[2]s) > $after "+
			"RETURN n ORDER BY toString(n.%[2]s) LIMIT $limit",
		r.label, r.idKey)
	params := map[string]any{"after": after, "limit": limit}

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("repo: page %s after %q: %w", r.label, after, err)
	}

	items := make([]T, 0, limit)
	for res.Next(ctx) {
		item, err := r.fromRecord(res.Record())
		if err != nil {
			return nil, fmt.Errorf("repo: decode %s: %w", r.label, err)
		}
		items = append(items, item)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("repo: page %s after %q: %w", r.label, after, err)
	}
	return items, nil
}
