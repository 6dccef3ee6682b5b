// Package semantic reads catalog collections out of Qdrant.
//
// VectorStore implements the loader's paginated source contract on top of
// the Qdrant points API: Count is an exact point count and Page is a Scroll
// call, which Qdrant serves in point-id order. Point payloads are decoded into
// plain Go values so the catalog alias tables can resolve them.
package semantic

import (
	"context"
	"fmt"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/engine/loader"
)

// pointsClient is the part of pb.PointsClient used for bulk reads.
type pointsClient interface {
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
}

// collectionsClient is the part of pb.CollectionsClient used here.
type collectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
}

var _ loader.Source = (*VectorStore)(nil)

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// NewWithClients builds a VectorStore around existing clients. Used by tests.
func NewWithClients(points pointsClient, collections collectionsClient) *VectorStore {
	return &VectorStore{points: points, collections: collections}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// HasCollection reports whether the named collection exists.
func (v *VectorStore) HasCollection(ctx context.Context, name string) (bool, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the exact number of points in the collection.
func (v *VectorStore) Count(ctx context.Context, collection string) (int, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", collection, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Page scrolls one page of points starting at req.After. The returned cursor
// is the id Qdrant will start the next page from; an empty cursor marks the
// last page.
func (v *VectorStore) Page(ctx context.Context, req loader.PageRequest) (loader.Page, error) {
	limit := uint32(req.Limit)
	in := &pb.ScrollPoints{
		CollectionName: req.Collection,
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: req.WithVectors}},
	}
	if req.After != "" {
		in.Offset = parsePointID(req.After)
	}

	resp, err := v.points.Scroll(ctx, in)
	if err != nil {
		return loader.Page{}, fmt.Errorf("semantic: scroll %s after %q: %w", req.Collection, req.After, err)
	}

	docs := make([]catalog.Document, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		docs[i] = catalog.Document{
			ID:     formatPointID(p.GetId()),
			Fields: decodePayload(p.GetPayload()),
			Vector: denseVector(p.GetVectors()),
		}
	}

	next := resp.GetNextPageOffset()
	return loader.Page{
		Documents: docs,
		Next:      formatPointID(next),
		Last:      next == nil,
	}, nil
}

// formatPointID renders numeric ids in decimal and uuids as-is.
func formatPointID(id *pb.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// parsePointID is the inverse of formatPointID. A uuid never parses as an
// unsigned integer so the two forms cannot collide.
func parsePointID(s string) *pb.PointId {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}}
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: s}}
}

func denseVector(v *pb.VectorsOutput) []float32 {
	out := v.GetVector()
	if out == nil {
		return nil
	}
	if d := out.GetDense().GetData(); len(d) > 0 {
		return d
	}
	return out.GetData()
}

func decodePayload(payload map[string]*pb.Value) map[string]any {
	fields := make(map[string]any, len(payload))
	for k, v := range payload {
		fields[k] = decodeValue(v)
	}
	return fields
}

func decodeValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_StructValue:
		return decodePayload(k.StructValue.GetFields())
	case *pb.Value_ListValue:
		items := k.ListValue.GetValues()
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = decodeValue(it)
		}
		return out
	default:
		return nil
	}
}
