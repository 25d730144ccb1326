// Package semantic is the Qdrant-backed document store.
package semantic

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/store"
)

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Config locates a Qdrant collection.
type Config struct {
	Addr       string
	Collection string
	APIKey     string
	TLS        bool
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

var (
	_ store.Store  = (*VectorStore)(nil)
	_ store.Pruner = (*VectorStore)(nil)
)

// New creates a VectorStore connected to Qdrant over gRPC.
func New(cfg Config) (*VectorStore, error) {
	if cfg.Addr == "" {
		return nil, domain.ConfigError("store.qdrant.addr")
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", cfg.Addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  cfg.Collection,
	}, nil
}

func newWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// Upsert writes all chunks in one request. If the batch is rejected each
// chunk is retried on its own so the failure can be pinned to ids.
func (v *VectorStore) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now()
	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = toPoint(c, now)
	}

	if err := v.upsertPoints(ctx, points); err == nil {
		return nil
	}

	var failures []domain.ChunkFailure
	for i, p := range points {
		if err := v.upsertPoints(ctx, []*pb.PointStruct{p}); err != nil {
			failures = append(failures, domain.ChunkFailure{
				ID:    chunks[i].ID,
				Index: chunks[i].Index,
				Where: "store.upsert",
				Err:   fmt.Errorf("semantic: upsert: %w", err),
			})
		}
	}
	if len(failures) > 0 {
		return &domain.PartialFailure{Failures: failures}
	}
	return nil
}

func (v *VectorStore) upsertPoints(ctx context.Context, points []*pb.PointStruct) error {
	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	return err
}

// Search performs a thresholded k-NN query.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, threshold float32, count int) ([]domain.Match, error) {
	if count <= 0 {
		return []domain.Match{}, nil
	}
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(count),
		ScoreThreshold: &threshold,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, domain.RetrievalError("store.search", fmt.Errorf("semantic: search: %w", err))
	}

	raw := make([]domain.Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		raw[i] = fromScored(r)
	}
	return store.Finalize(raw, threshold, count), nil
}

// Count returns the exact number of points in the collection.
func (v *VectorStore) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: v.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// PruneDocument deletes points of docID whose id is not in keep.
func (v *VectorStore) PruneDocument(ctx context.Context, docID string, keep []string) error {
	wait := true
	ids := make([]*pb.PointId, len(keep))
	for i, id := range keep {
		ids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{fieldMatch("doc_id", docID)},
					MustNot: []*pb.Condition{{
						ConditionOneOf: &pb.Condition_HasId{HasId: &pb.HasIdCondition{HasId: ids}},
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: prune doc_id %s: %w", docID, err)
	}
	return nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

