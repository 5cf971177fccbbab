package vectorstore

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// fakePoints is an in-process qdrant Points service that keeps point IDs
// in memory and fails calls on demand.
type fakePoints struct {
	qdrant.UnimplementedPointsServer

	mu sync.Mutex
	// batchErr fails every multi-point upsert.
	batchErr error
	// rejectOrdinal fails single-point upserts of the point with this ordinal.
	rejectOrdinal int64
	// onUpsert runs before each upsert is handled.
	onUpsert func()
	// hits answers queries, truncated to the requested limit.
	hits []*qdrant.ScoredPoint

	stored  map[string]bool
	deleted []string
	limits  []uint64
}

func newFakePoints() *fakePoints {
	return &fakePoints{rejectOrdinal: -1, stored: map[string]bool{}}
}

func (f *fakePoints) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.PointsOperationResponse, error) {
	if f.onUpsert != nil {
		f.onUpsert()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(req.GetPoints()) > 1 && f.batchErr != nil {
		return nil, f.batchErr
	}
	for _, p := range req.GetPoints() {
		if p.GetPayload()[keyOrdinal].GetIntegerValue() == f.rejectOrdinal {
			return nil, status.Error(codes.InvalidArgument, "payload rejected")
		}
	}
	for _, p := range req.GetPoints() {
		f.stored[p.GetId().GetUuid()] = true
	}
	return &qdrant.PointsOperationResponse{Result: &qdrant.UpdateResult{Status: qdrant.UpdateStatus_Completed}}, nil
}

func (f *fakePoints) Delete(_ context.Context, req *qdrant.DeletePoints) (*qdrant.PointsOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range req.GetPoints().GetPoints().GetIds() {
		delete(f.stored, id.GetUuid())
		f.deleted = append(f.deleted, id.GetUuid())
	}
	return &qdrant.PointsOperationResponse{Result: &qdrant.UpdateResult{Status: qdrant.UpdateStatus_Completed}}, nil
}

func (f *fakePoints) Query(_ context.Context, req *qdrant.QueryPoints) (*qdrant.QueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, req.GetLimit())
	n := min(int(req.GetLimit()), len(f.hits))
	return &qdrant.QueryResponse{Result: f.hits[:n]}, nil
}

func (f *fakePoints) storedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.stored))
	for id := range f.stored {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func newBufconnStore(t *testing.T, points *fakePoints) *QdrantStore {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	qdrant.RegisterPointsServer(srv, points)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   "passthrough:///bufnet",
		Port:                   1,
		PoolSize:               1,
		KeepAliveTime:          -1,
		SkipCompatibilityCheck: true,
		GrpcOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := QdrantConfig{Host: "bufnet", Port: 1, VectorSize: 4, CircuitBreakerThreshold: 100}
	cfg.ApplyDefaults()
	s := newQdrantStore(client, cfg, zap.NewNop())
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func pointRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			FileID:   "f1",
			Ordinal:  i,
			Content:  "chunk",
			Metadata: map[string]any{MetaSource: "a.txt", MetaChunkIndex: i},
			Vector:   []float32{1, float32(i), 0, 0},
		}
	}
	return records
}

func TestQdrantStore_UpsertRejectedPoint(t *testing.T) {
	points := newFakePoints()
	points.batchErr = status.Error(codes.InvalidArgument, "batch rejected")
	points.rejectOrdinal = 2
	s := newBufconnStore(t, points)

	records := pointRecords(4)
	records[0].Vector = []float32{1, 0}

	res, err := s.UpsertChunks(context.Background(), uuid.NewString(), records)
	require.NoError(t, err)

	failed := make([]int, len(res.Failed))
	for i, f := range res.Failed {
		failed[i] = f.Index
	}
	assert.Equal(t, []int{0, 2}, failed)
	assert.ErrorIs(t, res.Failed[0].Err, ErrDimensionMismatch)
	assert.Empty(t, res.IDs[0])
	assert.Empty(t, res.IDs[2])
	assert.Equal(t, 2, res.Stored())

	want := res.StoredIDs()
	slices.Sort(want)
	assert.Equal(t, want, points.storedIDs(), "only accepted rows remain")
	assert.Len(t, points.deleted, 1, "the rejected point is deleted")
	assert.NotContains(t, res.StoredIDs(), points.deleted[0])
}

func TestQdrantStore_UpsertRollsBack(t *testing.T) {
	t.Run("store unavailable", func(t *testing.T) {
		points := newFakePoints()
		points.batchErr = status.Error(codes.Unavailable, "down")
		s := newBufconnStore(t, points)

		res, err := s.UpsertChunks(context.Background(), uuid.NewString(), pointRecords(3))
		assert.ErrorIs(t, err, ragerr.ErrServiceUnavailable)
		assert.Nil(t, res)
		assert.Len(t, points.deleted, 3)
		assert.Empty(t, points.storedIDs())
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		points := newFakePoints()
		points.batchErr = status.Error(codes.Unavailable, "down")
		points.onUpsert = cancel
		s := newBufconnStore(t, points)

		res, err := s.UpsertChunks(ctx, uuid.NewString(), pointRecords(3))
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
		assert.Nil(t, res)
		assert.Len(t, points.deleted, 3)
		assert.Empty(t, points.storedIDs())
	})
}

func TestQdrantStore_SearchTiesAtCutoff(t *testing.T) {
	ids := make([]string, 6)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	slices.Sort(ids)

	points := newFakePoints()
	// best first, then the tied rows in descending ID order
	points.hits = []*qdrant.ScoredPoint{{Id: qdrant.NewIDUUID(ids[5]), Score: 1}}
	for i := 4; i >= 0; i-- {
		points.hits = append(points.hits, &qdrant.ScoredPoint{Id: qdrant.NewIDUUID(ids[i]), Score: 0.5})
	}
	s := newBufconnStore(t, points)

	hits, err := s.Search(context.Background(), uuid.NewString(), []float32{1, 0, 0, 0}, SearchOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, ids[5], hits[0].ID)
	assert.Equal(t, ids[0], hits[1].ID, "the smallest tied ID wins the last slot")
	assert.Equal(t, []uint64{3, 6, 12}, points.limits)
}
