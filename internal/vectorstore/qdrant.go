package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("ragd.vectorstore.qdrant")

// scrollPageSize is the page size used when listing chunks.
const scrollPageSize = 256

// QdrantConfig holds configuration for Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (NOT HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP)
	Port int `koanf:"port"`

	APIKey string `koanf:"api_key"`

	// UseTLS enables TLS encryption for gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the initial backoff duration for retries.
	// Doubles on each retry (exponential backoff).
	// Default: 1 second
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int `koanf:"max_message_size"`

	// CircuitBreakerThreshold is the number of failures before opening circuit.
	// Default: 5
	CircuitBreakerThreshold int `koanf:"circuit_breaker_threshold"`

	// VectorSize is the dimensionality of embeddings.
	VectorSize uint64 `koanf:"-"`

	// CallTimeout bounds each gRPC call.
	CallTimeout time.Duration `koanf:"-"`
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024 // 50MB
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// IsTransientError checks if an error is transient (should retry).
// Returns true for network timeouts and temporary unavailability.
// Returns false for invalid arguments, not found, permission denied.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ragerr.ErrTransient) {
		return true
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store implementation using Qdrant's native gRPC client.
//
// Each collection gets its own Qdrant collection with a cosine HNSW index and
// keyword payload indexes on the file ID and source. Chunk IDs are UUID point
// IDs, also kept in the payload.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// collections caches names known to exist.
	collections sync.Map

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore connects to Qdrant and performs a health check.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := newQdrantStore(client, config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Health(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Uint64("vector_size", config.VectorSize))
	return store, nil
}

func newQdrantStore(client *qdrant.Client, config QdrantConfig, logger *zap.Logger) *QdrantStore {
	return &QdrantStore{
		client: client,
		config: config,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Health checks the Qdrant connection.
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Health")
	defer span.End()

	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: health check failed: %v", ragerr.ErrServiceUnavailable, err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// retryOperation retries an operation with exponential backoff. Each
// attempt gets its own call timeout.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func(context.Context) error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if s.isCircuitOpen() {
			return fmt.Errorf("%w: %s: circuit breaker open", ragerr.ErrServiceUnavailable, operationName)
		}

		callCtx, cancel := withTimeout(ctx, s.config.CallTimeout)
		err := classifyTimeout(ctx, operation(callCtx))
		cancel()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%w: %s failed after %d retries: %w", ragerr.ErrServiceUnavailable, operationName, s.config.MaxRetries, err)
		}

		s.logger.Warn("qdrant operation failed, retrying",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if err := s.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s canceled: %w", operationName, err)
		}
		backoff *= 2
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Allow retry after 30 seconds
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// EnsureCollection creates the collection and its payload indexes if needed.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collectionID string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "ensure_collection", start, err) }()

	name, err := CollectionName(collectionID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("collection", name))

	if _, ok := s.collections.Load(name); ok {
		return nil
	}

	var exists bool
	err = s.retryOperation(ctx, "collection_exists", func(ctx context.Context) error {
		ok, err := s.client.CollectionExists(ctx, name)
		exists = ok
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("checking collection %s: %w", name, err)
	}

	if !exists {
		err = s.retryOperation(ctx, "create_collection", func(ctx context.Context) error {
			err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.config.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
				return nil
			}
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", name, err)
		}

		for _, field := range []string{keyFileID, MetaSource} {
			err = s.retryOperation(ctx, "create_field_index", func(ctx context.Context) error {
				_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
					CollectionName: name,
					FieldName:      field,
					FieldType:      qdrant.PtrOf(qdrant.FieldType_FieldTypeKeyword),
					Wait:           qdrant.PtrOf(true),
				})
				return err
			})
			if err != nil {
				s.logger.Warn("creating payload index failed",
					zap.String("collection", name),
					zap.String("field", field),
					zap.Error(err))
			}
		}
		s.logger.Info("created qdrant collection", zap.String("collection", name))
	}

	s.collections.Store(name, true)
	return nil
}

// UpsertChunks writes all valid records in one batch. If the batch fails
// permanently, points are retried one by one so only the offending rows
// are rejected.
func (s *QdrantStore) UpsertChunks(ctx context.Context, collectionID string, records []Record) (res *UpsertResult, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.UpsertChunks")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "upsert", start, err); recordUpsert(res) }()

	span.SetAttributes(attribute.Int("record_count", len(records)))

	name, err := CollectionName(collectionID)
	if err != nil {
		return nil, err
	}

	res = &UpsertResult{IDs: make([]string, len(records))}
	points := make([]*qdrant.PointStruct, 0, len(records))
	indexes := make([]int, 0, len(records))
	for i, r := range records {
		if err := validateRecord(r, int(s.config.VectorSize)); err != nil {
			res.Failed = append(res.Failed, RowFailure{Index: i, Err: err})
			continue
		}
		id := uuid.NewString()
		res.IDs[i] = id
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(id),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: buildPayload(id, r),
		})
		indexes = append(indexes, i)
	}
	if len(points) == 0 {
		return res, nil
	}

	batchErr := s.retryOperation(ctx, "upsert", func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if batchErr == nil {
		span.SetAttributes(attribute.Int("rows_stored", len(points)))
		return res, nil
	}
	if ctx.Err() != nil {
		s.deletePoints(context.WithoutCancel(ctx), name, idsOf(points))
		return nil, batchErr
	}
	if errors.Is(batchErr, ragerr.ErrServiceUnavailable) {
		span.RecordError(batchErr)
		span.SetStatus(codes.Error, batchErr.Error())
		s.deletePoints(context.WithoutCancel(ctx), name, idsOf(points))
		return nil, fmt.Errorf("upserting to %s: %w", name, batchErr)
	}

	s.logger.Warn("batch upsert rejected, retrying per point",
		zap.String("collection", name),
		zap.Int("points", len(points)),
		zap.Error(batchErr))

	var failedIDs []string
	for j, p := range points {
		err := s.retryOperation(ctx, "upsert_point", func(ctx context.Context) error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: name,
				Wait:           qdrant.PtrOf(true),
				Points:         []*qdrant.PointStruct{p},
			})
			return err
		})
		if err != nil {
			i := indexes[j]
			failedIDs = append(failedIDs, res.IDs[i])
			res.IDs[i] = ""
			res.Failed = append(res.Failed, RowFailure{Index: i, Err: fmt.Errorf("writing point: %w", err)})
		}
	}
	if len(failedIDs) > 0 {
		s.deletePoints(context.WithoutCancel(ctx), name, failedIDs)
	}
	if ctx.Err() != nil {
		s.deletePoints(context.WithoutCancel(ctx), name, res.StoredIDs())
		return nil, ctx.Err()
	}
	sortFailures(res.Failed)

	span.SetAttributes(
		attribute.Int("rows_stored", res.Stored()),
		attribute.Int("rows_failed", len(res.Failed)),
	)
	return res, nil
}

// deletePoints removes points by ID, logging failures.
func (s *QdrantStore) deletePoints(ctx context.Context, name string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.deleteByIDs(ctx, name, ids); err != nil {
		s.logger.Error("cleaning up qdrant points",
			zap.String("collection", name),
			zap.Int("count", len(ids)),
			zap.Error(err))
	}
}

func (s *QdrantStore) deleteByIDs(ctx context.Context, name string, ids []string) error {
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	return s.retryOperation(ctx, "delete", func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
}

// Search queries the HNSW index.
func (s *QdrantStore) Search(ctx context.Context, collectionID string, query []float32, opts SearchOptions) (hits []ScoredChunk, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "search", start, err) }()

	span.SetAttributes(attribute.Int("k", opts.TopK))

	if err := validateSearch(query, int(s.config.VectorSize), opts); err != nil {
		return nil, err
	}
	name, err := CollectionName(collectionID)
	if err != nil {
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(query...),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         keywordFilter(opts.Filter),
	}
	if opts.ScoreThreshold != nil {
		req.ScoreThreshold = qdrant.PtrOf(cosineThreshold(*opts.ScoreThreshold))
	}

	// One extra point shows whether ties straddle the cutoff; the limit is
	// widened until they do not, then finalizeHits truncates by ID.
	var points []*qdrant.ScoredPoint
	for n := opts.TopK + 1; ; n *= 2 {
		req.Limit = qdrant.PtrOf(uint64(n))
		err = s.retryOperation(ctx, "search", func(ctx context.Context) error {
			res, err := s.client.Query(ctx, req)
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				res, err = nil, nil
			}
			points = res
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("searching collection %s: %w", name, err)
		}
		if cutoffSettled(points, opts.TopK, n, (*qdrant.ScoredPoint).GetScore) {
			break
		}
	}

	hits = make([]ScoredChunk, 0, len(points))
	for _, p := range points {
		hits = append(hits, ScoredChunk{
			Chunk: chunkFromPayload(collectionID, p.GetId().GetUuid(), p.GetPayload()),
			Score: normalizeScore(p.GetScore()),
		})
	}
	hits = finalizeHits(hits, opts)

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// ListChunks scrolls all matching points and pages them in memory in
// file and ordinal order.
func (s *QdrantStore) ListChunks(ctx context.Context, collectionID, fileID string, limit, offset int) (chunks []Chunk, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.ListChunks")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "list", start, err) }()

	if err := validatePage(limit, offset); err != nil {
		return nil, err
	}
	name, err := CollectionName(collectionID)
	if err != nil {
		return nil, err
	}

	var filter *qdrant.Filter
	if fileID != "" {
		filter = keywordFilter(map[string]string{keyFileID: fileID})
	}

	var next *qdrant.PointId
	for {
		var pagePoints []*qdrant.RetrievedPoint
		err := s.retryOperation(ctx, "scroll", func(ctx context.Context) error {
			res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: name,
				Filter:         filter,
				Limit:          qdrant.PtrOf(uint32(scrollPageSize + 1)),
				Offset:         next,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				res, err = nil, nil
			}
			pagePoints = res
			return err
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("listing collection %s: %w", name, err)
		}

		// One extra point is fetched; it is the next page's inclusive offset.
		more := len(pagePoints) > scrollPageSize
		if more {
			next = pagePoints[scrollPageSize].GetId()
			pagePoints = pagePoints[:scrollPageSize]
		}
		for _, p := range pagePoints {
			chunks = append(chunks, chunkFromPayload(collectionID, p.GetId().GetUuid(), p.GetPayload()))
		}
		if !more {
			break
		}
	}

	if chunks == nil {
		return []Chunk{}, nil
	}
	sortChunks(chunks)
	return page(chunks, limit, offset), nil
}

// DeleteFile removes all points whose payload carries fileID.
func (s *QdrantStore) DeleteFile(ctx context.Context, collectionID, fileID string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteFile")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "delete_file", start, err) }()

	if fileID == "" {
		return fmt.Errorf("%w: file id required", ErrMissingMetadata)
	}
	name, err := CollectionName(collectionID)
	if err != nil {
		return err
	}

	err = s.retryOperation(ctx, "delete_file", func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: keywordFilter(map[string]string{keyFileID: fileID}),
				},
			},
		})
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	return nil
}

// DeleteChunks removes points by chunk ID.
func (s *QdrantStore) DeleteChunks(ctx context.Context, collectionID string, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteChunks")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "delete_chunks", start, err) }()

	span.SetAttributes(attribute.Int("id_count", len(ids)))
	if len(ids) == 0 {
		return nil
	}
	name, err := CollectionName(collectionID)
	if err != nil {
		return err
	}
	if err := s.deleteByIDs(ctx, name, ids); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting %d chunks: %w", len(ids), err)
	}
	return nil
}

// DeleteCollection drops the Qdrant collection if it exists.
func (s *QdrantStore) DeleteCollection(ctx context.Context, collectionID string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteCollection")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "delete_collection", start, err) }()

	name, err := CollectionName(collectionID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("collection", name))

	err = s.retryOperation(ctx, "delete_collection", func(ctx context.Context) error {
		err := s.client.DeleteCollection(ctx, name)
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}

	s.collections.Delete(name)
	span.SetStatus(codes.Ok, "success")
	return nil
}

func idsOf(points []*qdrant.PointStruct) []string {
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.GetId().GetUuid()
	}
	return ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ensure QdrantStore implements Store interface.
var _ Store = (*QdrantStore)(nil)
