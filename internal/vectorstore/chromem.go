package vectorstore

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("ragd.vectorstore.chromem")

// errPrecomputedOnly is returned if chromem ever asks us to embed text.
var errPrecomputedOnly = errors.New("chromem store accepts precomputed embeddings only")

// ChromemConfig holds configuration for the chromem-go embedded vector database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps
	// everything in memory.
	Path string `koanf:"path"`

	// Compress enables gzip compression for persisted data.
	Compress bool `koanf:"compress"`

	// VectorSize is the expected embedding dimension.
	VectorSize int `koanf:"-"`

	// CallTimeout bounds each store call.
	CallTimeout time.Duration `koanf:"-"`
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go is an embeddable vector database that keeps documents in
// memory and optionally persists them to gob files. It searches exhaustively,
// so results are exact. Metadata is stored as strings for filtering, plus a
// JSON copy under a reserved key so values round-trip with their types.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a new ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandChromemPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func embedRefused(context.Context, string) ([]float32, error) {
	return nil, errPrecomputedOnly
}

// collection returns the named collection, or nil when it does not exist.
// The embedding function must be passed so chromem does not fall back to
// its OpenAI default for persisted collections.
func (s *ChromemStore) collection(collectionID string) (*chromem.Collection, error) {
	name, err := CollectionName(collectionID)
	if err != nil {
		return nil, err
	}
	return s.db.GetCollection(name, embedRefused), nil
}

// EnsureCollection creates the collection if needed.
func (s *ChromemStore) EnsureCollection(ctx context.Context, collectionID string) (err error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "ensure_collection", start, err) }()

	name, err := CollectionName(collectionID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("collection", name))

	if _, err := s.db.GetOrCreateCollection(name, nil, embedRefused); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	return nil
}

// UpsertChunks validates and writes each record as one chromem document.
func (s *ChromemStore) UpsertChunks(ctx context.Context, collectionID string, records []Record) (res *UpsertResult, err error) {
	parent := ctx
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.UpsertChunks")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "upsert", start, err); recordUpsert(res) }()

	span.SetAttributes(attribute.Int("record_count", len(records)))

	name, err := CollectionName(collectionID)
	if err != nil {
		return nil, err
	}
	col, err := s.db.GetOrCreateCollection(name, nil, embedRefused)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	ctx, cancel := withTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	res = &UpsertResult{IDs: make([]string, len(records))}
	for i, r := range records {
		if err := validateRecord(r, s.config.VectorSize); err != nil {
			res.Failed = append(res.Failed, RowFailure{Index: i, Err: err})
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, RowFailure{Index: i, Err: classifyTimeout(parent, err)})
			continue
		}

		doc, err := toChromemDocument(uuid.NewString(), r)
		if err != nil {
			res.Failed = append(res.Failed, RowFailure{Index: i, Err: err})
			continue
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			s.logger.Warn("chromem add failed",
				zap.String("collection", name),
				zap.Int("index", i),
				zap.Error(err))
			res.Failed = append(res.Failed, RowFailure{Index: i, Err: fmt.Errorf("adding document: %w", err)})
			continue
		}
		res.IDs[i] = doc.ID
	}

	span.SetAttributes(
		attribute.Int("rows_stored", res.Stored()),
		attribute.Int("rows_failed", len(res.Failed)),
	)
	if err := parent.Err(); err != nil {
		// Nothing after cancellation should stay visible to a caller that
		// will not learn the IDs.
		s.rollback(context.WithoutCancel(parent), col, res.StoredIDs())
		return nil, err
	}
	return res, nil
}

func (s *ChromemStore) rollback(ctx context.Context, col *chromem.Collection, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		s.logger.Error("rolling back chromem rows", zap.Int("count", len(ids)), zap.Error(err))
	}
}

// Search runs an exact cosine search.
func (s *ChromemStore) Search(ctx context.Context, collectionID string, query []float32, opts SearchOptions) (hits []ScoredChunk, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "search", start, err) }()

	span.SetAttributes(attribute.Int("k", opts.TopK))

	if err := validateSearch(query, s.config.VectorSize, opts); err != nil {
		return nil, err
	}
	col, err := s.collection(collectionID)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return []ScoredChunk{}, nil
	}

	// chromem requires nResults <= document count
	k := min(opts.TopK, col.Count())
	if k == 0 {
		return []ScoredChunk{}, nil
	}

	parent := ctx
	ctx, cancel := withTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	results, err := queryCovering(ctx, col, query, k, whereFilter(opts.Filter))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", classifyTimeout(parent, err))
	}

	hits = make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		hits = append(hits, ScoredChunk{
			Chunk: chunkFromChromem(collectionID, r.ID, r.Content, r.Metadata),
			Score: normalizeScore(r.Similarity),
		})
	}
	hits = finalizeHits(hits, opts)

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	s.logger.Debug("searched chromem collection",
		zap.String("collection_id", collectionID),
		zap.Int("k", k),
		zap.Int("results", len(hits)))
	return hits, nil
}

// queryCovering returns at least the k most similar documents plus every
// document tied with the k-th. chromem breaks ties at its cutoff in heap
// order, so the query is widened until the cutoff falls between two
// distinct scores or the collection is exhausted.
func queryCovering(ctx context.Context, col *chromem.Collection, query []float32, k int, where map[string]string) ([]chromem.Result, error) {
	n := k + 1
	for {
		total := col.Count()
		n = min(n, total)
		if n == 0 {
			return nil, nil
		}
		results, err := col.QueryEmbedding(ctx, query, n, where, nil)
		if err != nil {
			return nil, err
		}
		slices.SortFunc(results, func(a, b chromem.Result) int {
			return cmp.Compare(b.Similarity, a.Similarity)
		})
		if n >= total || cutoffSettled(results, k, n, func(r chromem.Result) float32 { return r.Similarity }) {
			return results, nil
		}
		n *= 2
	}
}

// ListChunks returns chunks ordered by file and ordinal. chromem has no
// scan API, so every matching document is fetched through a query and
// paged in memory.
func (s *ChromemStore) ListChunks(ctx context.Context, collectionID, fileID string, limit, offset int) (chunks []Chunk, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.ListChunks")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "list", start, err) }()

	if err := validatePage(limit, offset); err != nil {
		return nil, err
	}
	col, err := s.collection(collectionID)
	if err != nil {
		return nil, err
	}
	if col == nil || col.Count() == 0 {
		return []Chunk{}, nil
	}

	var where map[string]string
	if fileID != "" {
		where = map[string]string{keyFileID: fileID}
	}
	axis := make([]float32, s.config.VectorSize)
	axis[0] = 1

	results, err := col.QueryEmbedding(ctx, axis, col.Count(), where, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing collection: %w", err)
	}

	chunks = make([]Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, chunkFromChromem(collectionID, r.ID, r.Content, r.Metadata))
	}
	sortChunks(chunks)
	return page(chunks, limit, offset), nil
}

// DeleteFile removes all chunks carrying fileID.
func (s *ChromemStore) DeleteFile(ctx context.Context, collectionID, fileID string) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteFile")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "delete_file", start, err) }()

	if fileID == "" {
		return fmt.Errorf("%w: file id required", ErrMissingMetadata)
	}
	col, err := s.collection(collectionID)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, map[string]string{keyFileID: fileID}, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	return nil
}

// DeleteChunks removes the given chunk IDs; unknown IDs are skipped.
func (s *ChromemStore) DeleteChunks(ctx context.Context, collectionID string, ids []string) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteChunks")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "delete_chunks", start, err) }()

	span.SetAttributes(attribute.Int("id_count", len(ids)))
	if len(ids) == 0 {
		return nil
	}
	col, err := s.collection(collectionID)
	if err != nil || col == nil {
		return err
	}

	existing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := col.GetByID(ctx, id); err == nil {
			existing = append(existing, id)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, existing...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deletion failure")
		return fmt.Errorf("deleting %d chunks: %w", len(existing), err)
	}
	return nil
}

// DeleteCollection drops the collection.
func (s *ChromemStore) DeleteCollection(ctx context.Context, collectionID string) (err error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.DeleteCollection")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "delete_collection", start, err) }()

	name, err := CollectionName(collectionID)
	if err != nil {
		return err
	}
	if err := s.db.DeleteCollection(name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	s.logger.Info("deleted chromem collection", zap.String("collection", name))
	return nil
}

// Health always succeeds for the embedded store.
func (s *ChromemStore) Health(context.Context) error { return nil }

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

func whereFilter(filter map[string]string) map[string]string {
	if len(filter) == 0 {
		return nil
	}
	return filter
}

// toChromemDocument flattens metadata to strings and keeps a typed JSON copy.
func toChromemDocument(id string, r Record) (chromem.Document, error) {
	meta := make(map[string]string, len(r.Metadata)+4)
	typed := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		if isReservedKey(k) {
			continue
		}
		meta[k] = metadataString(v)
		typed[k] = v
	}
	raw, err := json.Marshal(typed)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("%w: encoding metadata: %v", ErrMissingMetadata, err)
	}
	meta[keyMeta] = string(raw)
	meta[keyChunkID] = id
	meta[keyFileID] = r.FileID
	meta[keyOrdinal] = strconv.Itoa(r.Ordinal)

	return chromem.Document{
		ID:        id,
		Content:   r.Content,
		Metadata:  meta,
		Embedding: r.Vector,
	}, nil
}

func chunkFromChromem(collectionID, id, content string, meta map[string]string) Chunk {
	c := Chunk{
		ID:           id,
		CollectionID: collectionID,
		FileID:       meta[keyFileID],
		Content:      content,
	}
	c.Ordinal, _ = strconv.Atoi(meta[keyOrdinal])

	if raw, ok := meta[keyMeta]; ok {
		if m, err := decodeMetadata(raw); err == nil {
			c.Metadata = m
			return c
		}
	}
	c.Metadata = make(map[string]any, len(meta))
	for k, v := range meta {
		if !isReservedKey(k) {
			c.Metadata[k] = v
		}
	}
	return c
}

// decodeMetadata restores JSON numbers as int64 when integral, else float64.
func decodeMetadata(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = fromJSONValue(v)
	}
	return m, nil
}

func fromJSONValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, inner := range t {
			t[k] = fromJSONValue(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = fromJSONValue(inner)
		}
		return t
	default:
		return v
	}
}

// metadataString renders a metadata value for chromem's string filters.
func metadataString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Ensure ChromemStore implements Store interface.
var _ Store = (*ChromemStore)(nil)
