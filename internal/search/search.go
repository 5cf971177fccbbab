// Package search answers semantic queries against one collection.
//
// A query is embedded, the vector store is asked for more candidates than
// requested, and the candidates are filtered by metadata and stripped of
// near-duplicates before being cut to the requested limit. Results are
// ordered by descending score, ties by ascending chunk ID.
package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/catalog"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

var tracer = otel.Tracer("ragd.search")

// Chunk metadata keys the filters read.
const (
	metaSource     = vectorstore.MetaSource
	metaUploadedAt = "uploaded_at"
)

// Config tunes result sizes and post-processing.
type Config struct {
	DefaultLimit int `koanf:"default_limit"`
	MaxLimit     int `koanf:"max_limit"`

	// Overfetch multiplies the limit to size the candidate pool.
	Overfetch int `koanf:"overfetch"`

	// DedupThreshold is the shingle Jaccard similarity at which two results
	// count as near-duplicates.
	DedupThreshold float64 `koanf:"dedup_threshold"`

	// MinScore drops candidates scoring below it. Zero keeps everything.
	MinScore float32 `koanf:"min_score"`
}

// DefaultConfig returns the default search tuning.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   10,
		MaxLimit:       100,
		Overfetch:      3,
		DedupThreshold: 0.9,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultLimit < 1 || c.MaxLimit < c.DefaultLimit {
		return fmt.Errorf("search: need 1 <= default_limit (%d) <= max_limit (%d)", c.DefaultLimit, c.MaxLimit)
	}
	if c.Overfetch < 1 {
		return fmt.Errorf("search: overfetch must be >= 1, got %d", c.Overfetch)
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("search: dedup_threshold must be in (0, 1], got %v", c.DedupThreshold)
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("search: min_score must be in [0, 1], got %v", c.MinScore)
	}
	return nil
}

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index runs nearest-neighbor queries.
type Index interface {
	Search(ctx context.Context, collectionID string, query []float32, opts vectorstore.SearchOptions) ([]vectorstore.ScoredChunk, error)
}

// Collections resolves owner-scoped collections.
type Collections interface {
	GetCollection(ctx context.Context, ownerID, id string) (*catalog.Collection, error)
}

// Filters narrow results by chunk metadata.
type Filters struct {
	// Source matches the chunk's source metadata exactly.
	Source string `json:"source,omitempty"`
	// From and To bound the upload time, inclusive.
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func (f Filters) hasRange() bool { return f.From != nil || f.To != nil }

// Request is one search.
type Request struct {
	OwnerID      string
	CollectionID string
	Query        string
	Limit        int
	Filters      Filters
}

// Result is one ranked chunk.
type Result struct {
	ChunkID      string         `json:"chunk_id"`
	FileID       string         `json:"file_id,omitempty"`
	CollectionID string         `json:"collection_id"`
	Ordinal      int            `json:"ordinal"`
	Content      string         `json:"content"`
	Score        float32        `json:"score"`
	Metadata     map[string]any `json:"metadata"`
}

// Response holds the results and how many candidates were dropped.
type Response struct {
	Results      []Result `json:"results"`
	Limit        int      `json:"limit"`
	Filtered     int      `json:"filtered"`
	Deduplicated int      `json:"deduplicated"`
}

// Orchestrator runs searches. It is safe for concurrent use.
type Orchestrator struct {
	cfg         Config
	embedder    QueryEmbedder
	index       Index
	collections Collections
	logger      *logging.Logger
}

// New creates a search Orchestrator.
func New(cfg Config, embedder QueryEmbedder, index Index, collections Collections, logger *logging.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil || index == nil || collections == nil {
		return nil, errors.New("search: embedder, index and collections are required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		cfg:         cfg,
		embedder:    embedder,
		index:       index,
		collections: collections,
		logger:      logger.Named("search"),
	}, nil
}

// Search embeds the query and returns the best matches in the caller's
// collection. A collection owned by someone else is reported as not found.
func (o *Orchestrator) Search(ctx context.Context, req Request) (resp *Response, err error) {
	ctx = logging.WithOwnerID(ctx, req.OwnerID)
	ctx = logging.WithCollectionID(ctx, req.CollectionID)
	ctx, span := tracer.Start(ctx, "Orchestrator.Search")
	defer span.End()

	start := time.Now()
	defer func() {
		latency.Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(outcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	limit, err := o.validate(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("limit", limit))

	if _, err := o.collections.GetCollection(ctx, req.OwnerID, req.CollectionID); err != nil {
		return nil, err
	}

	vec, err := o.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		o.logger.Warn(ctx, "query embedding failed", zap.Error(err))
		return nil, fmt.Errorf("%w: embedding query: %w", ragerr.ErrSearchUnavailable, err)
	}

	opts := vectorstore.SearchOptions{TopK: limit * o.cfg.Overfetch}
	if o.cfg.MinScore > 0 {
		minScore := o.cfg.MinScore
		opts.ScoreThreshold = &minScore
	}
	if req.Filters.Source != "" {
		opts.Filter = map[string]string{metaSource: req.Filters.Source}
	}

	candidates, err := o.index.Search(ctx, req.CollectionID, vec, opts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		o.logger.Warn(ctx, "vector search failed", zap.Error(err))
		return nil, fmt.Errorf("%w: querying index: %w", ragerr.ErrSearchUnavailable, err)
	}

	resp = o.postProcess(candidates, req.Filters, limit)

	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("results", len(resp.Results)),
		attribute.Int("filtered", resp.Filtered),
		attribute.Int("deduplicated", resp.Deduplicated),
	)
	o.logger.Debug(ctx, "search complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(resp.Results)),
		zap.Int("filtered", resp.Filtered),
		zap.Int("deduplicated", resp.Deduplicated))
	return resp, nil
}

// validate checks the request and returns the effective limit.
func (o *Orchestrator) validate(req Request) (int, error) {
	if strings.TrimSpace(req.Query) == "" {
		return 0, ragerr.ErrInvalidQuery
	}
	if req.OwnerID == "" || req.CollectionID == "" {
		return 0, ragerr.Validation("owner and collection are required")
	}
	if req.Limit < 0 {
		return 0, ragerr.Validation("limit must be >= 0, got %d", req.Limit)
	}
	if f := req.Filters; f.From != nil && f.To != nil && f.From.After(*f.To) {
		return 0, ragerr.Validation("filter range: from is after to")
	}

	limit := req.Limit
	if limit == 0 {
		limit = o.cfg.DefaultLimit
	}
	return min(limit, o.cfg.MaxLimit), nil
}

// postProcess filters, removes near-duplicates and truncates, in that order.
func (o *Orchestrator) postProcess(candidates []vectorstore.ScoredChunk, filters Filters, limit int) *Response {
	ordered := slices.Clone(candidates)
	slices.SortStableFunc(ordered, func(a, b vectorstore.ScoredChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})

	resp := &Response{Results: []Result{}, Limit: limit}
	var kept []fingerprint
	for _, c := range ordered {
		if !matches(c.Chunk, filters) {
			resp.Filtered++
			continue
		}
		fp := newFingerprint(c.Content)
		if slices.ContainsFunc(kept, func(k fingerprint) bool {
			return nearDuplicate(fp, k, o.cfg.DedupThreshold)
		}) {
			resp.Deduplicated++
			continue
		}
		kept = append(kept, fp)
		resp.Results = append(resp.Results, toResult(c))
	}
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}

	droppedTotal.WithLabelValues("filtered").Add(float64(resp.Filtered))
	droppedTotal.WithLabelValues("deduplicated").Add(float64(resp.Deduplicated))
	return resp
}

// matches applies filters the store could not evaluate. Chunks without a
// parseable upload time never match a date range.
func matches(c vectorstore.Chunk, f Filters) bool {
	if f.Source != "" {
		if src, _ := c.Metadata[metaSource].(string); src != f.Source {
			return false
		}
	}
	if !f.hasRange() {
		return true
	}
	raw, _ := c.Metadata[metaUploadedAt].(string)
	uploaded, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	if f.From != nil && uploaded.Before(*f.From) {
		return false
	}
	if f.To != nil && uploaded.After(*f.To) {
		return false
	}
	return true
}

func toResult(c vectorstore.ScoredChunk) Result {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return Result{
		ChunkID:      c.ID,
		FileID:       c.FileID,
		CollectionID: c.CollectionID,
		Ordinal:      c.Ordinal,
		Content:      c.Content,
		Score:        c.Score,
		Metadata:     meta,
	}
}
