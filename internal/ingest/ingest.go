// Package ingest turns one uploaded file into stored, searchable chunks.
//
// An ingestion moves through received, parsed, chunked, embedding, stored
// and done, or ends in failed. Each transition is published as an event.
// Chunks that cannot be embedded or stored are reported individually; the
// file only fails when no chunk at all was stored. Re-ingesting a filename
// writes a new file ID and removes the previous version once the new one
// is in place.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragd/internal/blob"
	"github.com/fyrsmithlabs/ragd/internal/catalog"
	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/extract"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

var tracer = otel.Tracer("ragd.ingest")

// Chunk metadata keys set by the orchestrator.
const (
	MetaFileID      = "file_id"
	MetaFilename    = "filename"
	MetaContentType = "content_type"
	MetaUploadedAt  = "uploaded_at"
	// Rune offsets into the concatenated text of all extracted sections.
	MetaStartOffset = "start_offset"
	MetaEndOffset   = "end_offset"
)

// cleanupTimeout bounds rollback and replacement deletes, which run even
// after the request context ends.
const cleanupTimeout = 30 * time.Second

var (
	// ErrNoText is returned when extraction yields no usable text.
	ErrNoText = fmt.Errorf("%w: document contains no extractable text", ragerr.ErrValidation)

	// ErrTooLarge is returned for uploads above Config.MaxFileSize.
	ErrTooLarge = fmt.Errorf("%w: file too large", ragerr.ErrValidation)

	errInvalidTransition = errors.New("invalid ingestion state transition")
	errNotStored         = errors.New("chunk not stored")
)

// Config tunes the orchestrator.
type Config struct {
	// StoreAttempts bounds upsert attempts for rows the store reports failed.
	StoreAttempts int `koanf:"store_attempts"`

	// StoreBackoff is the delay before the second store attempt; it grows linearly.
	StoreBackoff time.Duration `koanf:"store_backoff"`

	// EmbedConcurrency bounds in-flight embedding batches per file.
	EmbedConcurrency int `koanf:"embed_concurrency"`

	// FileConcurrency bounds files ingested in parallel by IngestFiles.
	FileConcurrency int `koanf:"file_concurrency"`

	// MaxFileSize is the largest accepted upload in bytes.
	MaxFileSize int64 `koanf:"max_file_size"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		StoreAttempts:    3,
		StoreBackoff:     200 * time.Millisecond,
		EmbedConcurrency: 4,
		FileConcurrency:  4,
		MaxFileSize:      50 << 20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StoreAttempts < 1 {
		return fmt.Errorf("ingest: store_attempts must be >= 1, got %d", c.StoreAttempts)
	}
	if c.EmbedConcurrency < 1 || c.FileConcurrency < 1 {
		return errors.New("ingest: concurrency limits must be >= 1")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("ingest: max_file_size must be > 0")
	}
	return nil
}

// Catalog records ingested files.
type Catalog interface {
	ReplaceFile(ctx context.Context, f catalog.SourceFile) ([]catalog.SourceFile, error)
}

// Deps are the collaborators of an Orchestrator. Scrubber and Events are optional.
type Deps struct {
	Extractors *extract.Registry
	Chunker    *chunker.Chunker
	Embedder   embeddings.Embedder
	Store      vectorstore.Store
	Catalog    Catalog
	Blobs      blob.Store
	Scrubber   *secrets.Scrubber
	Events     events.Publisher
	Logger     *logging.Logger
}

// Request is one file to ingest into an existing collection the caller owns.
type Request struct {
	OwnerID      string
	CollectionID string
	Filename     string
	ContentType  string
	Data         []byte
	Metadata     map[string]any
}

func (r Request) validate(maxSize int64) error {
	switch {
	case r.OwnerID == "":
		return ragerr.Validation("owner id required")
	case r.CollectionID == "":
		return ragerr.Validation("collection id required")
	case strings.TrimSpace(r.Filename) == "":
		return ragerr.Validation("filename required")
	case int64(len(r.Data)) > maxSize:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(r.Data), maxSize)
	}
	return nil
}

// ChunkFailure reports one chunk that was not stored.
type ChunkFailure struct {
	Ordinal int    `json:"ordinal"`
	Reason  string `json:"reason"`
	Err     error  `json:"-"`
}

// Result summarizes one ingestion. It is returned even when the file failed.
type Result struct {
	FileID          string         `json:"file_id"`
	Filename        string         `json:"filename"`
	ContentType     string         `json:"content_type"`
	AddedChunks     int            `json:"added_chunks"`
	ChunkIDs        []string       `json:"chunk_ids"`
	Failed          bool           `json:"failed"`
	ErrorDetail     string         `json:"error_detail,omitempty"`
	FailedChunks    []ChunkFailure `json:"failed_chunks,omitempty"`
	SecretsRedacted int            `json:"secrets_redacted"`
	ReplacedFiles   []string       `json:"replaced_files,omitempty"`
	State           State          `json:"state"`

	err error
}

// Err returns nil for a complete ingestion, an ErrPartialIngestion when
// some chunks failed, or the cause of a failed file.
func (r *Result) Err() error {
	return r.err
}

// Orchestrator runs ingestions. It is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	extractors *extract.Registry
	chunker    *chunker.Chunker
	embedder   embeddings.Embedder
	store      vectorstore.Store
	catalog    Catalog
	blobs      blob.Store
	scrubber   *secrets.Scrubber
	events     events.Publisher
	logger     *logging.Logger

	// inflight holds collection+filename keys of running ingestions.
	inflight sync.Map

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Extractors == nil || deps.Chunker == nil || deps.Embedder == nil ||
		deps.Store == nil || deps.Catalog == nil || deps.Blobs == nil {
		return nil, errors.New("ingest: extractors, chunker, embedder, store, catalog and blobs are required")
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Orchestrator{
		cfg:        cfg,
		extractors: deps.Extractors,
		chunker:    deps.Chunker,
		embedder:   deps.Embedder,
		store:      deps.Store,
		catalog:    deps.Catalog,
		blobs:      deps.Blobs,
		scrubber:   deps.Scrubber,
		events:     deps.Events,
		logger:     deps.Logger.Named("ingest"),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}, nil
}

// Ingest runs one file through the pipeline. The returned error is nil when
// at least one chunk was stored; partial failures are listed in the Result.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Result, error) {
	ctx = logging.WithOwnerID(ctx, req.OwnerID)
	ctx = logging.WithCollectionID(ctx, req.CollectionID)
	ctx, span := tracer.Start(ctx, "Orchestrator.Ingest")
	defer span.End()

	r := &run{
		o:   o,
		req: req,
		res: &Result{
			FileID:   uuid.NewString(),
			Filename: req.Filename,
			ChunkIDs: []string{},
			State:    StateReceived,
		},
		uploadedAt: o.now(),
	}
	span.SetAttributes(
		attribute.String("file_id", r.res.FileID),
		attribute.String("filename", req.Filename),
		attribute.Int("size_bytes", len(req.Data)),
	)

	start := time.Now()
	res, err := r.ingest(ctx)
	recordResult(res, time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("added_chunks", res.AddedChunks),
		attribute.Int("failed_chunks", len(res.FailedChunks)),
		attribute.String("state", string(res.State)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// run carries the state of one ingestion.
type run struct {
	o          *Orchestrator
	req        Request
	res        *Result
	uploadedAt time.Time
}

type pendingChunk struct {
	ordinal int
	content string
	meta    map[string]any
	vector  []float32
	id      string
	err     error
}

func (r *run) ingest(ctx context.Context) (*Result, error) {
	o := r.o
	if err := r.req.validate(o.cfg.MaxFileSize); err != nil {
		return r.fail(ctx, err)
	}

	key := r.req.CollectionID + "\x00" + r.req.Filename
	if _, busy := o.inflight.LoadOrStore(key, struct{}{}); busy {
		return r.fail(ctx, fmt.Errorf("%w: %s", ragerr.ErrIngestionInProgress, r.req.Filename))
	}
	defer o.inflight.Delete(key)

	r.publish(ctx, nil)
	o.logger.Info(ctx, "ingestion started",
		zap.String("file_id", r.res.FileID),
		zap.String("filename", r.req.Filename),
		zap.Int("size_bytes", len(r.req.Data)))

	// parse
	r.res.ContentType = o.extractors.Resolve(r.req.ContentType, r.req.Filename)
	sections, err := o.extractors.Extract(r.res.ContentType, r.req.Data)
	if err != nil {
		return r.fail(ctx, err)
	}
	if strings.TrimSpace(extract.TotalText(sections)) == "" {
		return r.fail(ctx, ErrNoText)
	}
	if err := r.advance(ctx, StateParsed); err != nil {
		return r.fail(ctx, err)
	}

	// chunk
	chunks := r.split(sections)
	if len(chunks) == 0 {
		return r.fail(ctx, ErrNoText)
	}
	r.scrub(chunks)
	if err := r.advance(ctx, StateChunked); err != nil {
		return r.fail(ctx, err)
	}

	// embed
	if err := r.advance(ctx, StateEmbedding); err != nil {
		return r.fail(ctx, err)
	}
	r.embed(ctx, chunks)
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, err)
	}
	if !anyEmbedded(chunks) {
		return r.fail(ctx, fmt.Errorf("no chunk could be embedded: %w", firstErr(chunks)))
	}

	// store
	if err := r.store(ctx, chunks); err != nil {
		r.discard(ctx, storedIDs(chunks))
		return r.fail(ctx, err)
	}
	ids := storedIDs(chunks)
	if len(ids) == 0 {
		return r.fail(ctx, fmt.Errorf("no chunk could be stored: %w", firstErr(chunks)))
	}
	if err := r.advance(ctx, StateStored); err != nil {
		r.discard(ctx, ids)
		return r.fail(ctx, err)
	}

	prior, err := r.register(ctx, len(ids))
	if err != nil {
		r.discard(ctx, ids)
		return r.fail(ctx, err)
	}
	r.replace(ctx, prior)

	r.res.ChunkIDs = ids
	r.res.AddedChunks = len(ids)
	for _, c := range chunks {
		if c.id == "" {
			if c.err == nil {
				c.err = errNotStored
			}
			r.res.FailedChunks = append(r.res.FailedChunks, ChunkFailure{
				Ordinal: c.ordinal, Reason: c.err.Error(), Err: c.err,
			})
		}
	}
	if n := len(r.res.FailedChunks); n > 0 {
		r.res.err = fmt.Errorf("%w: %d of %d chunks failed", ragerr.ErrPartialIngestion, n, len(chunks))
		r.res.ErrorDetail = r.res.err.Error()
	}
	if err := r.advance(ctx, StateDone); err != nil {
		return r.res, err
	}

	o.logger.Info(ctx, "ingestion complete",
		zap.String("file_id", r.res.FileID),
		zap.Int("added_chunks", r.res.AddedChunks),
		zap.Int("failed_chunks", len(r.res.FailedChunks)),
		zap.Int("replaced_files", len(prior)),
		zap.Int("secrets_redacted", r.res.SecretsRedacted))
	return r.res, nil
}

// advance moves to next and publishes the transition.
func (r *run) advance(ctx context.Context, next State) error {
	if !r.res.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, r.res.State, next)
	}
	r.res.State = next
	r.publish(ctx, nil)
	return nil
}

// fail ends the ingestion. Nothing written for this file ID stays visible.
func (r *run) fail(ctx context.Context, err error) (*Result, error) {
	r.res.Failed = true
	r.res.err = err
	r.res.ErrorDetail = err.Error()
	r.res.AddedChunks = 0
	r.res.ChunkIDs = []string{}
	if !r.res.State.Terminal() {
		r.res.State = StateFailed
	}
	r.publish(ctx, err)

	r.o.logger.Warn(ctx, "ingestion failed",
		zap.String("file_id", r.res.FileID),
		zap.String("filename", r.req.Filename),
		zap.Error(err))
	return r.res, err
}

func (r *run) publish(ctx context.Context, err error) {
	ev := events.IngestionEvent{
		FileID:       r.res.FileID,
		OwnerID:      r.req.OwnerID,
		CollectionID: r.req.CollectionID,
		Filename:     r.req.Filename,
		State:        string(r.res.State),
		AddedChunks:  r.res.AddedChunks,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.o.events.Publish(ctx, ev)
}

// split chunks every section, numbering chunks across sections.
// split chunks each section on its own, so no chunk spans a page break.
// Offsets are shifted to index the whole extracted text.
func (r *run) split(sections []extract.Section) []*pendingChunk {
	var chunks []*pendingChunk
	base := 0
	for _, sec := range sections {
		for c := range r.o.chunker.Split(sec.Text, sec.Metadata).All() {
			if strings.TrimSpace(c.Content) == "" {
				continue
			}
			c.Start += base
			c.End += base
			ordinal := len(chunks)
			chunks = append(chunks, &pendingChunk{
				ordinal: ordinal,
				content: c.Content,
				meta:    r.chunkMetadata(c, ordinal),
			})
		}
		base += utf8.RuneCountInString(sec.Text)
	}
	return chunks
}

// chunkMetadata layers caller metadata, extractor annotations and the
// orchestrator's own keys, in that order of precedence.
func (r *run) chunkMetadata(c chunker.Chunk, ordinal int) map[string]any {
	meta := make(map[string]any, len(r.req.Metadata)+len(c.Metadata)+9)
	maps.Copy(meta, r.req.Metadata)
	maps.Copy(meta, c.Metadata)

	source, _ := r.req.Metadata[vectorstore.MetaSource].(string)
	if strings.TrimSpace(source) == "" {
		source = r.req.Filename
	}
	meta[vectorstore.MetaSource] = source
	meta[vectorstore.MetaChunkIndex] = ordinal
	meta[MetaFileID] = r.res.FileID
	meta[MetaFilename] = r.req.Filename
	meta[MetaContentType] = r.res.ContentType
	meta[MetaUploadedAt] = r.uploadedAt.Format(time.RFC3339)
	meta[MetaStartOffset] = c.Start
	meta[MetaEndOffset] = c.End
	return meta
}

func (r *run) scrub(chunks []*pendingChunk) {
	if !r.o.scrubber.Enabled() {
		return
	}
	for _, c := range chunks {
		res := r.o.scrubber.Scrub(c.content)
		c.content = res.Text
		r.res.SecretsRedacted += len(res.Findings)
	}
}

// embed fills chunk vectors batch by batch with bounded concurrency. A
// failed batch marks only its own chunks; mismatched vectors mark only the
// offending chunks. After cancellation no further batch is dispatched and
// late results are dropped.
func (r *run) embed(ctx context.Context, chunks []*pendingChunk) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.content
	}

	var g errgroup.Group
	g.SetLimit(r.o.cfg.EmbedConcurrency)
	for _, b := range r.o.embedder.Batches(texts) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			vecs, err := r.o.embedder.Embed(ctx, texts[b.Start:b.End])
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				r.o.logger.Warn(ctx, "embedding batch failed",
					zap.String("file_id", r.res.FileID),
					zap.Int("batch_start", b.Start),
					zap.Int("batch_size", b.Len()),
					zap.Error(err))
			}
			for i := b.Start; i < b.End; i++ {
				var v []float32
				if vecs != nil {
					v = vecs[i-b.Start]
				}
				switch {
				case v != nil:
					chunks[i].vector = v
				case err != nil:
					chunks[i].err = err
				default:
					chunks[i].err = embeddings.ErrEmbeddingFailed
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// store upserts every embedded chunk, retrying rows the store reports
// failed for reasons other than bad input. An error means the call as a
// whole was abandoned; rows stored so far are recorded on the chunks.
func (r *run) store(ctx context.Context, chunks []*pendingChunk) error {
	o := r.o
	if err := o.store.EnsureCollection(ctx, r.req.CollectionID); err != nil {
		return fmt.Errorf("preparing collection: %w", err)
	}

	var pending []*pendingChunk
	for _, c := range chunks {
		if c.vector != nil {
			pending = append(pending, c)
		}
	}

	for attempt := 1; len(pending) > 0; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, time.Duration(attempt-1)*o.cfg.StoreBackoff); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		records := make([]vectorstore.Record, len(pending))
		for i, c := range pending {
			records[i] = vectorstore.Record{
				FileID:   r.res.FileID,
				Ordinal:  c.ordinal,
				Content:  c.content,
				Metadata: c.meta,
				Vector:   c.vector,
			}
		}

		var retry []*pendingChunk
		res, err := o.store.UpsertChunks(ctx, r.req.CollectionID, records)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			for _, c := range pending {
				c.err = err
			}
			if retryableStoreError(err) {
				retry = pending
			}
		default:
			for i, id := range res.IDs {
				if id != "" {
					pending[i].id = id
					pending[i].err = nil
				}
			}
			for _, f := range res.Failed {
				c := pending[f.Index]
				c.err = f.Err
				if retryableStoreError(f.Err) {
					retry = append(retry, c)
				}
			}
		}

		if len(retry) > 0 && attempt < o.cfg.StoreAttempts {
			o.logger.Warn(ctx, "retrying failed chunk writes",
				zap.String("file_id", r.res.FileID),
				zap.Int("attempt", attempt),
				zap.Int("rows", len(retry)))
			pending = retry
			continue
		}
		break
	}
	return nil
}

// retryableStoreError is false for rows that can never succeed.
func retryableStoreError(err error) bool {
	return !errors.Is(err, ragerr.ErrValidation) && !errors.Is(err, ragerr.ErrDimensionMismatch)
}

// register saves the raw bytes and the catalog row, returning the file
// versions the new row replaced.
func (r *run) register(ctx context.Context, chunkCount int) ([]catalog.SourceFile, error) {
	o := r.o
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	locator, err := o.blobs.Put(ctx, r.req.Data)
	if err != nil {
		return nil, fmt.Errorf("storing raw file: %w", err)
	}

	meta := maps.Clone(r.req.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	prior, err := o.catalog.ReplaceFile(ctx, catalog.SourceFile{
		ID:           r.res.FileID,
		CollectionID: r.req.CollectionID,
		Filename:     r.req.Filename,
		ContentType:  r.res.ContentType,
		Size:         int64(len(r.req.Data)),
		Locator:      locator,
		Metadata:     meta,
		ChunkCount:   chunkCount,
		UploadedAt:   r.uploadedAt,
	})
	if err != nil {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if delErr := o.blobs.Delete(cctx, locator); delErr != nil {
			o.logger.Error(ctx, "removing orphaned blob", zap.String("locator", locator), zap.Error(delErr))
		}
		return nil, fmt.Errorf("recording file: %w", err)
	}
	return prior, nil
}

// replace removes chunks and blobs of superseded file versions.
func (r *run) replace(ctx context.Context, prior []catalog.SourceFile) {
	if len(prior) == 0 {
		return
	}
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	for _, p := range prior {
		r.res.ReplacedFiles = append(r.res.ReplacedFiles, p.ID)
		if err := r.o.store.DeleteFile(cctx, r.req.CollectionID, p.ID); err != nil {
			r.o.logger.Error(ctx, "removing replaced file chunks",
				zap.String("file_id", p.ID), zap.Error(err))
		}
		if err := r.o.blobs.Delete(cctx, p.Locator); err != nil {
			r.o.logger.Error(ctx, "removing replaced file blob",
				zap.String("file_id", p.ID), zap.Error(err))
		}
	}
}

// discard deletes rows written by this run.
func (r *run) discard(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := r.o.store.DeleteChunks(cctx, r.req.CollectionID, ids); err != nil {
		r.o.logger.Error(ctx, "discarding stored chunks",
			zap.String("file_id", r.res.FileID),
			zap.Int("count", len(ids)),
			zap.Error(err))
	}
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func anyEmbedded(chunks []*pendingChunk) bool {
	for _, c := range chunks {
		if c.vector != nil {
			return true
		}
	}
	return false
}

func storedIDs(chunks []*pendingChunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.id != "" {
			ids = append(ids, c.id)
		}
	}
	return ids
}

func firstErr(chunks []*pendingChunk) error {
	for _, c := range chunks {
		if c.err != nil {
			return c.err
		}
	}
	return embeddings.ErrEmbeddingFailed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
