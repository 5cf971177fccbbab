// Package rag is the core of ragd: it ties the catalog, blob store, vector
// store and the ingestion and search orchestrators into one owner-scoped API.
//
// Every operation takes an owner ID that the caller has already
// authenticated. Collections that belong to another owner are reported as
// not found.
package rag

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/blob"
	"github.com/fyrsmithlabs/ragd/internal/catalog"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

var tracer = otel.Tracer("ragd.rag")

// Listing bounds.
const (
	MaxChunkPage     = 100
	DefaultChunkPage = 20
	MaxFilePage      = 100
	DefaultFilePage  = 50
)

// Deps are the components a Service coordinates.
type Deps struct {
	Catalog *catalog.Store
	Blobs   blob.Store
	Store   vectorstore.Store
	Ingest  *ingest.Orchestrator
	Search  *search.Orchestrator
	Logger  *logging.Logger

	// closers run in order on Close.
	closers []func() error
}

// Service is safe for concurrent use.
type Service struct {
	catalog *catalog.Store
	blobs   blob.Store
	store   vectorstore.Store
	ingest  *ingest.Orchestrator
	search  *search.Orchestrator
	logger  *logging.Logger
	closers []func() error
}

// NewService creates a Service over already-built components.
func NewService(deps Deps) (*Service, error) {
	if deps.Catalog == nil || deps.Blobs == nil || deps.Store == nil || deps.Ingest == nil || deps.Search == nil {
		return nil, errors.New("rag: catalog, blobs, store, ingest and search are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Service{
		catalog: deps.Catalog,
		blobs:   deps.Blobs,
		store:   deps.Store,
		ingest:  deps.Ingest,
		search:  deps.Search,
		logger:  deps.Logger.Named("rag"),
		closers: deps.closers,
	}, nil
}

// Close releases the components opened by Open.
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateCollection registers a collection and provisions its vector space.
func (s *Service) CreateCollection(ctx context.Context, ownerID, name string, metadata map[string]any) (*catalog.Collection, error) {
	ctx = logging.WithOwnerID(ctx, ownerID)
	ctx, span := tracer.Start(ctx, "Service.CreateCollection")
	defer span.End()

	c, err := s.catalog.CreateCollection(ctx, ownerID, name, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.store.EnsureCollection(ctx, c.ID); err != nil {
		if _, rbErr := s.catalog.DeleteCollection(context.WithoutCancel(ctx), ownerID, c.ID); rbErr != nil {
			s.logger.Error(ctx, "rolling back collection failed", zap.String("collection_id", c.ID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("provisioning vector collection: %w", err)
	}
	s.logger.Info(logging.WithCollectionID(ctx, c.ID), "collection created", zap.String("name", c.Name))
	return c, nil
}

// ListCollections returns the owner's collections, oldest first.
func (s *Service) ListCollections(ctx context.Context, ownerID string) ([]catalog.Collection, error) {
	return s.catalog.ListCollections(ctx, ownerID)
}

// GetCollection returns one of the owner's collections.
func (s *Service) GetCollection(ctx context.Context, ownerID, id string) (*catalog.Collection, error) {
	return s.catalog.GetCollection(ctx, ownerID, id)
}

// UpdateCollection renames a collection or replaces its metadata.
func (s *Service) UpdateCollection(ctx context.Context, ownerID, id string, upd catalog.CollectionUpdate) (*catalog.Collection, error) {
	return s.catalog.UpdateCollection(ctx, ownerID, id, upd)
}

// DeleteCollection removes a collection with all its chunks, files and blobs.
// The vector collection goes first so a failure leaves the catalog intact
// and the delete can be retried.
func (s *Service) DeleteCollection(ctx context.Context, ownerID, id string) error {
	ctx = logging.WithCollectionID(logging.WithOwnerID(ctx, ownerID), id)
	ctx, span := tracer.Start(ctx, "Service.DeleteCollection")
	defer span.End()

	if _, err := s.catalog.GetCollection(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteCollection(ctx, id); err != nil {
		return fmt.Errorf("deleting vector collection: %w", err)
	}
	files, err := s.catalog.DeleteCollection(ctx, ownerID, id)
	if err != nil {
		return err
	}
	for _, f := range files {
		s.deleteBlob(ctx, f)
	}
	s.logger.Info(ctx, "collection deleted", zap.Int("files", len(files)))
	return nil
}

// Ingest adds one file to a collection the owner holds.
func (s *Service) Ingest(ctx context.Context, ownerID, collectionID string, u ingest.Upload) (*ingest.Result, error) {
	if _, err := s.catalog.GetCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	return s.ingest.Ingest(ctx, ingest.Request{
		OwnerID:      ownerID,
		CollectionID: collectionID,
		Filename:     u.Filename,
		ContentType:  u.ContentType,
		Data:         u.Data,
		Metadata:     u.Metadata,
	})
}

// IngestFiles adds several files in parallel. Per-file failures are listed in
// the Summary; the error is reserved for an unknown collection or empty input.
func (s *Service) IngestFiles(ctx context.Context, ownerID, collectionID string, uploads []ingest.Upload) (*ingest.Summary, error) {
	if len(uploads) == 0 {
		return nil, ragerr.Validation("no files provided")
	}
	if _, err := s.catalog.GetCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	return s.ingest.IngestFiles(ctx, ownerID, collectionID, uploads), nil
}

// Search runs a semantic query in one collection.
func (s *Service) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	return s.search.Search(ctx, req)
}

// ListFiles pages through the collection's files, newest first. A limit of
// zero selects DefaultFilePage.
func (s *Service) ListFiles(ctx context.Context, ownerID, collectionID string, limit, offset int) (*catalog.FilePage, error) {
	limit, err := filePage(limit, offset)
	if err != nil {
		return nil, err
	}
	return s.catalog.PageFiles(ctx, ownerID, collectionID, limit, offset)
}

// ListOwnerFiles pages through the files of all the owner's collections.
func (s *Service) ListOwnerFiles(ctx context.Context, ownerID string, limit, offset int) (*catalog.FilePage, error) {
	limit, err := filePage(limit, offset)
	if err != nil {
		return nil, err
	}
	return s.catalog.PageOwnerFiles(ctx, ownerID, limit, offset)
}

func filePage(limit, offset int) (int, error) {
	if limit == 0 {
		limit = DefaultFilePage
	}
	if limit < 1 || limit > MaxFilePage {
		return 0, ragerr.Validation("limit must be between 1 and %d, got %d", MaxFilePage, limit)
	}
	if offset < 0 {
		return 0, ragerr.Validation("offset must be >= 0, got %d", offset)
	}
	return limit, nil
}

// CountFiles returns the number of files in the collection.
func (s *Service) CountFiles(ctx context.Context, ownerID, collectionID string) (int, error) {
	return s.catalog.CountFiles(ctx, ownerID, collectionID)
}

// Usage returns the owner's file count and stored bytes.
func (s *Service) Usage(ctx context.Context, ownerID string) (catalog.Usage, error) {
	return s.catalog.OwnerUsage(ctx, ownerID)
}

// GetFile returns one file's record.
func (s *Service) GetFile(ctx context.Context, ownerID, collectionID, fileID string) (*catalog.SourceFile, error) {
	return s.catalog.GetFile(ctx, ownerID, collectionID, fileID)
}

// FileContent returns a file's record and its original bytes.
func (s *Service) FileContent(ctx context.Context, ownerID, collectionID, fileID string) (*catalog.SourceFile, []byte, error) {
	f, err := s.catalog.GetFile(ctx, ownerID, collectionID, fileID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Get(ctx, f.Locator)
	if err != nil {
		return nil, nil, fmt.Errorf("reading file content: %w", err)
	}
	return f, data, nil
}

// DeleteFile removes a file's chunks, record and blob.
func (s *Service) DeleteFile(ctx context.Context, ownerID, collectionID, fileID string) error {
	ctx = logging.WithCollectionID(logging.WithOwnerID(ctx, ownerID), collectionID)
	ctx, span := tracer.Start(ctx, "Service.DeleteFile")
	defer span.End()

	if _, err := s.catalog.GetFile(ctx, ownerID, collectionID, fileID); err != nil {
		return err
	}
	if err := s.store.DeleteFile(ctx, collectionID, fileID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	f, err := s.catalog.DeleteFile(ctx, ownerID, collectionID, fileID)
	if err != nil {
		return err
	}
	s.deleteBlob(ctx, *f)
	s.logger.Info(ctx, "file deleted", zap.String("file_id", fileID), zap.String("filename", f.Filename))
	return nil
}

// ListChunks pages through stored chunks, optionally of one file. A limit
// of zero selects DefaultChunkPage.
func (s *Service) ListChunks(ctx context.Context, ownerID, collectionID, fileID string, limit, offset int) ([]vectorstore.Chunk, error) {
	if limit == 0 {
		limit = DefaultChunkPage
	}
	if limit < 1 || limit > MaxChunkPage {
		return nil, ragerr.Validation("limit must be between 1 and %d, got %d", MaxChunkPage, limit)
	}
	if offset < 0 {
		return nil, ragerr.Validation("offset must be >= 0, got %d", offset)
	}
	if _, err := s.catalog.GetCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	if fileID != "" {
		if _, err := s.catalog.GetFile(ctx, ownerID, collectionID, fileID); err != nil {
			return nil, err
		}
	}
	chunks, err := s.store.ListChunks(ctx, collectionID, fileID, limit, offset)
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []vectorstore.Chunk{}
	}
	return chunks, nil
}

// Health checks the catalog and the vector store. The map holds one entry
// per component; a nil value means healthy.
func (s *Service) Health(ctx context.Context) map[string]error {
	return map[string]error{
		"catalog":     s.catalog.Ping(ctx),
		"vectorstore": s.store.Health(ctx),
	}
}

// deleteBlob logs instead of failing: the record is already gone.
func (s *Service) deleteBlob(ctx context.Context, f catalog.SourceFile) {
	if f.Locator == "" {
		return
	}
	if err := s.blobs.Delete(context.WithoutCancel(ctx), f.Locator); err != nil {
		s.logger.Warn(ctx, "deleting blob failed",
			zap.String("file_id", f.ID), zap.String("locator", f.Locator), zap.Error(err))
	}
}
