package rag

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/blob"
	"github.com/fyrsmithlabs/ragd/internal/catalog"
	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/extract"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Open builds every component from cfg and returns a ready Service. The
// components are released by Service.Close, or here if a later step fails.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = logging.Nop()
	}
	zl := logger.Underlying()

	var closers []func() error
	defer func() {
		if err != nil {
			slices.Reverse(closers)
			for _, c := range closers {
				_ = c()
			}
		}
	}()

	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	closers = append(closers, cat.Close)

	blobs, err := blob.NewFileStore(cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	embedder, err := embeddings.New(cfg.Embeddings.Client(), zl)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	closers = append(closers, embedder.Close)

	store, err := vectorstore.New(cfg.VectorStore, embedder.Dimension(), zl)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	closers = append(closers, store.Close)
	if err := store.Health(ctx); err != nil {
		logger.Warn(ctx, "vector store not reachable at startup", zap.Error(err))
	}

	chunks, err := chunker.New(cfg.Chunking)
	if err != nil {
		return nil, err
	}
	scrubber, err := secrets.New(cfg.Scrubbing)
	if err != nil {
		return nil, fmt.Errorf("building secret scrubber: %w", err)
	}
	publisher, err := events.New(cfg.Events, zl)
	if err != nil {
		return nil, fmt.Errorf("connecting event publisher: %w", err)
	}
	closers = append(closers, func() error { publisher.Close(); return nil })

	ing, err := ingest.New(cfg.Ingest, ingest.Deps{
		Extractors: extract.NewRegistry(),
		Chunker:    chunks,
		Embedder:   embedder,
		Store:      store,
		Catalog:    cat,
		Blobs:      blobs,
		Scrubber:   scrubber,
		Events:     publisher,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	srch, err := search.New(cfg.Search, embedder, store, cat, logger)
	if err != nil {
		return nil, err
	}

	closeOrder := slices.Clone(closers)
	slices.Reverse(closeOrder)

	svc, err = NewService(Deps{
		Catalog: cat,
		Blobs:   blobs,
		Store:   store,
		Ingest:  ing,
		Search:  srch,
		Logger:  logger,
		closers: closeOrder,
	})
	return svc, err
}
