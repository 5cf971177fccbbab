// Package vectorstore persists chunk vectors with their metadata and answers
// nearest-neighbour queries within a collection.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = fmt.Errorf("%w: vector collection", ragerr.ErrNotFound)

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = fmt.Errorf("%w: failed to connect to Qdrant", ragerr.ErrServiceUnavailable)

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = fmt.Errorf("%w: invalid collection name", ragerr.ErrValidation)

	// ErrDimensionMismatch is reported for rows whose vector has the wrong length.
	ErrDimensionMismatch = fmt.Errorf("%w: vector length", ragerr.ErrDimensionMismatch)

	// ErrInvalidVector is reported for zero, NaN or Inf vectors.
	ErrInvalidVector = fmt.Errorf("%w: invalid vector", ragerr.ErrValidation)

	// ErrMissingMetadata is reported for rows lacking a required metadata key.
	ErrMissingMetadata = fmt.Errorf("%w: missing required metadata", ragerr.ErrValidation)
)

// Store is the interface for vector storage operations.
//
// Collections are addressed by the catalog's collection UUID; each store
// maps it to its own physical collection name. Every call is bounded by the
// store's call timeout. A timeout is reported as ragerr.ErrTransient.
type Store interface {
	// EnsureCollection creates the physical collection if it does not exist.
	EnsureCollection(ctx context.Context, collectionID string) error

	// UpsertChunks writes records and assigns their chunk IDs. Rows that
	// fail validation or the write are listed in UpsertResult.Failed and
	// leave nothing behind; the other rows are kept. The error is non-nil
	// only when the call as a whole could not run.
	UpsertChunks(ctx context.Context, collectionID string, records []Record) (*UpsertResult, error)

	// Search returns at most opts.TopK chunks ordered by descending score,
	// ties broken by ascending chunk ID.
	Search(ctx context.Context, collectionID string, query []float32, opts SearchOptions) ([]ScoredChunk, error)

	// ListChunks pages through stored chunks ordered by file and ordinal.
	// An empty fileID lists the whole collection.
	ListChunks(ctx context.Context, collectionID, fileID string, limit, offset int) ([]Chunk, error)

	// DeleteFile removes every chunk of a source file.
	DeleteFile(ctx context.Context, collectionID, fileID string) error

	// DeleteChunks removes chunks by ID. Unknown IDs are ignored.
	DeleteChunks(ctx context.Context, collectionID string, ids []string) error

	// DeleteCollection drops the collection and all its chunks. Deleting an
	// absent collection succeeds.
	DeleteCollection(ctx context.Context, collectionID string) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}
