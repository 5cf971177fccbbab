package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// Upload is one file of a multi-file ingestion.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	Metadata    map[string]any
}

// FileFailure names a file that stored no chunks.
type FileFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
	Err      error  `json:"-"`
}

// Summary aggregates a multi-file ingestion, in upload order.
type Summary struct {
	ProcessedFiles int           `json:"processed_files"`
	AddedChunks    int           `json:"added_chunks"`
	ChunkIDs       []string      `json:"added_chunk_ids"`
	FailedFiles    []FileFailure `json:"failed_files"`
	Warnings       []string      `json:"warnings"`
	Results        []*Result     `json:"-"`
}

// IngestFiles ingests uploads in parallel into one collection. A failing
// file never affects its siblings.
func (o *Orchestrator) IngestFiles(ctx context.Context, ownerID, collectionID string, uploads []Upload) *Summary {
	ctx = logging.WithOwnerID(ctx, ownerID)
	ctx, span := tracer.Start(ctx, "Orchestrator.IngestFiles")
	defer span.End()

	results := make([]*Result, len(uploads))
	var g errgroup.Group
	g.SetLimit(o.cfg.FileConcurrency)
	for i, u := range uploads {
		g.Go(func() error {
			results[i], _ = o.Ingest(ctx, Request{
				OwnerID:      ownerID,
				CollectionID: collectionID,
				Filename:     u.Filename,
				ContentType:  u.ContentType,
				Data:         u.Data,
				Metadata:     u.Metadata,
			})
			return nil
		})
	}
	_ = g.Wait()

	sum := &Summary{
		ChunkIDs:    []string{},
		FailedFiles: []FileFailure{},
		Warnings:    []string{},
		Results:     results,
	}
	for _, res := range results {
		if res.Failed {
			sum.FailedFiles = append(sum.FailedFiles, FileFailure{
				Filename: res.Filename,
				Error:    res.ErrorDetail,
				Err:      res.Err(),
			})
			continue
		}
		sum.ProcessedFiles++
		sum.AddedChunks += res.AddedChunks
		sum.ChunkIDs = append(sum.ChunkIDs, res.ChunkIDs...)
		if n := len(res.FailedChunks); n > 0 {
			sum.Warnings = append(sum.Warnings,
				fmt.Sprintf("%s: %d chunk(s) could not be stored", res.Filename, n))
		}
		if res.SecretsRedacted > 0 {
			sum.Warnings = append(sum.Warnings,
				fmt.Sprintf("%s: %d secret(s) redacted", res.Filename, res.SecretsRedacted))
		}
	}

	o.logger.Info(ctx, "multi-file ingestion complete",
		zap.String("collection_id", collectionID),
		zap.Int("files", len(uploads)),
		zap.Int("processed_files", sum.ProcessedFiles),
		zap.Int("failed_files", len(sum.FailedFiles)),
		zap.Int("added_chunks", sum.AddedChunks))
	return sum
}
