package http

import (
	"time"

	"github.com/fyrsmithlabs/ragd/internal/search"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// CreateCollectionRequest is the body for POST /api/v1/collections.
type CreateCollectionRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateCollectionRequest is the body for PATCH /api/v1/collections/:id.
type UpdateCollectionRequest struct {
	Name     *string        `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CollectionResponse describes one collection.
type CollectionResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FileResponse describes one ingested file.
type FileResponse struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Filename     string         `json:"filename"`
	ContentType  string         `json:"content_type"`
	Size         int64          `json:"size"`
	ChunkCount   int            `json:"chunk_count"`
	Metadata     map[string]any `json:"metadata"`
	UploadedAt   time.Time      `json:"uploaded_at"`
}

// FileListResponse is one page of files. Total counts every file the
// listing covers.
type FileListResponse struct {
	Files  []FileResponse `json:"files"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// FileStatsResponse is the body for GET .../files/stats.
type FileStatsResponse struct {
	CollectionID string `json:"collection_id"`
	FileCount    int    `json:"file_count"`
}

// UsageResponse is the body for GET /api/v1/user/files/stats.
type UsageResponse struct {
	FileCount       int     `json:"file_count"`
	TotalFileSize   int64   `json:"total_file_size"`
	TotalFileSizeMB float64 `json:"total_file_size_mb"`
}

// ChunkResponse describes one stored chunk.
type ChunkResponse struct {
	ID       string         `json:"id"`
	FileID   string         `json:"file_id"`
	Ordinal  int            `json:"ordinal"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// ChunkListResponse is the body for GET .../chunks.
type ChunkListResponse struct {
	Chunks []ChunkResponse `json:"chunks"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// UploadResponse is the body for POST .../files.
type UploadResponse struct {
	Success        bool         `json:"success"`
	Message        string       `json:"message"`
	ProcessedFiles int          `json:"processed_files"`
	AddedChunks    int          `json:"added_chunks"`
	AddedChunkIDs  []string     `json:"added_chunk_ids"`
	FailedFiles    []FailedFile `json:"failed_files"`
	Warnings       []string     `json:"warnings"`
}

// FailedFile names an upload that stored nothing.
type FailedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// SearchRequest is the body for POST .../search.
type SearchRequest struct {
	Query   string         `json:"query"`
	Limit   int            `json:"limit,omitempty"`
	Filters search.Filters `json:"filters,omitempty"`
}
