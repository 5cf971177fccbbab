package http

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/catalog"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Multipart field names for uploads.
const (
	formFiles    = "files"
	formMetadata = "metadata"
)

// Default page sizes when the request omits limit.
const (
	defaultChunkLimit = 20
	defaultFileLimit  = 50
)

// pageParams reads limit and offset from the query string.
func pageParams(c echo.Context, defaultLimit int) (limit, offset int, err error) {
	if err := echo.QueryParamsBinder(c).
		Int("limit", &limit).
		Int("offset", &offset).
		BindError(); err != nil {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "limit and offset must be integers")
	}
	if limit == 0 {
		limit = defaultLimit
	}
	return limit, offset, nil
}

func ownerID(c echo.Context) (string, error) {
	id, ok := auth.OwnerID(c)
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Components: map[string]string{}}
	code := http.StatusOK
	for name, err := range s.svc.Health(c.Request().Context()) {
		if err != nil {
			resp.Status = "degraded"
			resp.Components[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	return c.JSON(code, resp)
}

func (s *Server) handleCreateCollection(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	var req CreateCollectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	col, err := s.svc.CreateCollection(c.Request().Context(), owner, req.Name, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toCollection(col))
}

func (s *Server) handleListCollections(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	cols, err := s.svc.ListCollections(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	out := make([]CollectionResponse, len(cols))
	for i := range cols {
		out[i] = toCollection(&cols[i])
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetCollection(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	col, err := s.svc.GetCollection(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toCollection(col))
}

func (s *Server) handleUpdateCollection(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	var req UpdateCollectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == nil && req.Metadata == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update: set name or metadata")
	}
	col, err := s.svc.UpdateCollection(c.Request().Context(), owner, c.Param("id"),
		catalog.CollectionUpdate{Name: req.Name, Metadata: req.Metadata})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toCollection(col))
}

func (s *Server) handleDeleteCollection(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	if err := s.svc.DeleteCollection(c.Request().Context(), owner, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleUpload ingests the multipart "files" parts. An optional "metadata"
// field holds a JSON array with one object per file, in order.
func (s *Server) handleUpload(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart/form-data")
	}
	headers := form.File[formFiles]
	if len(headers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files provided")
	}
	if len(headers) > s.config.MaxUploadFiles {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("too many files: %d (max %d)", len(headers), s.config.MaxUploadFiles))
	}
	metas, err := parseFileMetadata(form.Value[formMetadata], len(headers))
	if err != nil {
		return err
	}

	uploads := make([]ingest.Upload, len(headers))
	for i, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("reading %s: %v", fh.Filename, err))
		}
		uploads[i] = ingest.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Data:        data,
			Metadata:    metas[i],
		}
	}

	sum, err := s.svc.IngestFiles(c.Request().Context(), owner, c.Param("id"), uploads)
	if err != nil {
		return err
	}

	resp := toUploadResponse(sum, len(uploads))
	if !resp.Success {
		return c.JSON(http.StatusBadRequest, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// parseFileMetadata decodes the per-file metadata array. Without the field
// every file gets nil metadata.
func parseFileMetadata(values []string, files int) ([]map[string]any, error) {
	metas := make([]map[string]any, files)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return metas, nil
	}
	var parsed []map[string]any
	if err := json.Unmarshal([]byte(values[0]), &parsed); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "metadata must be a JSON array of objects")
	}
	if len(parsed) != files {
		return nil, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("metadata has %d entries for %d files", len(parsed), files))
	}
	return parsed, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func toUploadResponse(sum *ingest.Summary, total int) UploadResponse {
	failed := make([]FailedFile, len(sum.FailedFiles))
	for i, f := range sum.FailedFiles {
		failed[i] = FailedFile{Filename: f.Filename, Error: f.Error}
	}
	resp := UploadResponse{
		Success:        sum.ProcessedFiles > 0,
		ProcessedFiles: sum.ProcessedFiles,
		AddedChunks:    sum.AddedChunks,
		AddedChunkIDs:  sum.ChunkIDs,
		FailedFiles:    failed,
		Warnings:       sum.Warnings,
	}
	switch {
	case sum.ProcessedFiles == 0:
		resp.Message = "no files were processed"
	case len(failed) > 0:
		resp.Message = fmt.Sprintf("processed %d of %d files", sum.ProcessedFiles, total)
	default:
		resp.Message = fmt.Sprintf("processed %d files", sum.ProcessedFiles)
	}
	return resp
}

func (s *Server) handleListFiles(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	limit, offset, err := pageParams(c, defaultFileLimit)
	if err != nil {
		return err
	}
	page, err := s.svc.ListFiles(c.Request().Context(), owner, c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toFileList(page, limit, offset))
}

func (s *Server) handleListOwnerFiles(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	limit, offset, err := pageParams(c, defaultFileLimit)
	if err != nil {
		return err
	}
	page, err := s.svc.ListOwnerFiles(c.Request().Context(), owner, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toFileList(page, limit, offset))
}

func (s *Server) handleFileStats(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	n, err := s.svc.CountFiles(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FileStatsResponse{CollectionID: c.Param("id"), FileCount: n})
}

func (s *Server) handleUsage(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	u, err := s.svc.Usage(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, UsageResponse{
		FileCount:       u.Files,
		TotalFileSize:   u.Bytes,
		TotalFileSizeMB: math.Round(float64(u.Bytes)/(1<<20)*100) / 100,
	})
}

func (s *Server) handleGetFile(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	f, err := s.svc.GetFile(c.Request().Context(), owner, c.Param("id"), c.Param("file_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toFile(f))
}

func (s *Server) handleFileContent(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	f, data, err := s.svc.FileContent(c.Request().Context(), owner, c.Param("id"), c.Param("file_id"))
	if err != nil {
		return err
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", f.Filename))
	return c.Blob(http.StatusOK, contentType, data)
}

func (s *Server) handleDeleteFile(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	if err := s.svc.DeleteFile(c.Request().Context(), owner, c.Param("id"), c.Param("file_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListChunks(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	limit, offset, err := pageParams(c, defaultChunkLimit)
	if err != nil {
		return err
	}
	chunks, err := s.svc.ListChunks(c.Request().Context(), owner, c.Param("id"), c.QueryParam("file_id"), limit, offset)
	if err != nil {
		return err
	}
	out := ChunkListResponse{Chunks: make([]ChunkResponse, len(chunks)), Limit: limit, Offset: offset}
	for i, ch := range chunks {
		out.Chunks[i] = toChunk(ch)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSearch(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := s.svc.Search(c.Request().Context(), search.Request{
		OwnerID:      owner,
		CollectionID: c.Param("id"),
		Query:        req.Query,
		Limit:        req.Limit,
		Filters:      req.Filters,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func toCollection(c *catalog.Collection) CollectionResponse {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return CollectionResponse{ID: c.ID, Name: c.Name, Metadata: meta, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

func toFile(f *catalog.SourceFile) FileResponse {
	meta := f.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return FileResponse{
		ID:           f.ID,
		CollectionID: f.CollectionID,
		Filename:     f.Filename,
		ContentType:  f.ContentType,
		Size:         f.Size,
		ChunkCount:   f.ChunkCount,
		Metadata:     meta,
		UploadedAt:   f.UploadedAt,
	}
}

func toFileList(page *catalog.FilePage, limit, offset int) FileListResponse {
	out := FileListResponse{Files: make([]FileResponse, len(page.Files)), Total: page.Total, Limit: limit, Offset: offset}
	for i := range page.Files {
		out.Files[i] = toFile(&page.Files[i])
	}
	return out
}

func toChunk(c vectorstore.Chunk) ChunkResponse {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return ChunkResponse{ID: c.ID, FileID: c.FileID, Ordinal: c.Ordinal, Content: c.Content, Metadata: meta}
}
