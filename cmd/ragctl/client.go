package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/ragd/internal/extract"
	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/search"
)

// client talks to the ragd REST API as one identity.
type client struct {
	baseURL  string
	identity string
	header   string
	http     *http.Client
}

func newClient(baseURL, identity, header string, timeout time.Duration) *client {
	return &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		header:   header,
		http:     &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.identity != "" {
		req.Header.Set(c.header, c.identity)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Uploads answer 400 with a full summary when nothing was processed.
	if resp.StatusCode >= 300 {
		var er ragdhttp.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return &apiError{Status: resp.StatusCode, Message: er.Error}
		}
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func collectionPath(id string, rest ...string) string {
	parts := append([]string{"/api/v1/collections", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

func (c *client) Health(ctx context.Context) (*ragdhttp.HealthResponse, error) {
	var out ragdhttp.HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	if err != nil && out.Status == "" {
		return nil, err
	}
	return &out, err
}

func (c *client) CreateCollection(ctx context.Context, name string, metadata map[string]any) (*ragdhttp.CollectionResponse, error) {
	var out ragdhttp.CollectionResponse
	req := ragdhttp.CreateCollectionRequest{Name: name, Metadata: metadata}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/collections", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) ListCollections(ctx context.Context) ([]ragdhttp.CollectionResponse, error) {
	var out []ragdhttp.CollectionResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/collections", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) GetCollection(ctx context.Context, id string) (*ragdhttp.CollectionResponse, error) {
	var out ragdhttp.CollectionResponse
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) DeleteCollection(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, collectionPath(id), nil, nil)
}

// Upload sends files as one multipart request. Metadata, when given, is
// applied to every file.
func (c *client) Upload(ctx context.Context, collectionID string, paths []string, metadata map[string]any) (*ragdhttp.UploadResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", p, err)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filepath.Base(p)))
		h.Set("Content-Type", contentTypeFor(p, data))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
	}
	if metadata != nil {
		all := make([]map[string]any, len(paths))
		for i := range all {
			all[i] = metadata
		}
		encoded, err := json.Marshal(all)
		if err != nil {
			return nil, err
		}
		if err := w.WriteField("metadata", string(encoded)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out ragdhttp.UploadResponse
	err := c.do(ctx, http.MethodPost, collectionPath(collectionID, "files"), w.FormDataContentType(), &buf, &out)
	if err != nil && len(out.FailedFiles) == 0 {
		return nil, err
	}
	return &out, err
}

// ListFiles pages through one collection's files, or through all of the
// caller's files when collectionID is empty.
func (c *client) ListFiles(ctx context.Context, collectionID string, limit, offset int) (*ragdhttp.FileListResponse, error) {
	path := "/api/v1/user/files"
	if collectionID != "" {
		path = collectionPath(collectionID, "files")
	}
	var out ragdhttp.FileListResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery(path, pageQuery(limit, offset)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) FileStats(ctx context.Context, collectionID string) (*ragdhttp.FileStatsResponse, error) {
	var out ragdhttp.FileStatsResponse
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(collectionID, "files", "stats"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Usage(ctx context.Context) (*ragdhttp.UsageResponse, error) {
	var out ragdhttp.UsageResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/user/files/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) DeleteFile(ctx context.Context, collectionID, fileID string) error {
	return c.doJSON(ctx, http.MethodDelete, collectionPath(collectionID, "files", url.PathEscape(fileID)), nil, nil)
}

func (c *client) ListChunks(ctx context.Context, collectionID, fileID string, limit, offset int) (*ragdhttp.ChunkListResponse, error) {
	q := pageQuery(limit, offset)
	if fileID != "" {
		q.Set("file_id", fileID)
	}
	var out ragdhttp.ChunkListResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery(collectionPath(collectionID, "chunks"), q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Search(ctx context.Context, collectionID string, req ragdhttp.SearchRequest) (*search.Response, error) {
	var out search.Response
	if err := c.doJSON(ctx, http.MethodPost, collectionPath(collectionID, "search"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// pageQuery leaves unset values to the server defaults.
func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// contentTypeFor resolves the type the server would infer from the file
// extension, falling back to sniffing the content.
func contentTypeFor(path string, data []byte) string {
	if ct := extract.NewRegistry().Resolve("", path); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
