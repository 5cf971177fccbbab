// Package catalog is the SQLite registry of collections and their source
// files. Every lookup is scoped to an owner: a collection owned by someone
// else is reported as not found.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/ragd/internal/catalog/migrations"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// MaxNameLength bounds collection names.
const MaxNameLength = 255

// ErrDuplicateName is returned when an owner already has a collection with the name.
var ErrDuplicateName = fmt.Errorf("%w: collection name already exists", ragerr.ErrConflict)

// Config configures the catalog database.
type Config struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
}

// DefaultConfig returns the default catalog location.
func DefaultConfig() Config {
	return Config{Path: "data/catalog.db"}
}

// Collection is a named, owner-scoped group of files.
type Collection struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SourceFile is one ingested upload.
type SourceFile struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Filename     string         `json:"filename"`
	ContentType  string         `json:"content_type"`
	Size         int64          `json:"size"`
	Locator      string         `json:"-"`
	Metadata     map[string]any `json:"metadata"`
	ChunkCount   int            `json:"chunk_count"`
	UploadedAt   time.Time      `json:"uploaded_at"`
}

// CollectionUpdate holds the fields to change; nil fields are left as is.
type CollectionUpdate struct {
	Name     *string
	Metadata map[string]any
}

// Store is the SQLite-backed catalog.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the catalog at cfg.Path and migrates it.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("catalog path required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// WAL mode for concurrent readers
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:   db,
		path: cfg.Path,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: catalog: %v", ragerr.ErrServiceUnavailable, err)
	}
	return nil
}

// migrate runs all pending migrations, each in its own transaction.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_initial.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}
	return nil
}

// ==================== Collections ====================

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ragerr.Validation("collection name must not be empty")
	}
	if len(name) > MaxNameLength {
		return "", ragerr.Validation("collection name exceeds %d characters", MaxNameLength)
	}
	return name, nil
}

// CreateCollection registers a new collection for owner.
func (s *Store) CreateCollection(ctx context.Context, ownerID, name string, metadata map[string]any) (*Collection, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, ragerr.Validation("collection metadata: %v", err)
	}

	now := s.now()
	c := &Collection{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (id, owner_id, name, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.OwnerID, c.Name, string(metaJSON), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		return nil, fmt.Errorf("inserting collection: %w", err)
	}
	return c, nil
}

// GetCollection returns the owner's collection.
func (s *Store) GetCollection(ctx context.Context, ownerID, id string) (*Collection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, metadata, created_at, updated_at
		FROM collections WHERE id = ? AND owner_id = ?
	`, id, ownerID)

	c, err := scanCollection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ragerr.NotFound("collection", id)
		}
		return nil, err
	}
	return c, nil
}

// ListCollections returns the owner's collections, oldest first.
func (s *Store) ListCollections(ctx context.Context, ownerID string) ([]Collection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, metadata, created_at, updated_at
		FROM collections WHERE owner_id = ?
		ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	defer rows.Close()

	collections := []Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		collections = append(collections, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collections: %w", err)
	}
	return collections, nil
}

// UpdateCollection renames a collection and/or replaces its metadata.
func (s *Store) UpdateCollection(ctx context.Context, ownerID, id string, upd CollectionUpdate) (*Collection, error) {
	c, err := s.GetCollection(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		if c.Name, err = validateName(*upd.Name); err != nil {
			return nil, err
		}
	}
	if upd.Metadata != nil {
		c.Metadata = upd.Metadata
	}
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, ragerr.Validation("collection metadata: %v", err)
	}
	c.UpdatedAt = s.now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE collections SET name = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, c.Name, string(metaJSON), c.UpdatedAt, id, ownerID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, c.Name)
		}
		return nil, fmt.Errorf("updating collection: %w", err)
	}
	return c, nil
}

// DeleteCollection removes the collection and its file rows. It returns
// the removed files so their blobs and chunks can be cleaned up.
func (s *Store) DeleteCollection(ctx context.Context, ownerID, id string) ([]SourceFile, error) {
	if _, err := s.GetCollection(ctx, ownerID, id); err != nil {
		return nil, err
	}
	files, err := s.listFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM collections WHERE id = ? AND owner_id = ?", id, ownerID); err != nil {
		return nil, fmt.Errorf("deleting collection: %w", err)
	}
	return files, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCollection(row scanner) (*Collection, error) {
	var c Collection
	var metaJSON string
	var createdAt, updatedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &metaJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning collection: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	return &c, nil
}

// ==================== Files ====================

// ReplaceFile records f and removes earlier rows for the same filename in
// the collection, in one transaction. The removed rows are returned.
func (s *Store) ReplaceFile(ctx context.Context, f SourceFile) ([]SourceFile, error) {
	if f.ID == "" || f.CollectionID == "" || f.Filename == "" {
		return nil, ragerr.Validation("file id, collection id and filename are required")
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return nil, ragerr.Validation("file metadata: %v", err)
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, fileSelect+`
		WHERE collection_id = ? AND filename = ? AND id <> ?
	`, f.CollectionID, f.Filename, f.ID)
	if err != nil {
		return nil, fmt.Errorf("querying prior files: %w", err)
	}
	prior, err := collectFiles(rows)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (id, collection_id, filename, content_type, size, locator, metadata, chunk_count, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.CollectionID, f.Filename, f.ContentType, f.Size, f.Locator, string(metaJSON), f.ChunkCount, f.UploadedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ragerr.NotFound("collection", f.CollectionID)
		}
		return nil, fmt.Errorf("inserting file: %w", err)
	}

	for _, p := range prior {
		if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", p.ID); err != nil {
			return nil, fmt.Errorf("deleting prior file %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing file: %w", err)
	}
	return prior, nil
}

// GetFile returns a file in one of the owner's collections.
func (s *Store) GetFile(ctx context.Context, ownerID, collectionID, fileID string) (*SourceFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.collection_id, f.filename, f.content_type, f.size, f.locator, f.metadata, f.chunk_count, f.uploaded_at
		FROM files f JOIN collections c ON c.id = f.collection_id
		WHERE f.id = ? AND f.collection_id = ? AND c.owner_id = ?
	`, fileID, collectionID, ownerID)

	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ragerr.NotFound("file", fileID)
		}
		return nil, err
	}
	return f, nil
}

// ListFiles returns the files of one of the owner's collections, newest first.
func (s *Store) ListFiles(ctx context.Context, ownerID, collectionID string) ([]SourceFile, error) {
	if _, err := s.GetCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	return s.listFiles(ctx, collectionID)
}

func (s *Store) listFiles(ctx context.Context, collectionID string) ([]SourceFile, error) {
	rows, err := s.db.QueryContext(ctx, fileSelect+`
		WHERE collection_id = ? ORDER BY uploaded_at DESC, id
	`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	return collectFiles(rows)
}

// FilePage is one window of a file listing. Total counts every matching
// file, not only those in Files.
type FilePage struct {
	Files []SourceFile
	Total int
}

// PageFiles returns a window of one collection's files, newest first.
func (s *Store) PageFiles(ctx context.Context, ownerID, collectionID string, limit, offset int) (*FilePage, error) {
	total, err := s.CountFiles(ctx, ownerID, collectionID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fileSelect+`
		WHERE collection_id = ? ORDER BY uploaded_at DESC, id LIMIT ? OFFSET ?
	`, collectionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	files, err := collectFiles(rows)
	if err != nil {
		return nil, err
	}
	return &FilePage{Files: files, Total: total}, nil
}

// PageOwnerFiles returns a window of the files in all of the owner's
// collections, newest first.
func (s *Store) PageOwnerFiles(ctx context.Context, ownerID string, limit, offset int) (*FilePage, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM files f JOIN collections c ON c.id = f.collection_id
		WHERE c.owner_id = ?
	`, ownerID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.collection_id, f.filename, f.content_type, f.size, f.locator, f.metadata, f.chunk_count, f.uploaded_at
		FROM files f JOIN collections c ON c.id = f.collection_id
		WHERE c.owner_id = ?
		ORDER BY f.uploaded_at DESC, f.id LIMIT ? OFFSET ?
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	files, err := collectFiles(rows)
	if err != nil {
		return nil, err
	}
	return &FilePage{Files: files, Total: total}, nil
}

// CountFiles returns how many files one of the owner's collections holds.
func (s *Store) CountFiles(ctx context.Context, ownerID, collectionID string) (int, error) {
	if _, err := s.GetCollection(ctx, ownerID, collectionID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files WHERE collection_id = ?", collectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting files: %w", err)
	}
	return n, nil
}

// Usage sums an owner's stored uploads.
type Usage struct {
	Files int
	Bytes int64
}

// OwnerUsage returns the file count and total size across the owner's
// collections. An owner without files gets a zero Usage.
func (s *Store) OwnerUsage(ctx context.Context, ownerID string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(f.id), COALESCE(SUM(f.size), 0)
		FROM files f JOIN collections c ON c.id = f.collection_id
		WHERE c.owner_id = ?
	`, ownerID).Scan(&u.Files, &u.Bytes)
	if err != nil {
		return Usage{}, fmt.Errorf("summing file sizes: %w", err)
	}
	return u, nil
}

// DeleteFile removes a file row and returns it.
func (s *Store) DeleteFile(ctx context.Context, ownerID, collectionID, fileID string) (*SourceFile, error) {
	f, err := s.GetFile(ctx, ownerID, collectionID, fileID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", fileID); err != nil {
		return nil, fmt.Errorf("deleting file: %w", err)
	}
	return f, nil
}

const fileSelect = `
	SELECT id, collection_id, filename, content_type, size, locator, metadata, chunk_count, uploaded_at
	FROM files`

func collectFiles(rows *sql.Rows) ([]SourceFile, error) {
	defer rows.Close()
	files := []SourceFile{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating files: %w", err)
	}
	return files, nil
}

func scanFile(row scanner) (*SourceFile, error) {
	var f SourceFile
	var metaJSON string
	var uploadedAt sql.NullTime
	if err := row.Scan(&f.ID, &f.CollectionID, &f.Filename, &f.ContentType, &f.Size,
		&f.Locator, &metaJSON, &f.ChunkCount, &uploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning file: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &f.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	f.UploadedAt = uploadedAt.Time
	return &f, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
