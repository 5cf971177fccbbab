package vectorstore

import (
	"cmp"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// collectionNamePattern validates physical collection names.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Payload keys owned by the store. They are stripped from metadata on read.
const (
	keyChunkID = "_chunk_id"
	keyFileID  = "_file_id"
	keyOrdinal = "_ordinal"
	keyContent = "_content"
	keyMeta    = "_meta"
)

func isReservedKey(k string) bool {
	switch k {
	case keyChunkID, keyFileID, keyOrdinal, keyContent, keyMeta:
		return true
	}
	return false
}

// ValidateCollectionName checks a physical collection name.
// Pattern: ^[a-z0-9_]{1,64}$
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// CollectionName maps a collection UUID to its physical name.
func CollectionName(collectionID string) (string, error) {
	id, err := uuid.Parse(collectionID)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a UUID", ErrInvalidCollectionName, collectionID)
	}
	name := "docs_" + strings.ReplaceAll(id.String(), "-", "")
	return name, ValidateCollectionName(name)
}

// validateRecord checks the vector length and required metadata.
func validateRecord(r Record, dim int) error {
	if len(r.Vector) != dim {
		return fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, dim, len(r.Vector))
	}
	var norm float64
	for _, v := range r.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: vector contains NaN or Inf", ErrInvalidVector)
		}
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero vector", ErrInvalidVector)
	}
	src, ok := r.Metadata[MetaSource].(string)
	if !ok || src == "" {
		return fmt.Errorf("%w: %q", ErrMissingMetadata, MetaSource)
	}
	if _, ok := asInt(r.Metadata[MetaChunkIndex]); !ok {
		return fmt.Errorf("%w: %q must be an integer", ErrMissingMetadata, MetaChunkIndex)
	}
	return nil
}

// asInt accepts the integer shapes metadata takes after decoding.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}

// normalizeScore maps cosine similarity in [-1,1] onto [0,1].
func normalizeScore(cosine float32) float32 {
	s := (1 + cosine) / 2
	return min(max(s, 0), 1)
}

// cosineThreshold converts a normalized score threshold back to cosine.
func cosineThreshold(score float32) float32 {
	return 2*score - 1
}

// cutoffSettled reports whether a query asking for n rows, whose results
// are ordered by descending score, already holds every row tied with the
// k-th best. When it does not, a row the store left out could beat a kept
// one on the ID tie-break.
func cutoffSettled[T any](rows []T, k, n int, score func(T) float32) bool {
	if len(rows) < n || len(rows) <= k {
		return true
	}
	return score(rows[n-1]) < score(rows[k-1])
}

// finalizeHits applies the threshold, orders by score then ID, and truncates.
func finalizeHits(hits []ScoredChunk, opts SearchOptions) []ScoredChunk {
	if opts.ScoreThreshold != nil {
		t := *opts.ScoreThreshold
		hits = slices.DeleteFunc(hits, func(h ScoredChunk) bool { return h.Score < t })
	}
	slices.SortStableFunc(hits, func(a, b ScoredChunk) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if opts.TopK > 0 && len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	return hits
}

// sortChunks orders chunks by file then ordinal then ID.
func sortChunks(chunks []Chunk) {
	slices.SortFunc(chunks, func(a, b Chunk) int {
		if c := cmp.Compare(a.FileID, b.FileID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Ordinal, b.Ordinal); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// page slices chunks by offset and limit.
func page(chunks []Chunk, limit, offset int) []Chunk {
	if offset >= len(chunks) {
		return []Chunk{}
	}
	end := len(chunks)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return chunks[offset:end]
}

func validateSearch(query []float32, dim int, opts SearchOptions) error {
	if len(query) != dim {
		return fmt.Errorf("%w: query want %d, got %d", ErrDimensionMismatch, dim, len(query))
	}
	if opts.TopK <= 0 {
		return ragerr.Validation("top_k must be positive, got %d", opts.TopK)
	}
	return nil
}

func validatePage(limit, offset int) error {
	if limit < 0 || offset < 0 {
		return ragerr.Validation("limit and offset must be >= 0")
	}
	return nil
}

func sortFailures(failed []RowFailure) {
	slices.SortFunc(failed, func(a, b RowFailure) int { return cmp.Compare(a.Index, b.Index) })
}
