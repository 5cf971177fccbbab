package vectorstore

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "valid", input: "docs_0123456789abcdef", wantError: false},
		{name: "empty name", input: "", wantError: true},
		{name: "uppercase letters", input: "Docs_A", wantError: true},
		{name: "special characters", input: "docs-a", wantError: true},
		{name: "too long", input: strings.Repeat("a", 65), wantError: true},
		{name: "path traversal attempt", input: "../docs", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName(tt.input)
			if tt.wantError {
				assert.ErrorIs(t, err, ErrInvalidCollectionName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCollectionName(t *testing.T) {
	id := uuid.MustParse("3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	name, err := CollectionName(id.String())
	require.NoError(t, err)
	assert.Equal(t, "docs_3f2504e04f8911d39a0c0305e82c3301", name)

	upper, err := CollectionName(strings.ToUpper(id.String()))
	require.NoError(t, err)
	assert.Equal(t, name, upper)

	_, err = CollectionName("my collection")
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
	assert.ErrorIs(t, err, ragerr.ErrValidation)
}

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		cosine float32
		want   float32
	}{
		{1, 1},
		{0, 0.5},
		{-1, 0},
		{0.6, 0.8},
		{1.0000001, 1},
		{-1.0000001, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, normalizeScore(tt.cosine), 1e-6)
	}
	assert.InDelta(t, float32(0.6), cosineThreshold(0.8), 1e-6)
}

func TestFinalizeHits(t *testing.T) {
	hit := func(id string, score float32) ScoredChunk {
		return ScoredChunk{Chunk: Chunk{ID: id}, Score: score}
	}
	in := []ScoredChunk{hit("c", 0.5), hit("b", 0.9), hit("a", 0.5), hit("d", 0.2)}

	got := finalizeHits(append([]ScoredChunk(nil), in...), SearchOptions{TopK: 3})
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})

	threshold := float32(0.5)
	got = finalizeHits(append([]ScoredChunk(nil), in...), SearchOptions{TopK: 10, ScoreThreshold: &threshold})
	assert.Len(t, got, 3)
}

func TestCutoffSettled(t *testing.T) {
	id := func(f float32) float32 { return f }
	tests := []struct {
		name   string
		scores []float32
		k, n   int
		want   bool
	}{
		{"store exhausted", []float32{0.9, 0.9}, 1, 2 + 1, true},
		{"distinct at cutoff", []float32{0.9, 0.8, 0.7}, 2, 3, true},
		{"tie straddles cutoff", []float32{0.9, 0.8, 0.8}, 2, 3, false},
		{"tie inside kept rows", []float32{0.8, 0.8, 0.7}, 2, 3, true},
		{"everything tied", []float32{0.5, 0.5, 0.5, 0.5}, 1, 4, false},
		{"no more than k rows", []float32{0.5}, 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cutoffSettled(tt.scores, tt.k, tt.n, id))
		})
	}
}

func TestValidateRecord(t *testing.T) {
	base := func() Record {
		return Record{
			Metadata: map[string]any{MetaSource: "a.txt", MetaChunkIndex: 0},
			Vector:   []float32{1, 0, 0},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr error
	}{
		{name: "valid", mutate: func(*Record) {}},
		{name: "float chunk index", mutate: func(r *Record) { r.Metadata[MetaChunkIndex] = float64(4) }},
		{name: "int64 chunk index", mutate: func(r *Record) { r.Metadata[MetaChunkIndex] = int64(4) }},
		{name: "wrong length", mutate: func(r *Record) { r.Vector = []float32{1} }, wantErr: ragerr.ErrDimensionMismatch},
		{name: "zero vector", mutate: func(r *Record) { r.Vector = []float32{0, 0, 0} }, wantErr: ErrInvalidVector},
		{name: "missing source", mutate: func(r *Record) { delete(r.Metadata, MetaSource) }, wantErr: ErrMissingMetadata},
		{name: "non-string source", mutate: func(r *Record) { r.Metadata[MetaSource] = 3 }, wantErr: ErrMissingMetadata},
		{name: "missing chunk index", mutate: func(r *Record) { delete(r.Metadata, MetaChunkIndex) }, wantErr: ErrMissingMetadata},
		{name: "fractional chunk index", mutate: func(r *Record) { r.Metadata[MetaChunkIndex] = 1.5 }, wantErr: ErrMissingMetadata},
		{name: "nil metadata", mutate: func(r *Record) { r.Metadata = nil }, wantErr: ErrMissingMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			err := validateRecord(r, 3)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPage(t *testing.T) {
	chunks := []Chunk{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.Len(t, page(chunks, 0, 0), 3)
	assert.Equal(t, []Chunk{{ID: "b"}}, page(chunks, 1, 1))
	assert.Equal(t, []Chunk{{ID: "c"}}, page(chunks, 5, 2))
	assert.Empty(t, page(chunks, 5, 3))
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "dimension", rejectReason(ErrDimensionMismatch))
	assert.Equal(t, "vector", rejectReason(ErrInvalidVector))
	assert.Equal(t, "metadata", rejectReason(ErrMissingMetadata))
	assert.Equal(t, "write", rejectReason(assert.AnError))
}
