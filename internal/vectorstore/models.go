package vectorstore

// Required metadata keys validated on every write.
const (
	MetaSource     = "source"
	MetaChunkIndex = "chunk_index"
)

// Record is a chunk ready to be written.
type Record struct {
	// FileID links the chunk to its source file; may be empty.
	FileID  string
	Ordinal int
	Content string

	// Metadata must carry MetaSource (string) and MetaChunkIndex (integer).
	Metadata map[string]any
	Vector   []float32
}

// Chunk is a stored chunk as read back from the store.
type Chunk struct {
	ID           string         `json:"id"`
	FileID       string         `json:"file_id,omitempty"`
	CollectionID string         `json:"collection_id"`
	Ordinal      int            `json:"ordinal"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
}

// ScoredChunk is a search hit. Score is (1+cosine)/2, in [0,1].
type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	TopK int

	// ScoreThreshold drops hits scoring below it when set.
	ScoreThreshold *float32

	// Filter requires exact equality on string metadata values.
	Filter map[string]string
}

// RowFailure reports a rejected record by its input index.
type RowFailure struct {
	Index int
	Err   error
}

// UpsertResult reports the outcome of UpsertChunks. IDs is parallel to the
// input records; failed rows have an empty ID.
type UpsertResult struct {
	IDs    []string
	Failed []RowFailure
}

// Stored returns the number of rows written.
func (r *UpsertResult) Stored() int {
	return len(r.IDs) - len(r.Failed)
}

// StoredIDs returns the IDs of rows written, in input order.
func (r *UpsertResult) StoredIDs() []string {
	out := make([]string, 0, r.Stored())
	for _, id := range r.IDs {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
