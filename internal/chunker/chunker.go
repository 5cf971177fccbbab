// Package chunker splits extracted document text into overlapping,
// size-bounded windows that prefer natural boundaries.
//
// Sizes and offsets are measured in runes. A chunk ends at the last
// paragraph break inside the look-back window before the size limit, else
// the last sentence end, else the last whitespace, else at the limit itself.
// Consecutive chunks share exactly ChunkOverlap runes.
package chunker

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"unicode"
)

const (
	// DefaultChunkSize is the default number of runes per chunk.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the default number of runes shared by consecutive chunks.
	DefaultChunkOverlap = 200
)

// ErrInvalidConfig is returned by New for unusable size/overlap pairs.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Config configures a Chunker.
type Config struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`

	// LookBack bounds how far before the size limit a boundary is searched.
	// Zero means ChunkSize/4.
	LookBack int `koanf:"look_back"`
}

// DefaultConfig returns the 1000/200 configuration.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, ChunkOverlap: DefaultChunkOverlap}
}

// Validate checks the size/overlap invariants.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be > 0, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, %d), got %d", ErrInvalidConfig, c.ChunkSize, c.ChunkOverlap)
	}
	if c.LookBack < 0 {
		return fmt.Errorf("%w: look_back must be >= 0, got %d", ErrInvalidConfig, c.LookBack)
	}
	return nil
}

// Chunk is one window of source text.
type Chunk struct {
	// Ordinal is the zero-based position of the chunk within its source.
	Ordinal int
	// Start and End are rune offsets into the source, half-open.
	Start, End int
	Content    string
	Metadata   map[string]any
}

// Len returns the chunk length in runes.
func (c Chunk) Len() int { return c.End - c.Start }

// Chunker is immutable and safe for concurrent use.
type Chunker struct {
	size     int
	overlap  int
	lookBack int
}

// New creates a Chunker from cfg.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lookBack := cfg.LookBack
	if lookBack == 0 {
		lookBack = cfg.ChunkSize / 4
	}
	return &Chunker{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, lookBack: lookBack}, nil
}

// Split returns a lazy iterator over the chunks of text. Each chunk gets its
// own copy of meta.
func (c *Chunker) Split(text string, meta map[string]any) *Iterator {
	return &Iterator{c: c, runes: []rune(text), meta: meta}
}

// Iterator yields chunks one at a time. It cannot be restarted.
type Iterator struct {
	c       *Chunker
	runes   []rune
	meta    map[string]any
	start   int
	ordinal int
	done    bool
}

// Next returns the next chunk, or false once the input is exhausted.
func (it *Iterator) Next() (Chunk, bool) {
	n := len(it.runes)
	if it.done || it.start >= n {
		it.done = true
		return Chunk{}, false
	}

	end := it.start + it.c.size
	if end >= n {
		end = n
		it.done = true
	} else {
		end = it.breakPoint(end)
	}

	chunk := Chunk{
		Ordinal:  it.ordinal,
		Start:    it.start,
		End:      end,
		Content:  string(it.runes[it.start:end]),
		Metadata: maps.Clone(it.meta),
	}
	if chunk.Metadata == nil {
		chunk.Metadata = make(map[string]any)
	}

	it.ordinal++
	it.start = end - it.c.overlap
	return chunk, true
}

// All adapts the iterator to a range-over-func sequence.
func (it *Iterator) All() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for {
			ch, ok := it.Next()
			if !ok || !yield(ch) {
				return
			}
		}
	}
}

// Collect drains the iterator.
func (it *Iterator) Collect() []Chunk {
	var out []Chunk
	for ch := range it.All() {
		out = append(out, ch)
	}
	return out
}

// breakPoint picks where a chunk that would end at limit should actually end.
// The result always leaves the next chunk starting after the current one.
func (it *Iterator) breakPoint(limit int) int {
	lo := max(limit-it.c.lookBack, it.start+it.c.overlap+1)
	if lo > limit {
		return limit
	}

	for _, isBoundary := range []func(int) bool{it.paragraphEnd, it.sentenceEnd, it.wordEnd} {
		for b := limit; b >= lo; b-- {
			if isBoundary(b) {
				return b
			}
		}
	}
	return limit
}

// paragraphEnd reports whether b directly follows a blank line.
func (it *Iterator) paragraphEnd(b int) bool {
	return b >= 2 && it.runes[b-1] == '\n' && it.runes[b-2] == '\n'
}

// sentenceEnd reports whether b directly follows terminal punctuation and whitespace.
func (it *Iterator) sentenceEnd(b int) bool {
	if b < 2 || !unicode.IsSpace(it.runes[b-1]) {
		return false
	}
	switch it.runes[b-2] {
	case '.', '!', '?':
		return true
	}
	return false
}

func (it *Iterator) wordEnd(b int) bool {
	return b >= 1 && unicode.IsSpace(it.runes[b-1])
}
