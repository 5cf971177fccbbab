package embeddings

import "unicode/utf8"

// Batch is a contiguous half-open range of input indices sent as one request.
type Batch struct {
	Start, End int
}

// Len returns the number of texts in the batch.
func (b Batch) Len() int { return b.End - b.Start }

// planBatches groups texts in order so that each batch holds at most
// maxSize texts and at most maxChars runes. A single text longer than
// maxChars is sent alone.
func planBatches(texts []string, maxSize, maxChars int) []Batch {
	var (
		batches []Batch
		start   int
		chars   int
	)
	for i, t := range texts {
		n := utf8.RuneCountInString(t)
		size := i - start
		if size > 0 && (size >= maxSize || chars+n > maxChars) {
			batches = append(batches, Batch{Start: start, End: i})
			start, chars = i, 0
		}
		chars += n
	}
	if start < len(texts) {
		batches = append(batches, Batch{Start: start, End: len(texts)})
	}
	return batches
}
