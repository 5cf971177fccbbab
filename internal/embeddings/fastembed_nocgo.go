//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned by binaries built without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (built without cgo, use the tei or openai provider)")

// FastEmbedBackend is unavailable without cgo.
type FastEmbedBackend struct{}

// NewFastEmbedBackend always fails without cgo.
func NewFastEmbedBackend(Config) (*FastEmbedBackend, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (b *FastEmbedBackend) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (b *FastEmbedBackend) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (b *FastEmbedBackend) Close() error { return nil }
