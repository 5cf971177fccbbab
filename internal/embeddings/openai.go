package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// OpenAIBackend embeds through langchaingo's OpenAI client, which also
// serves OpenAI-compatible gateways.
type OpenAIBackend struct {
	embedder *lcembeddings.EmbedderImpl
}

// NewOpenAIBackend creates a backend for cfg.BaseURL and cfg.Model. The
// embedder batch size matches the client's so one call is one request.
func NewOpenAIBackend(cfg Config) (*OpenAIBackend, error) {
	token := cfg.APIKey
	if token == "" {
		// langchaingo refuses an empty token even for keyless gateways
		token = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm,
		lcembeddings.WithBatchSize(cfg.MaxBatchSize),
		lcembeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIBackend{embedder: embedder}, nil
}

// EmbedBatch embeds texts as documents.
func (b *OpenAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := b.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return vecs, nil
}

// Close is a no-op.
func (b *OpenAIBackend) Close() error { return nil }

var statusPattern = regexp.MustCompile(`status code:? (\d{3})`)

// classifyOpenAIError maps langchaingo's string-formatted errors onto the
// retry taxonomy.
func classifyOpenAIError(err error) error {
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &StatusError{Code: code, Body: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ragerr.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
}
