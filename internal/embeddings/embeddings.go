// Package embeddings converts text into fixed-dimension vectors.
//
// A Backend performs exactly one upstream request per call. The Client
// wraps a Backend with batching by count and character budget, retry with
// exponential backoff for transient failures, client-side rate limiting,
// dimension validation and a realized request counter.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

var (
	// ErrEmptyInput indicates an empty query text.
	ErrEmptyInput = fmt.Errorf("%w: empty input text", ragerr.ErrValidation)

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmbeddingFailed indicates the upstream returned an unusable response.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Backend performs a single upstream embedding request.
type Backend interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// QueryBackend is implemented by backends that embed queries differently
// from documents (e.g. BGE "query:" prefixes).
type QueryBackend interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Embedder is what the ingestion and search orchestrators depend on.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Batches(texts []string) []Batch
	Dimension() int
}

// Config configures the embedding client and its backend.
type Config struct {
	// Provider selects the backend: "tei", "openai" or "fastembed".
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"-"` // set from config.Secret
	CacheDir string `koanf:"cache_dir"`

	// Dimension is the deployment-wide vector length.
	Dimension int `koanf:"dimension"`

	MaxBatchSize  int `koanf:"max_batch_size"`
	MaxBatchChars int `koanf:"max_batch_chars"`

	MaxAttempts       int           `koanf:"max_attempts"`
	BaseBackoff       time.Duration `koanf:"base_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	CallTimeout       time.Duration `koanf:"call_timeout"`

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// DefaultConfig returns a TEI configuration for bge-small.
func DefaultConfig() Config {
	return Config{
		Provider:          "tei",
		BaseURL:           "http://localhost:8080",
		Model:             "BAAI/bge-small-en-v1.5",
		Dimension:         384,
		MaxBatchSize:      32,
		MaxBatchChars:     32000,
		MaxAttempts:       5,
		BaseBackoff:       time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        30 * time.Second,
		CallTimeout:       30 * time.Second,
		RateBurst:         1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Provider {
	case "tei", "openai":
		if c.BaseURL == "" {
			return fmt.Errorf("%w: base_url required for %s", ErrInvalidConfig, c.Provider)
		}
	case "fastembed":
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be > 0", ErrInvalidConfig)
	}
	if c.MaxBatchSize <= 0 || c.MaxBatchChars <= 0 {
		return fmt.Errorf("%w: batch limits must be > 0", ErrInvalidConfig)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max_attempts must be > 0", ErrInvalidConfig)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call_timeout must be > 0", ErrInvalidConfig)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// EmbeddingError is returned when a batch cannot be embedded.
type EmbeddingError struct {
	// Attempts is the number of upstream requests made for the failing batch.
	Attempts int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// DimensionMismatchError lists inputs whose vectors had the wrong length.
type DimensionMismatchError struct {
	Want int
	// Got maps input index to the length actually returned.
	Got map[int]int
}

func (e *DimensionMismatchError) Error() string {
	idx := e.Indices()
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("%d:%d", i, e.Got[i]))
	}
	return fmt.Sprintf("dimension mismatch: want %d, got index:len [%s]", e.Want, strings.Join(parts, " "))
}

// Is matches ragerr.ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ragerr.ErrDimensionMismatch
}

// Indices returns the mismatched input indices in ascending order.
func (e *DimensionMismatchError) Indices() []int {
	out := make([]int, 0, len(e.Got))
	for i := range e.Got {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", ErrEmbeddingFailed, e.Code, e.Body)
}

// Retryable reports whether the status is a rate limit or server error.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// Is lets retryable statuses match ragerr.ErrTransient.
func (e *StatusError) Is(target error) bool {
	return target == ragerr.ErrTransient && e.Retryable()
}

func (e *StatusError) Unwrap() error { return ErrEmbeddingFailed }
