package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// Client batches, retries and validates calls to a Backend. It holds no
// per-call state and is safe for concurrent use.
type Client struct {
	cfg      Config
	backend  Backend
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *zap.Logger
	requests atomic.Int64

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewClient wraps backend with the policy in cfg.
func NewClient(cfg Config, backend Backend, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidConfig)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		backend: backend,
		limiter: rate.NewLimiter(limit, burst),
		logger:  zap.NewNop(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(c.logger)
	}
	return c, nil
}

// Dimension returns the configured vector length.
func (c *Client) Dimension() int { return c.cfg.Dimension }

// Requests returns the number of upstream requests made so far, retries included.
func (c *Client) Requests() int64 { return c.requests.Load() }

// Batches returns the request plan Embed would use for texts.
func (c *Client) Batches(texts []string) []Batch {
	return planBatches(texts, c.cfg.MaxBatchSize, c.cfg.MaxBatchChars)
}

// Close releases the backend.
func (c *Client) Close() error { return c.backend.Close() }

// Embed returns one vector per input text, in input order.
//
// When some vectors have the wrong length the returned error wraps a
// *DimensionMismatchError and the returned slice still holds the valid
// vectors, with nil at the mismatched positions. Any other failure returns
// a nil slice.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	mismatch := &DimensionMismatchError{Want: c.cfg.Dimension, Got: map[int]int{}}
	attempts := 0

	for _, b := range c.Batches(texts) {
		vecs, n, err := c.embedBatch(ctx, texts[b.Start:b.End])
		attempts += n
		if err != nil {
			return nil, err
		}
		for i, v := range vecs {
			if len(v) != c.cfg.Dimension {
				mismatch.Got[b.Start+i] = len(v)
				continue
			}
			out[b.Start+i] = v
		}
	}

	if len(mismatch.Got) > 0 {
		c.logger.Error("embedding dimension mismatch",
			zap.Int("want", mismatch.Want),
			zap.Ints("indices", mismatch.Indices()))
		return out, &EmbeddingError{Attempts: attempts, Err: mismatch}
	}
	return out, nil
}

// EmbedQuery embeds a single query text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	var (
		vec []float32
		n   int
		err error
	)
	if qb, ok := c.backend.(QueryBackend); ok {
		n, err = c.retry(ctx, 1, func(callCtx context.Context) error {
			v, err := qb.EmbedQuery(callCtx, text)
			vec = v
			return err
		})
	} else {
		var vecs [][]float32
		vecs, n, err = c.embedBatch(ctx, []string{text})
		if err == nil {
			vec = vecs[0]
		}
	}
	if err != nil {
		return nil, err
	}
	if len(vec) != c.cfg.Dimension {
		return nil, &EmbeddingError{Attempts: n, Err: &DimensionMismatchError{
			Want: c.cfg.Dimension, Got: map[int]int{0: len(vec)},
		}}
	}
	return vec, nil
}

// embedBatch sends one planned batch with retries and checks the count.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	var vecs [][]float32
	n, err := c.retry(ctx, len(texts), func(callCtx context.Context) error {
		v, err := c.backend.EmbedBatch(callCtx, texts)
		if err != nil {
			return err
		}
		if len(v) != len(texts) {
			return fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(v), len(texts))
		}
		vecs = v
		return nil
	})
	if err != nil {
		return nil, n, err
	}
	return vecs, n, nil
}

// retry runs call until it succeeds, fails permanently, or the attempt cap
// is reached. State is the attempt number and the next delay; cancellation
// is checked before each attempt and while waiting.
func (c *Client) retry(ctx context.Context, size int, call func(context.Context) error) (int, error) {
	delay := c.cfg.BaseBackoff

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return attempt - 1, &EmbeddingError{Attempts: attempt - 1, Err: err}
		}

		c.requests.Add(1)
		start := time.Now()
		err := c.dispatch(ctx, call)
		c.metrics.RecordRequest(ctx, c.cfg.Model, time.Since(start), size, attempt, err)
		if err == nil {
			return attempt, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, &EmbeddingError{Attempts: attempt, Err: ctxErr}
		}
		if !ragerr.IsRetryable(err) {
			return attempt, &EmbeddingError{Attempts: attempt, Err: err}
		}
		if attempt >= c.cfg.MaxAttempts {
			return attempt, &EmbeddingError{
				Attempts: attempt,
				Err:      fmt.Errorf("%w: %w", ragerr.ErrServiceUnavailable, err),
			}
		}

		c.logger.Warn("embedding request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if err := c.sleep(ctx, delay); err != nil {
			return attempt, &EmbeddingError{Attempts: attempt, Err: err}
		}
		delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
		if c.cfg.MaxBackoff > 0 && delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
}

type callResult struct{ err error }

// dispatch runs one upstream call under its own timeout. The call is
// detached from ctx cancellation: if ctx ends first, dispatch returns
// immediately and the call finishes in the background with its result
// dropped.
func (c *Client) dispatch(ctx context.Context, call func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	done := make(chan callResult, 1)
	go func() {
		defer cancel()
		err := call(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: call timed out after %s: %w", ragerr.ErrTransient, c.cfg.CallTimeout, err)
		}
		done <- callResult{err: err}
	}()

	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
