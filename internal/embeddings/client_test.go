package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dimension = 4
	cfg.MaxBatchSize = 2
	cfg.MaxBatchChars = 100
	cfg.CallTimeout = 5 * time.Second
	return cfg
}

type fakeBackend struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(call int, texts []string) ([][]float32, error)
}

func (f *fakeBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, texts)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, texts)
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// constVectors returns one dim-length vector per text, each filled with its
// text length so order can be checked.
func constVectors(dim int) func(int, []string) ([][]float32, error) {
	return func(_ int, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			v := make([]float32, dim)
			for j := range v {
				v[j] = float32(len(t))
			}
			out[i] = v
		}
		return out, nil
	}
}

func newTestClient(t *testing.T, cfg Config, b Backend) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := NewClient(cfg, b)
	require.NoError(t, err)
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func TestPlanBatches(t *testing.T) {
	tests := []struct {
		name     string
		texts    []string
		maxSize  int
		maxChars int
		want     []Batch
	}{
		{name: "empty", texts: nil, maxSize: 2, maxChars: 10, want: nil},
		{name: "by count", texts: []string{"a", "b", "c"}, maxSize: 2, maxChars: 100,
			want: []Batch{{0, 2}, {2, 3}}},
		{name: "by chars", texts: []string{"aaaa", "bbbb", "cc"}, maxSize: 10, maxChars: 8,
			want: []Batch{{0, 2}, {2, 3}}},
		{name: "oversized text alone", texts: []string{"a", "bbbbbbbbbbbb", "c"}, maxSize: 10, maxChars: 5,
			want: []Batch{{0, 1}, {1, 2}, {2, 3}}},
		{name: "runes not bytes", texts: []string{"ééé", "ééé"}, maxSize: 10, maxChars: 6,
			want: []Batch{{0, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planBatches(tt.texts, tt.maxSize, tt.maxChars))
		})
	}
}

func TestClient_EmbedPreservesOrder(t *testing.T) {
	fb := &fakeBackend{fn: constVectors(4)}
	c, _ := newTestClient(t, testConfig(), fb)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		assert.Len(t, v, 4)
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	assert.Equal(t, 3, fb.callCount())
	assert.Equal(t, int64(3), c.Requests())
}

func TestClient_EmbedEmpty(t *testing.T) {
	fb := &fakeBackend{fn: constVectors(4)}
	c, _ := newTestClient(t, testConfig(), fb)

	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, fb.callCount())
}

func TestClient_RetriesRateLimitThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		if hits.Add(1) <= 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float32, len(req.Inputs))
		for i := range out {
			out[i] = []float32{0.1, 0.2, 0.3, 0.4}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	cfg := testConfig()
	c, sleeps := newTestClient(t, cfg, NewTEIBackend(srv.URL, "", srv.Client()))

	vecs, err := c.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, int64(4), c.Requests())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *sleeps)
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	fb := &fakeBackend{fn: func(int, []string) ([][]float32, error) {
		return nil, &StatusError{Code: http.StatusBadRequest, Body: "input too long"}
	}}
	c, sleeps := newTestClient(t, testConfig(), fb)

	_, err := c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)

	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, 1, embErr.Attempts)
	assert.False(t, ragerr.IsRetryable(err))
	assert.Equal(t, 1, fb.callCount())
	assert.Empty(t, *sleeps)
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	fb := &fakeBackend{fn: func(int, []string) ([][]float32, error) {
		return nil, &StatusError{Code: http.StatusServiceUnavailable}
	}}
	c, sleeps := newTestClient(t, testConfig(), fb)

	_, err := c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ragerr.ErrServiceUnavailable)

	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, 5, embErr.Attempts)
	assert.Equal(t, 5, fb.callCount())
	assert.Len(t, *sleeps, 4)
}

func TestClient_BackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 4
	cfg.MaxBackoff = 3 * time.Second
	fb := &fakeBackend{fn: func(int, []string) ([][]float32, error) {
		return nil, fmt.Errorf("%w: connection reset", ragerr.ErrTransient)
	}}
	c, sleeps := newTestClient(t, cfg, fb)

	_, err := c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *sleeps)
}

func TestClient_DimensionMismatch(t *testing.T) {
	fb := &fakeBackend{fn: func(_ int, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, tx := range texts {
			if tx == "bad" {
				out[i] = []float32{1, 2}
			} else {
				out[i] = []float32{1, 2, 3, 4}
			}
		}
		return out, nil
	}}
	c, sleeps := newTestClient(t, testConfig(), fb)

	vecs, err := c.Embed(context.Background(), []string{"ok", "bad", "fine"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ragerr.ErrDimensionMismatch)
	assert.False(t, ragerr.IsRetryable(err))

	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, []int{1}, dimErr.Indices())
	assert.Equal(t, 2, dimErr.Got[1])

	require.Len(t, vecs, 3)
	assert.NotNil(t, vecs[0])
	assert.Nil(t, vecs[1])
	assert.NotNil(t, vecs[2])
	assert.Equal(t, int64(2), c.Requests())
	assert.Empty(t, *sleeps)
}

func TestClient_CountMismatch(t *testing.T) {
	fb := &fakeBackend{fn: func(int, []string) ([][]float32, error) {
		return [][]float32{{1, 2, 3, 4}}, nil
	}}
	c, _ := newTestClient(t, testConfig(), fb)

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	assert.Nil(t, vecs)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, 1, fb.callCount())
}

func TestClient_CancelDuringBackoff(t *testing.T) {
	fb := &fakeBackend{fn: func(int, []string) ([][]float32, error) {
		return nil, &StatusError{Code: http.StatusTooManyRequests}
	}}
	c, err := NewClient(testConfig(), fb)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}

	_, err = c.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fb.callCount())
}

func TestClient_CancelInFlightLetsCallFinish(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)
	fb := &fakeBackend{fn: func(_ int, texts []string) ([][]float32, error) {
		<-release
		return constVectors(4)(0, texts)
	}}
	backend := &observedBackend{Backend: fb, done: finished}
	c, _ := newTestClient(t, testConfig(), backend)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Embed(ctx, []string{"x"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return fb.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Embed did not return after cancellation")
	}

	close(release)
	select {
	case err := <-finished:
		assert.NoError(t, err, "dispatched call should complete on its own context")
	case <-time.After(time.Second):
		t.Fatal("dispatched call never completed")
	}
}

type observedBackend struct {
	Backend
	done chan error
}

func (o *observedBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := o.Backend.EmbedBatch(ctx, texts)
	if err == nil {
		err = ctx.Err()
	}
	o.done <- err
	return v, err
}

func TestClient_CallTimeoutIsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2

	fb := &fakeBackend{fn: func(call int, texts []string) ([][]float32, error) {
		if call == 1 {
			time.Sleep(100 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		return constVectors(4)(call, texts)
	}}
	c, sleeps := newTestClient(t, cfg, fb)

	vecs, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Len(t, *sleeps, 1)
}

type queryBackend struct {
	fakeBackend
	queries []string
}

func (q *queryBackend) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	q.queries = append(q.queries, text)
	return []float32{9, 9, 9, 9}, nil
}

func TestClient_EmbedQuery(t *testing.T) {
	t.Run("empty rejected", func(t *testing.T) {
		c, _ := newTestClient(t, testConfig(), &fakeBackend{fn: constVectors(4)})
		_, err := c.EmbedQuery(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyInput)
		assert.ErrorIs(t, err, ragerr.ErrValidation)
	})

	t.Run("uses document path by default", func(t *testing.T) {
		fb := &fakeBackend{fn: constVectors(4)}
		c, _ := newTestClient(t, testConfig(), fb)
		v, err := c.EmbedQuery(context.Background(), "machine learning")
		require.NoError(t, err)
		assert.Len(t, v, 4)
		assert.Equal(t, 1, fb.callCount())
	})

	t.Run("prefers query backend", func(t *testing.T) {
		qb := &queryBackend{fakeBackend: fakeBackend{fn: constVectors(4)}}
		c, _ := newTestClient(t, testConfig(), qb)
		v, err := c.EmbedQuery(context.Background(), "machine learning")
		require.NoError(t, err)
		assert.Equal(t, []float32{9, 9, 9, 9}, v)
		assert.Equal(t, []string{"machine learning"}, qb.queries)
		assert.Zero(t, qb.callCount())
	})

	t.Run("wrong dimension", func(t *testing.T) {
		c, _ := newTestClient(t, testConfig(), &fakeBackend{fn: constVectors(3)})
		_, err := c.EmbedQuery(context.Background(), "q")
		assert.ErrorIs(t, err, ragerr.ErrDimensionMismatch)
	})
}

func TestClient_ConcurrentUse(t *testing.T) {
	fb := &fakeBackend{fn: constVectors(4)}
	c, err := NewClient(testConfig(), fb)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecs, err := c.Embed(context.Background(), []string{"a", "b", "c"})
			assert.NoError(t, err)
			assert.Len(t, vecs, 3)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16), c.Requests())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "magic" }},
		{"missing base url", func(c *Config) { c.BaseURL = "" }},
		{"zero dimension", func(c *Config) { c.Dimension = 0 }},
		{"zero batch size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"shrinking backoff", func(c *Config) { c.BackoffMultiplier = 0.5 }},
		{"zero timeout", func(c *Config) { c.CallTimeout = 0 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestStatusError(t *testing.T) {
	assert.True(t, errors.Is(&StatusError{Code: 429}, ragerr.ErrTransient))
	assert.True(t, errors.Is(&StatusError{Code: 502}, ragerr.ErrTransient))
	assert.False(t, errors.Is(&StatusError{Code: 404}, ragerr.ErrTransient))
	assert.True(t, errors.Is(&StatusError{Code: 404}, ErrEmbeddingFailed))
}
