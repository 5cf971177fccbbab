package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

// Config selects and configures the vector store.
type Config struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string `koanf:"provider"`

	// CallTimeout bounds every store call.
	CallTimeout time.Duration `koanf:"call_timeout"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// DefaultConfig returns an in-memory chromem configuration.
func DefaultConfig() Config {
	return Config{
		Provider:    "chromem",
		CallTimeout: 30 * time.Second,
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call_timeout must be positive", ErrInvalidConfig)
	}
	switch c.Provider {
	case "chromem", "":
		return nil
	case "qdrant":
		q := c.Qdrant
		q.VectorSize = 1
		return q.Validate()
	default:
		return fmt.Errorf("%w: unsupported provider %q (supported: chromem, qdrant)", ErrInvalidConfig, c.Provider)
	}
}

// New creates the Store selected by cfg.Provider for vectors of the given
// dimension.
func New(cfg Config, dimension int, logger *zap.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "qdrant":
		qcfg := cfg.Qdrant
		qcfg.VectorSize = uint64(dimension)
		qcfg.CallTimeout = cfg.CallTimeout
		return NewQdrantStore(qcfg, logger)
	default:
		ccfg := cfg.Chromem
		ccfg.VectorSize = dimension
		ccfg.CallTimeout = cfg.CallTimeout
		return NewChromemStore(ccfg, logger)
	}
}

// withTimeout bounds a store call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classifyTimeout marks a call timeout as transient. Cancellation by the
// caller is passed through unchanged.
func classifyTimeout(parent context.Context, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: store call timed out: %w", ragerr.ErrTransient, err)
	}
	return err
}
