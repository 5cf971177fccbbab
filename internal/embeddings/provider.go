package embeddings

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// NewBackend creates the backend selected by cfg.Provider.
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Provider {
	case "tei":
		return NewTEIBackend(cfg.BaseURL, cfg.APIKey, &http.Client{}), nil
	case "openai":
		return NewOpenAIBackend(cfg)
	case "fastembed":
		return NewFastEmbedBackend(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// New builds the backend for cfg and wraps it in a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, backend, WithLogger(logger))
}
