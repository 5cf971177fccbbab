// Package config loads the ragd configuration.
//
// Values come from, in increasing precedence: compiled defaults, an optional
// YAML file, and RAGD_-prefixed environment variables. The result is
// validated once and handed to each component constructor; nothing reads
// configuration after startup.
package config

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/blob"
	"github.com/fyrsmithlabs/ragd/internal/catalog"
	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Config is the complete ragd configuration.
type Config struct {
	Server      ragdhttp.Config    `koanf:"server"`
	Auth        auth.Config        `koanf:"auth"`
	Logging     logging.Config     `koanf:"logging"`
	Telemetry   telemetry.Config   `koanf:"telemetry"`
	Chunking    chunker.Config     `koanf:"chunking"`
	Embeddings  EmbeddingsConfig   `koanf:"embeddings"`
	VectorStore vectorstore.Config `koanf:"vectorstore"`
	Ingest      ingest.Config      `koanf:"ingest"`
	Search      search.Config      `koanf:"search"`
	Catalog     catalog.Config     `koanf:"catalog"`
	Blob        blob.Config        `koanf:"blob"`
	Events      events.Config      `koanf:"events"`
	Scrubbing   secrets.Config     `koanf:"scrubbing"`
}

// EmbeddingsConfig adds a redacted API key to the embedding settings.
type EmbeddingsConfig struct {
	embeddings.Config `koanf:",squash"`

	APIKey Secret `koanf:"api_key"`
}

// Client returns the embedding settings with the API key filled in.
func (c EmbeddingsConfig) Client() embeddings.Config {
	cfg := c.Config
	cfg.APIKey = c.APIKey.Value()
	return cfg
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Server:      ragdhttp.DefaultConfig(),
		Auth:        auth.DefaultConfig(),
		Logging:     *logging.NewDefaultConfig(),
		Telemetry:   *telemetry.NewDefaultConfig(),
		Chunking:    chunker.DefaultConfig(),
		Embeddings:  EmbeddingsConfig{Config: embeddings.DefaultConfig()},
		VectorStore: vectorstore.DefaultConfig(),
		Ingest:      ingest.DefaultConfig(),
		Search:      search.DefaultConfig(),
		Catalog:     catalog.DefaultConfig(),
		Blob:        blob.DefaultConfig(),
		Scrubbing:   secrets.DefaultConfig(),
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	check("server", c.Server.Validate())
	if c.Auth.Header == "" {
		check("auth", errors.New("header is required"))
	}
	check("logging", c.Logging.Validate())
	check("telemetry", c.Telemetry.Validate())
	check("chunking", c.Chunking.Validate())
	check("embeddings", c.Embeddings.Client().Validate())
	check("vectorstore", c.VectorStore.Validate())
	check("ingest", c.Ingest.Validate())
	check("search", c.Search.Validate())
	if c.Catalog.Path == "" {
		check("catalog", errors.New("path is required"))
	}
	if c.Blob.Dir == "" {
		check("blob", errors.New("dir is required"))
	}
	switch c.Scrubbing.Engine {
	case "", secrets.EngineBuiltin, secrets.EngineGitleaks:
	default:
		check("scrubbing", fmt.Errorf("unknown engine %q", c.Scrubbing.Engine))
	}
	return errors.Join(errs...)
}
