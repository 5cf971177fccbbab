package http

import (
	"fmt"
	"time"
)

// Config holds HTTP server configuration.
type Config struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`

	// BodyLimit caps request bodies, in echo's size syntax ("64M").
	BodyLimit string `koanf:"body_limit"`

	// MaxUploadFiles caps files per upload request.
	MaxUploadFiles int `koanf:"max_upload_files"`
}

// DefaultConfig returns the default listener settings.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            9090,
		ShutdownTimeout: 10 * time.Second,
		ReadTimeout:     time.Minute,
		BodyLimit:       "64M",
		MaxUploadFiles:  20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if c.MaxUploadFiles < 1 {
		return fmt.Errorf("max_upload_files must be >= 1, got %d", c.MaxUploadFiles)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
