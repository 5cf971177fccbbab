package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// DefaultHeader carries the upstream-authenticated identity.
const DefaultHeader = "X-User-ID"

// ownerIDKey is the echo context key holding the owner ID.
const ownerIDKey = "authenticated_owner_id"

// Config configures identity extraction.
type Config struct {
	// Header names the request header carrying the identity.
	Header string `koanf:"header"`

	// SkipPaths are served without an identity (health, metrics).
	SkipPaths []string `koanf:"skip_paths"`
}

// DefaultConfig returns the default identity settings.
func DefaultConfig() Config {
	return Config{
		Header:    DefaultHeader,
		SkipPaths: []string{"/health", "/metrics"},
	}
}

// OwnerMiddleware reads the identity header, derives the owner ID and stores
// it on the echo context. Requests without an identity get 401.
//
//	e := echo.New()
//	e.Use(auth.OwnerMiddleware(cfg.Auth))
//	e.GET("/collections", handler)
func OwnerMiddleware(cfg Config) echo.MiddlewareFunc {
	header := cfg.Header
	if header == "" {
		header = DefaultHeader
	}
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := skip[c.Request().URL.Path]; ok {
				return next(c)
			}
			ownerID, err := DeriveOwnerID(c.Request().Header.Get(header))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required: missing "+header+" header")
			}
			c.Set(ownerIDKey, ownerID)
			return next(c)
		}
	}
}

// OwnerID returns the owner ID set by OwnerMiddleware.
func OwnerID(c echo.Context) (string, bool) {
	id, ok := c.Get(ownerIDKey).(string)
	return id, ok && id != ""
}
