// Package ragerr defines the error kinds shared by the ingestion and search
// pipelines. Packages wrap these sentinels so callers can classify any error
// with errors.Is regardless of where it was produced.
package ragerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds.
var (
	// ErrValidation marks bad caller input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks network, timeout and rate-limit failures that are
	// retried locally before surfacing as ErrServiceUnavailable.
	ErrTransient = errors.New("transient error")

	// ErrServiceUnavailable marks a dependency that stayed unavailable after retries.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrDimensionMismatch marks a vector whose length differs from the
	// deployment dimension. It indicates a configuration bug and is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrPartialIngestion marks an ingestion where some chunks were stored and some were not.
	ErrPartialIngestion = errors.New("partial ingestion failure")

	// ErrNotFound marks an unknown collection, file or chunk. Resources owned
	// by someone else are reported the same way.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a request that collides with existing state.
	ErrConflict = errors.New("conflict")
)

// Derived errors.
var (
	ErrInvalidQuery        = fmt.Errorf("%w: query must not be empty", ErrValidation)
	ErrUnsupportedFormat   = fmt.Errorf("%w: unsupported format", ErrValidation)
	ErrIngestionInProgress = fmt.Errorf("%w: ingestion already in progress", ErrConflict)
	ErrSearchUnavailable   = fmt.Errorf("%w: search unavailable", ErrServiceUnavailable)
)

// Validation returns an ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing resource.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrDimensionMismatch)
}

// HTTPStatus maps an error to the status code the API layer returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
