// Package http serves the ragd REST API.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/catalog"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Service is the owner-scoped core the API exposes.
type Service interface {
	CreateCollection(ctx context.Context, ownerID, name string, metadata map[string]any) (*catalog.Collection, error)
	ListCollections(ctx context.Context, ownerID string) ([]catalog.Collection, error)
	GetCollection(ctx context.Context, ownerID, id string) (*catalog.Collection, error)
	UpdateCollection(ctx context.Context, ownerID, id string, upd catalog.CollectionUpdate) (*catalog.Collection, error)
	DeleteCollection(ctx context.Context, ownerID, id string) error

	IngestFiles(ctx context.Context, ownerID, collectionID string, uploads []ingest.Upload) (*ingest.Summary, error)
	Search(ctx context.Context, req search.Request) (*search.Response, error)

	ListFiles(ctx context.Context, ownerID, collectionID string, limit, offset int) (*catalog.FilePage, error)
	ListOwnerFiles(ctx context.Context, ownerID string, limit, offset int) (*catalog.FilePage, error)
	CountFiles(ctx context.Context, ownerID, collectionID string) (int, error)
	Usage(ctx context.Context, ownerID string) (catalog.Usage, error)
	GetFile(ctx context.Context, ownerID, collectionID, fileID string) (*catalog.SourceFile, error)
	FileContent(ctx context.Context, ownerID, collectionID, fileID string) (*catalog.SourceFile, []byte, error)
	DeleteFile(ctx context.Context, ownerID, collectionID, fileID string) error
	ListChunks(ctx context.Context, ownerID, collectionID, fileID string, limit, offset int) ([]vectorstore.Chunk, error)

	Health(ctx context.Context) map[string]error
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	svc     Service
	logger  *logging.Logger
	config  Config
	metrics *HTTPMetrics
}

// NewServer creates a server for svc. Every /api route requires the
// identity header configured in authCfg.
func NewServer(svc Service, authCfg auth.Config, logger *logging.Logger, cfg Config) (*Server, error) {
	if svc == nil {
		return nil, errors.New("service cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger.Named("http"),
		config:  cfg,
		metrics: NewHTTPMetrics(logger.Underlying()),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(s.metrics.MetricsMiddleware())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(auth.OwnerMiddleware(authCfg))

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/collections", s.handleCreateCollection)
	v1.GET("/collections", s.handleListCollections)
	v1.GET("/collections/:id", s.handleGetCollection)
	v1.PATCH("/collections/:id", s.handleUpdateCollection)
	v1.DELETE("/collections/:id", s.handleDeleteCollection)

	v1.POST("/collections/:id/files", s.handleUpload)
	v1.GET("/collections/:id/files", s.handleListFiles)
	v1.GET("/collections/:id/files/stats", s.handleFileStats)
	v1.GET("/collections/:id/files/:file_id", s.handleGetFile)
	v1.GET("/collections/:id/files/:file_id/content", s.handleFileContent)
	v1.DELETE("/collections/:id/files/:file_id", s.handleDeleteFile)

	v1.GET("/collections/:id/chunks", s.handleListChunks)
	v1.POST("/collections/:id/search", s.handleSearch)

	v1.GET("/user/files", s.handleListOwnerFiles)
	v1.GET("/user/files/stats", s.handleUsage)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.config.Addr()))
	if err := s.echo.Start(s.config.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by shutdown_timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// requestLogger tags the request context with the request ID and logs
// every request once it completes.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(req.Context(), requestID)
		c.SetRequest(req.WithContext(ctx))

		err := next(c)

		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", statusOf(c, err)),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		s.logger.Info(ctx, "http request", fields...)
		return err
	}
}

// statusOf returns the status the response has or will get for err.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return ragerr.HTTPStatus(err)
}

// handleError maps errors to JSON bodies. Internal errors are not echoed
// to the client.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusOf(c, err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(he.Code)
		}
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		msg = "internal error"
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, ErrorResponse{Error: msg})
}
