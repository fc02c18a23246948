// Package httpapi is the synchronous sharing surface: JSON endpoints for
// creating, reading, updating and deleting notes, version bookkeeping, and
// the health probe. Writes that touch a document with a live session are
// routed through it so the replica and the row never diverge.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"driftpad/cache"
	"driftpad/collab"
	"driftpad/store"
)

// Config carries the HTTP layer tunables.
type Config struct {
	Host           string
	Port           int
	BaseURL        string
	BodyLimitBytes int64
	RateLimitRPM   int
	AllowedOrigins []string
	CacheTTL       time.Duration
	ReadTimeout    time.Duration
}

// DefaultConfig returns the HTTP defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		BaseURL:        "http://localhost:8080",
		BodyLimitBytes: 2 << 20,
		RateLimitRPM:   600,
		AllowedOrigins: []string{"*"},
		CacheTTL:       30 * time.Second,
		ReadTimeout:    30 * time.Second,
	}
}

// Server owns the echo instance and the handler dependencies.
type Server struct {
	echo      *echo.Echo
	cfg       Config
	store     store.Store
	registry  *collab.Registry
	ws        *collab.Handler
	docCache  cache.Cache[store.Document]
	sanitizer *bluemonday.Policy
	node      *snowflake.Node
	logger    *zap.Logger
}

// NewServer wires the routes and middleware. The websocket handler may be
// nil in tests that only exercise the JSON surface.
func NewServer(cfg Config, st store.Store, reg *collab.Registry, ws *collab.Handler, docCache cache.Cache[store.Document], logger *zap.Logger) (*Server, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, errors.Wrap(err, "httpapi: snowflake node")
	}

	s := &Server{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		ws:        ws,
		docCache:  docCache,
		sanitizer: newSanitizer(),
		node:      node,
		logger:    logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	if cfg.BodyLimitBytes > 0 {
		e.Use(middleware.BodyLimit(strconv.FormatInt(cfg.BodyLimitBytes, 10)))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}
	e.Use(securityHeaders())
	if cfg.RateLimitRPM > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(float64(cfg.RateLimitRPM) / 60.0),
		)))
	}

	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/notes/share", s.handleShare)
	api.GET("/notes", s.handleList)
	api.GET("/notes/:id", s.handleGet)
	api.PUT("/notes/:id", s.handleUpdate)
	api.PATCH("/notes/:id", s.handlePatch)
	api.DELETE("/notes/:id", s.handleDelete)
	api.POST("/notes/:id/versions", s.handleSaveVersion)
	api.GET("/notes/:id/versions", s.handleListVersions)
	api.GET("/notes/:id/versions/:version", s.handleGetVersion)

	if ws != nil {
		e.GET("/ws/:documentId", ws.Serve)
	}

	s.echo = e
	return s, nil
}

// Echo exposes the router for httptest-driven tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start blocks serving until the listener closes.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		ReadTimeout: s.cfg.ReadTimeout,
		// No WriteTimeout: websocket connections are hijacked and
		// outlive any sane value here.
	}
	s.logger.Info("http server listening", zap.String("addr", srv.Addr))
	return s.echo.StartServer(srv)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// securityHeaders mirrors the headers every response carries.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "1; mode=block")
			return next(c)
		}
	}
}

// handleError maps errors to status + {"error": message}. Store sentinels
// carry their own statuses; anything unrecognized is a 500 and logged.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal server error"

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	case errors.Is(err, store.ErrNotFound):
		code, message = http.StatusNotFound, "note not found"
	case errors.Is(err, store.ErrAlreadyExists):
		code, message = http.StatusConflict, "share id already exists"
	case errors.Is(err, store.ErrInvalidRenderMode),
		errors.Is(err, store.ErrHTMLRequired),
		errors.Is(err, store.ErrMissingID):
		code, message = http.StatusBadRequest, err.Error()
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Path()), zap.Error(err))
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, map[string]string{"error": message})
	}
	if werr != nil {
		s.logger.Error("error response failed", zap.Error(werr))
	}
}

// invalidate drops the read-cache entry for a document.
func (s *Server) invalidate(id string) {
	if s.docCache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.docCache.Delete(ctx, id); err != nil {
		s.logger.Debug("cache invalidation failed",
			zap.String("document_id", id), zap.Error(err))
	}
}

// pageParams parses limit/offset query values, tolerating absence.
func pageParams(c echo.Context) (int, int) {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return limit, offset
}
