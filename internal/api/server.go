// Package api provides the HTTP query-and-publish surface for the aggregator.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aggregator-io/aggregator/internal/api/middleware"
	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/query"
	"github.com/aggregator-io/aggregator/internal/storage"
)

// Server represents the HTTP query-and-publish server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	surface     *query.Surface
	conn        *storage.Connection
	publisher   *redis.Client
	channel     string
	rateLimiter middleware.RateLimiter
	validator   *ingestion.Validator
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig,
// separating configuration (what) from dependencies (how).
//
// Parameters:
//   - cfg: pure server configuration (ports, timeouts, CORS settings)
//   - surface: read-only query projections over the durable store (REQUIRED — panics if nil)
//   - conn: durable store connection, used for the /health dependency check
//   - publisher: redis client used to republish events on POST /publish
//   - channel: redis channel to republish onto
//   - rateLimiter: rate limiter implementation (nil disables rate limiting)
func NewServer(
	cfg *ServerConfig,
	surface *query.Surface,
	conn *storage.Connection,
	publisher *redis.Client,
	channel string,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if surface == nil {
		logger.Error("query surface is required - cannot start server without core functionality")
		panic("api: query surface cannot be nil - this indicates a configuration error")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		surface:     surface,
		conn:        conn,
		publisher:   publisher,
		channel:     channel,
		rateLimiter: rateLimiter,
		validator:   ingestion.NewValidator(),
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("rate limiting middleware enabled")
	} else {
		logger.Warn("rate limiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RateLimit - block requests before expensive operations (optional)
	//   4. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   5. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server fails to start. The caller (cmd/aggregator) owns signal handling
// so that the consumer and the HTTP server share one shutdown trigger.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting aggregator query API",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if s.rateLimiter != nil {
		if closer, ok := s.rateLimiter.(interface{ Close() }); ok {
			closer.Close()
		}
	}

	s.logger.Info("server shutdown completed successfully")

	return nil
}
