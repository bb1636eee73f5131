// Package api wires the registry, event store, projection engine, ingestion
// service, catch-up/broadcast hub, and admin service into the HTTP surface:
// the ingestion endpoint, the catch-up endpoint, the live WebSocket stream,
// and the localhost-only admin operations.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soullink-io/soullink-tracker/internal/admin"
	"github.com/soullink-io/soullink-tracker/internal/api/middleware"
	"github.com/soullink-io/soullink-tracker/internal/eventstore"
	"github.com/soullink-io/soullink-tracker/internal/ingestion"
	"github.com/soullink-io/soullink-tracker/internal/registry"
	"github.com/soullink-io/soullink-tracker/internal/storage"
	"github.com/soullink-io/soullink-tracker/internal/stream"
)

// Server is the HTTP front door over the event-sourced tracker.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     ServerConfig
	startTime  time.Time

	conn        *storage.Connection
	players     *registry.Store
	events      *eventstore.Store
	ingest      *ingestion.Service
	admin       *admin.Service
	hub         *stream.Hub
	relay       *stream.KafkaRelay
	rateLimiter middleware.RateLimiter
}

// NewServer constructs a Server over its component dependencies. conn,
// players, events, ingest, adminSvc, and hub must all be non-nil; relay may
// be nil to run single-replica without Kafka, and rateLimiter may be nil to
// disable rate limiting (tests typically do this).
func NewServer(
	cfg ServerConfig,
	conn *storage.Connection,
	players *registry.Store,
	events *eventstore.Store,
	ingestSvc *ingestion.Service,
	adminSvc *admin.Service,
	hub *stream.Hub,
	relay *stream.KafkaRelay,
	rateLimiter middleware.RateLimiter,
) *Server {
	if conn == nil || players == nil || events == nil || ingestSvc == nil || adminSvc == nil || hub == nil {
		panic("api: NewServer requires non-nil conn, players, events, ingest, admin, and hub")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	server := &Server{
		logger:      logger,
		config:      cfg,
		conn:        conn,
		players:     players,
		events:      events,
		ingest:      ingestSvc,
		admin:       adminSvc,
		hub:         hub,
		relay:       relay,
		rateLimiter: rateLimiter,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	logger.Info("configuring middleware chain",
		slog.Bool("rate_limit_enabled", rateLimiter != nil),
	)

	// Chain order: correlation id first (so every later log line can carry
	// it), then recovery (so a panic anywhere downstream still gets a
	// correlation id and a clean response), then player auth, then rate
	// limiting (which needs the player identity auth just resolved), then
	// request logging, then CORS innermost.
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuthPlayer(players, logger),
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

// Start validates the configuration, starts the HTTP server, and blocks
// until SIGINT/SIGTERM triggers a graceful shutdown.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("api: invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server", slog.String("address", s.config.Address()))

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err

			return
		}

		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}

	if s.relay != nil {
		closeDependency(s.logger, "kafka relay", s.relay)
	}

	closeDependency(s.logger, "database", s.conn)

	return nil
}

func closeDependency(logger *slog.Logger, name string, dep any) {
	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	if err := closer.Close(); err != nil {
		logger.Error("error closing dependency", slog.String("dependency", name), slog.Any("error", err))

		return
	}

	logger.Info("closed dependency", slog.String("dependency", name))
}
