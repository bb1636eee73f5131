// Package main runs the SoulLink tracker service: the ingestion HTTP
// endpoint, catch-up queries, the live WebSocket stream, and the
// localhost-only admin surface, all over a single Postgres database.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/soullink-io/soullink-tracker/internal/admin"
	"github.com/soullink-io/soullink-tracker/internal/api"
	"github.com/soullink-io/soullink-tracker/internal/api/middleware"
	"github.com/soullink-io/soullink-tracker/internal/catalog"
	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/eventstore"
	"github.com/soullink-io/soullink-tracker/internal/idempotency"
	"github.com/soullink-io/soullink-tracker/internal/ingestion"
	"github.com/soullink-io/soullink-tracker/internal/projection"
	"github.com/soullink-io/soullink-tracker/internal/registry"
	"github.com/soullink-io/soullink-tracker/internal/storage"
	"github.com/soullink-io/soullink-tracker/internal/stream"
)

const (
	version = "1.0.0-dev"
	name    = "soulserver"
)

func main() {
	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting SoulLink tracker service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	shutdownTracing := setupTracing(logger)
	defer shutdownTracing()

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		log.Fatalf("invalid database configuration: %v", err)
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	logger.Info("connected to database", slog.String("url", storageConfig.MaskDatabaseURL()))

	refCatalog, err := catalog.Load()
	if err != nil {
		log.Fatalf("failed to load reference catalog: %v", err)
	}

	if err := refCatalog.Seed(context.Background(), conn.DB); err != nil {
		log.Fatalf("failed to seed reference catalog: %v", err)
	}

	players := registry.NewStore(conn)
	eventStore := eventstore.NewStore(conn)
	projections := projection.NewEngine(conn)
	idempotent := idempotency.NewStore(conn)
	ingestSvc := ingestion.NewService(conn, players, eventStore, projections, idempotent)
	adminSvc := admin.NewService(conn, eventStore, projections)
	hub := stream.NewHub()

	var relay *stream.KafkaRelay

	if brokers := config.ParseCommaSeparatedList(config.GetEnvStr("SOULLINK_KAFKA_BROKERS", "")); len(brokers) > 0 {
		relay = stream.NewKafkaRelay(brokers, config.GetEnvStr("SOULLINK_KAFKA_TOPIC", stream.DefaultTopic))

		relayCtx, cancelRelay := context.WithCancel(context.Background())
		defer cancelRelay()

		go func() {
			if err := relay.Consume(relayCtx, hub); err != nil {
				logger.Error("kafka relay consumer stopped", slog.Any("error", err))
			}
		}()

		logger.Info("kafka relay enabled", slog.Any("brokers", brokers))
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())
	defer rateLimiter.Close()

	server := api.NewServer(serverConfig, conn, players, eventStore, ingestSvc, adminSvc, hub, relay, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("SoulLink tracker service stopped")
}

// setupTracing installs a sampling tracer provider so the per-ingest spans
// recorded in internal/ingestion are collected. Exporters are attached by
// the deployment environment (OTEL_* variables / collector sidecar); without
// one the spans are sampled but dropped, which is the correct dev default.
func setupTracing(logger *slog.Logger) func() {
	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		logger.Warn("failed to build otel resource, tracing disabled", slog.Any("error", err))

		return func() {}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(provider)

	return func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("tracer provider shutdown failed", slog.Any("error", err))
		}
	}
}
