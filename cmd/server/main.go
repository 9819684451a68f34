package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/stuartshay/trip-scorer/internal/config"
	"github.com/stuartshay/trip-scorer/internal/database"
	grpcserver "github.com/stuartshay/trip-scorer/internal/grpc"
	"github.com/stuartshay/trip-scorer/internal/localstore"
	"github.com/stuartshay/trip-scorer/internal/notify"
	"github.com/stuartshay/trip-scorer/internal/store"
	"github.com/stuartshay/trip-scorer/internal/tracing"
)

func main() {
	// Initialize structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().Msg("Starting trip-scorer service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Str("db_host", cfg.PostgresHost).
		Str("db_port", cfg.PostgresPort).
		Str("local_store", cfg.LocalStorePath).
		Msg("Configuration loaded")

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:      cfg.ServiceName,
		ServiceNamespace: "trip-scorer",
		ServiceVersion:   version,
		Environment:      cfg.Environment,
		OTLPEndpoint:     cfg.OTELEndpoint,
		Enabled:          cfg.OTELEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The remote database is optional at startup; trips are kept locally
	// until it becomes reachable.
	dbClient := connectDatabase(ctx, cfg)

	local, err := localstore.Open(ctx, cfg.LocalStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open local trip store")
	}

	var remote store.TripStore
	var locations grpcserver.LocationSource
	if dbClient != nil {
		remote = dbClient
		locations = dbClient
	}

	trips := store.NewFallback(remote, local).WithRetention(cfg.LocalRetention)
	go trips.Run(ctx, cfg.SyncInterval, cfg.SyncBatchSize)

	publisher := newPublisher(cfg)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))

	// Register trip service
	tripServer := grpcserver.NewServer(cfg, trips, locations, publisher)
	grpcserver.RegisterTripServiceServer(grpcServer, tripServer)

	// Register health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcserver.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable server reflection for debugging
	reflection.Register(grpcServer)

	// Start gRPC server
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create TCP listener")
	}

	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	// Start HTTP server for probes and metrics
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           newHTTPHandler(cfg.ServiceName, readiness(dbClient)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, gracefully stopping...")
	healthServer.Shutdown()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}

	// Stop gRPC server
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	case <-stopped:
		log.Info().Msg("gRPC server stopped")
	}

	// Shutdown trip tracker and replay workers
	if err := tripServer.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown trip service")
	}

	// Stop the sync loop before closing the stores it uses
	cancel()

	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close event publisher")
	}
	if err := local.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close local trip store")
	}
	if dbClient != nil {
		if err := dbClient.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database client")
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown tracer")
	}

	log.Info().Msg("Service shutdown complete")
}

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// connectDatabase returns a ready database client, or nil when the remote
// store cannot be reached
func connectDatabase(ctx context.Context, cfg *config.Config) *database.Client {
	dbClient, err := database.NewClient(cfg.DatabaseDSN())
	if err != nil {
		log.Warn().Err(err).Msg("Database unavailable, running with local trip store only")
		return nil
	}

	log.Info().Msg("Database connection established")

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := dbClient.InitSchema(initCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize trips schema, running with local trip store only")
		_ = dbClient.Close()
		return nil
	}

	log.Info().Msg("Database schema ready")
	return dbClient
}

// newPublisher connects to the AMQP broker when configured and falls back
// to logging events
func newPublisher(cfg *config.Config) notify.Publisher {
	if cfg.AMQPURL == "" {
		return notify.NewLogPublisher(log.Logger)
	}

	p, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Warn().Err(err).Msg("AMQP broker unavailable, logging driving events instead")
		return notify.NewLogPublisher(log.Logger)
	}

	log.Info().Str("exchange", cfg.AMQPExchange).Msg("Publishing driving events to AMQP")
	return p
}

// readiness reports the remote database health. A service running on the
// local store alone is still ready to score trips.
func readiness(dbClient *database.Client) func(context.Context) error {
	if dbClient == nil {
		return func(context.Context) error { return nil }
	}
	return dbClient.HealthCheck
}

// setLogLevel configures the global log level
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("level", level).Msg("Log level set")
}
