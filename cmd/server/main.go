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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetsynth/transcribe-gateway/internal/asr"
	"github.com/meetsynth/transcribe-gateway/internal/backend"
	"github.com/meetsynth/transcribe-gateway/internal/config"
	"github.com/meetsynth/transcribe-gateway/internal/gateway"
	"github.com/meetsynth/transcribe-gateway/internal/observability"
	"github.com/meetsynth/transcribe-gateway/internal/session"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("backend_url", cfg.BackendURL).
		Str("asr_provider", cfg.ASRProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Str("version", observability.Version).
		Msg("Transcription gateway starting")

	client, err := backend.NewClientFromConfig(cfg, "", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create backend client")
	}

	newChannel, err := asr.NewFactory(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure ASR provider")
	}

	// One live recording per meeting; Redis shares the lock across replicas
	var locker session.Locker = session.NewMemoryLocker()
	checks := map[string]observability.HealthCheckFunc{
		"backend": func(ctx context.Context) (bool, error) {
			if err := client.Ready(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"asr": func(ctx context.Context) (bool, error) {
			// Config only; opening a provider session would be billed
			return true, cfg.Validate()
		},
	}
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := session.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()

		redisLocker := session.NewRedisLocker(rdb)
		locker = redisLocker
		checks["redis"] = func(ctx context.Context) (bool, error) {
			if err := redisLocker.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Live-session lock shared through Redis")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	factory := gateway.NewSessionFactory(cfg, client, newChannel, locker, logger)
	sessions := gateway.NewHandler(factory, gateway.VADConfigFrom(cfg), logger)
	mux.Handle("/sessions/ws", sessions)

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: session sockets are long-lived
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcHealth := observability.NewGRPCHealth(logger)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
	}
	go func() {
		if err := grpcHealth.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC health server stopped")
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go grpcHealth.Watch(watchCtx, 15*time.Second, checks["backend"])

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/sessions/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stopWatch()
	grpcHealth.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Session sockets are hijacked, so Shutdown above does not wait for them
	if err := sessions.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not finish their final save in time")
	}

	logger.Info().Msg("Server exited gracefully")
}
