package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/reelforge/backend/internal/bootstrap"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/logger"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/server"
	"github.com/reelforge/backend/internal/telemetry"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables before anything reads them
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Initialize(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	logger.Log.Info("=== ReelForge server starting ===")

	metrics.Initialize()

	var tracerProvider *sdktrace.TracerProvider
	if cfg.OtelEnabled {
		tracerProvider, err = telemetry.InitTracer(telemetry.Config{
			ServiceName:  "reelforge-backend",
			Environment:  os.Getenv("ENVIRONMENT"),
			OTLPEndpoint: cfg.OtelEndpoint,
			Enabled:      true,
			SamplingRate: 1.0,
		})
		if err != nil {
			logger.FatalWithFields("Failed to initialize tracing", err)
		}
	}

	k, err := bootstrap.Build(ctx, cfg, logger.Log)
	if err != nil {
		logger.FatalWithFields("Failed to build services", err)
	}

	// Background loops: workers pull jobs, the scheduler reaps and requeues
	k.Workers().Start()
	k.Scheduler().Start()

	handler := server.NewHandler(k.JobService(), k.ArtifactStore(), cfg.MaxFileSize, logger.Log)
	router := server.NewRouter(handler, cfg.OtelEnabled)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Log.Info("✅ HTTP server listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalWithFields("HTTP server failed", err)
		}
	}()

	// Block until a shutdown signal arrives
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithFields("HTTP shutdown failed", err)
	}

	k.Scheduler().Stop()
	k.Workers().Stop()
	k.Cleanup(shutdownCtx)

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.ErrorWithFields("Tracer shutdown failed", err)
		}
	}

	logger.Log.Info("=== ReelForge server stopped ===")
}
