// The worker binary runs the job-processing loops without the HTTP surface,
// for scaling pipeline capacity independently of the API.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reelforge/backend/internal/bootstrap"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/logger"
	"github.com/reelforge/backend/internal/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
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

	logger.Log.Info("=== ReelForge worker starting ===")

	metrics.Initialize()

	k, err := bootstrap.Build(ctx, cfg, logger.Log)
	if err != nil {
		logger.FatalWithFields("Failed to build services", err)
	}

	k.Workers().Start()
	k.Scheduler().Start()

	// Metrics and liveness only; job traffic comes from the broker
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(promhttp.Handler(), "metrics"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		logger.Log.Info("✅ Worker metrics listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalWithFields("Metrics server failed", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	k.Scheduler().Stop()
	k.Workers().Stop()
	k.Cleanup(shutdownCtx)

	logger.Log.Info("=== ReelForge worker stopped ===")
}
