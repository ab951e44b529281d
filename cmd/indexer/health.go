package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline"
)

type healthResponse struct {
	Status     string                    `json:"status"`
	Components []pipeline.HealthSnapshot `json:"components"`
}

// healthHandler answers 503 while any registered component is UNHEALTHY.
func healthHandler(registry *pipeline.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok", Components: registry.Snapshots()}
		status := http.StatusOK
		if !registry.Healthy() {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	}
}

func healthMux(registry *pipeline.Registry, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(registry, logger))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// serveHTTP runs server until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, server *http.Server, name string, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "addr", server.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func runHealthServer(ctx context.Context, port int, registry *pipeline.Registry, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           healthMux(registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serveHTTP(ctx, server, "health", logger)
}

type dbStatsProvider interface {
	Stats() sql.DBStats
}

func collectDBPoolStats(db dbStatsProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	metrics.DBPoolConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	metrics.DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	metrics.DBPoolConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	metrics.DBPoolWaitCount.Set(float64(stats.WaitCount))
	metrics.DBPoolWaitDuration.Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}
