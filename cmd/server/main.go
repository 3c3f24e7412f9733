package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/totoapp/delivery-core/internal/config"
	"github.com/totoapp/delivery-core/internal/fare"
	"github.com/totoapp/delivery-core/internal/logger"
	"github.com/totoapp/delivery-core/internal/metrics"
	"github.com/totoapp/delivery-core/internal/repository"
	"github.com/totoapp/delivery-core/internal/server"
	"github.com/totoapp/delivery-core/internal/service"
	"github.com/totoapp/delivery-core/internal/tracking"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	metrics.Register()

	store, err := repository.NewPostgresStore(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer store.Close()

	cache, err := repository.NewRedisCache(cfg.Redis)
	if err != nil {
		// The cache is an optimization; the store is authoritative.
		logger.Warn("redis unavailable, running without cache", map[string]interface{}{
			"error": err.Error(),
		})
		cache = nil
	}

	fares := &fare.Calculator{
		BasePrice:  cfg.Fare.BasePrice,
		PerKmPrice: cfg.Fare.PerKmPrice,
	}
	credits := service.NewCreditService(store, cache)
	deliveries := service.NewDeliveryService(store, cache, fares)

	hub := tracking.NewHub(store)
	trackingHandler := tracking.NewHandler(hub, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go credits.RunSweeper(ctx, cfg.Credit.SweepInterval)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.New(deliveries, credits, trackingHandler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server listening", map[string]interface{}{
			"addr": cfg.HTTPAddr,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			errCh <- err
			return
		}
		logger.Info("grpc health server listening", map[string]interface{}{
			"addr": cfg.GRPCAddr,
		})
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", map[string]interface{}{
			"error": err.Error(),
		})
	case sig := <-quit:
		logger.Info("shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	grpcServer.GracefulStop()

	logger.Info("server stopped", nil)
}
