// cmd/broker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "image-broker/internal/api/http"
	"image-broker/internal/broker"
	"image-broker/internal/config"
	"image-broker/internal/health"
	"image-broker/internal/infra/natsbus"
	"image-broker/internal/scheduler"
	"image-broker/internal/tracing"
	"image-broker/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize logger and tracer
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Error("invalid log level", "log_level", cfg.LogLevel, "error", err)
		os.Exit(1)
	}
	nodeID := uuid.New().String()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("node_id", nodeID)
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer(tracing.Options{
		ServiceName: "image-broker",
		NodeID:      nodeID,
		Pretty:      cfg.TracePretty,
	}, logger)
	if err != nil {
		fatal(logger, "failed to initialize tracer", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting image broker", "ledger_backend", cfg.LedgerBackend)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 4. Ledger, blacklist and leader election
	st, err := openStores(rootCtx, cfg, nodeID, logger)
	if err != nil {
		fatal(logger, "failed to open ledger backend", err)
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Error("failed to close ledger backend", "error", err)
		}
	}()

	// 5. Message bus
	gateway, err := natsbus.Connect(natsbus.Config{
		URL:          cfg.NatsURL,
		Name:         cfg.NatsName + "-" + nodeID,
		Timeout:      cfg.NatsConnectTimeout,
		DrainTimeout: cfg.NatsDrainTimeout,
	}, logger)
	if err != nil {
		fatal(logger, "failed to connect to nats", err)
	}

	// 6. Dispatch core
	acquirer := broker.NewAcquirer(gateway, st.blacklist, cfg.SolicitSubject, cfg.AcquireTimeout, logger)
	completions := broker.NewCompletionListener(gateway, st.ledger, cfg.CompletionTTL, logger)
	dispatcher := broker.NewDispatcher(gateway, st.ledger, acquirer, completions, logger)
	intake := broker.NewIntake(gateway, dispatcher, cfg.IntakeSubject, cfg.IntakeQueueGroup, cfg.MaxInFlight, logger)

	sweeper, err := scheduler.NewSweeper(cfg.SweepSchedule, cfg.CompletionTTL, st.ledger, completions, logger)
	if err != nil {
		fatal(logger, "failed to create sweeper", err)
	}
	sweeperService := usecase.NewSweeperService(st.election, sweeper, nodeID, logger)

	// 7. Operator API, metrics and health
	monitor := health.NewMonitor(gateway.IsConnected, 2*time.Second, logger)
	handler := http_api.NewHandler(
		usecase.NewRequestService(st.ledger, logger),
		usecase.NewWorkerTrustService(st.blacklist, logger),
		logger,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", monitor)
	handler.RegisterRoutes(mux)

	server := &http.Server{Addr: cfg.HttpListenAddr, Handler: mux}
	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	grpcServer := monitor.NewGRPCServer()
	if cfg.GrpcListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
		if err != nil {
			fatal(logger, "failed to listen for gRPC health", err)
		}
		go func() {
			logger.Info("gRPC health server listening", "addr", cfg.GrpcListenAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC health server failed", "error", err)
			}
		}()
	}
	go monitor.Run(rootCtx)

	// 8. Background loops
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		if err := sweeperService.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper service stopped with error", "error", err)
		}
	}()

	if err := intake.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("intake stopped with error", "error", err)
		cancel()
	}

	// 9. Shutdown: stop taking work, finish in-flight requests, then close the bus.
	logger.Info("shutting down application gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.NatsDrainTimeout)
	defer shutdownCancel()

	if err := intake.Wait(shutdownCtx); err != nil {
		logger.Warn("in-flight requests did not finish before shutdown", "error", err)
	}
	<-sweeperDone
	completions.Close()
	if err := gateway.Drain(shutdownCtx); err != nil {
		logger.Error("failed to drain nats", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()

	logger.Info("application shut down")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
