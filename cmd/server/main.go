// BacktestGPT Server
// Entry point for the backtest service

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/api/grpc"
	httpapi "github.com/tsangh5/BacktestGPT/internal/api/http"
	"github.com/tsangh5/BacktestGPT/internal/app"
	"github.com/tsangh5/BacktestGPT/internal/config"
	"github.com/tsangh5/BacktestGPT/internal/events"
	"github.com/tsangh5/BacktestGPT/internal/logging"
	"github.com/tsangh5/BacktestGPT/internal/scheduler"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting BacktestGPT",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("log_level", cfg.Logging.Level),
	)

	// Create root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Application error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("BacktestGPT stopped")
}

// run initializes and runs all application components.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// 1. Assemble market data, validation, conversation, history and events
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// 2. WebSocket hub fed by backtest events
	hub := httpapi.NewHub(logger)
	go hub.Run()
	defer hub.Shutdown()

	if err := subscribeHub(ctx, cfg, a, hub, logger); err != nil {
		return err
	}

	// 3. History retention
	var retention *scheduler.RetentionScheduler
	if a.HistoryEnabled() && cfg.History.RetentionDays > 0 {
		retention, err = scheduler.NewRetentionScheduler(a.Runs, &cfg.History, logger)
		if err != nil {
			return fmt.Errorf("failed to create retention scheduler: %w", err)
		}
		if err := retention.Start(); err != nil {
			return fmt.Errorf("failed to start retention scheduler: %w", err)
		}
		logger.Info("Retention scheduler started", zap.Time("next_run", retention.NextRun()))
	}

	// 4. Start HTTP server (health/metrics + REST API + websocket)
	checks := make(map[string]httpapi.HealthChecker, len(a.Checks))
	for name, c := range a.Checks {
		checks[name] = c
	}
	httpAddr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	handler := httpapi.NewHandler(a.Service, a.Registry, a.Resolver, a.Runs, logger)
	httpServer := httpapi.NewServer(httpapi.Options{
		Address:      httpAddr,
		WriteTimeout: cfg.Backtest.Timeout() + cfg.Server.Shutdown()/3,
		Version:      Version,
	}, handler, hub, a.Metrics, checks, logger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// 5. Start gRPC server
	grpcAddr := fmt.Sprintf(":%d", cfg.Server.GRPCPort)
	grpcServer := grpc.NewServer(a.Service, a.Registry, a.Runs, logger)

	go func() {
		if err := grpcServer.Start(grpcAddr); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	logger.Info("BacktestGPT initialized and running",
		zap.String("grpc_address", grpcAddr),
		zap.String("http_address", httpAddr),
		zap.String("market_data", cfg.MarketData.Provider),
		zap.String("llm", cfg.LLM.Provider),
		zap.String("history", cfg.History.Driver),
	)

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Shutting down BacktestGPT...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.Shutdown())
	defer shutdownCancel()

	// Stop accepting new gRPC requests
	grpcServer.Stop()
	logger.Info("gRPC server stopped")

	// Stop HTTP server
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	if retention != nil {
		if err := retention.Stop(); err != nil {
			logger.Error("Error stopping retention scheduler", zap.Error(err))
		}
		logger.Info("Retention scheduler stopped")
	}

	return nil
}

// subscribeHub feeds the websocket hub. With RabbitMQ enabled the hub
// consumes from the broker, so clients see runs from every replica.
// Otherwise it listens on the in-process bus.
func subscribeHub(ctx context.Context, cfg *config.Config, a *app.App, hub *httpapi.Hub, logger *zap.Logger) error {
	keys := []string{events.RoutingKeyBacktestAll}

	if cfg.RabbitMQ.Enabled {
		queue := "backtestgpt.ws." + uuid.NewString()
		subscriber, err := events.NewRabbitMQSubscriber(&cfg.RabbitMQ, queue, logger)
		if err == nil {
			if err = subscriber.Subscribe(ctx, keys, hub.Relay); err != nil {
				subscriber.Close()
			}
		}
		if err == nil {
			go func() {
				<-ctx.Done()
				subscriber.Close()
			}()
			logger.Info("WebSocket feed subscribed to RabbitMQ", zap.String("queue", queue))
			return nil
		}
		logger.Warn("Failed to subscribe to RabbitMQ, websocket feed stays in-process", zap.Error(err))
	}

	return a.Bus.Subscribe(ctx, keys, hub.Relay)
}
