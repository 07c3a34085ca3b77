// Package main is the entry point for the gatekeepd binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatekeep-io/gatekeep/pkg/config"
	"github.com/gatekeep-io/gatekeep/pkg/logging"
	"github.com/gatekeep-io/gatekeep/pkg/module"
	"github.com/gatekeep-io/gatekeep/pkg/policy"
	"github.com/gatekeep-io/gatekeep/pkg/sched"
	"github.com/gatekeep-io/gatekeep/pkg/server"
	"github.com/gatekeep-io/gatekeep/pkg/telemetry"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.Address = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *prettyLogs {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	logger.Info("Starting gatekeepd", "config", *configPath)

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "gatekeepd",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	registry, err := module.Build(cfg.Modules, logger)
	if err != nil {
		logger.Error("Failed to build modules", "error", err)
		os.Exit(1)
	}

	store, err := policy.NewStore(cfg.Policy.File, policy.NewCompiler(registry), logger)
	if err != nil {
		logger.Error("Failed to load policies", "error", err)
		os.Exit(1)
	}
	if cfg.Policy.Watch {
		if err := store.Watch(ctx); err != nil {
			logger.Error("Failed to watch policy file", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("Policies loaded", "file", cfg.Policy.File, "policies", store.Names())

	metrics := sched.NewMetrics()
	pool := sched.New(sched.Options{
		Logger:      logger,
		Workers:     cfg.Scheduler.Workers,
		QueueDepth:  cfg.Scheduler.QueueDepth,
		ParkTimeout: cfg.Scheduler.ParkTimeout,
		Metrics:     metrics,
	})

	srv := server.New(store, pool, logger)
	apiServer := startServer(cfg.Server.Address, srv.Handler(), logger)
	adminServer := startServer(cfg.Server.AdminAddress, srv.AdminHandler(metrics.Handler()), logger)

	waitForShutdown(logger, func(ctx context.Context) {
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		if err := adminServer.Shutdown(ctx); err != nil {
			logger.Error("Admin server shutdown error", "error", err)
		}
		if err := pool.Stop(ctx); err != nil {
			logger.Error("Scheduler drain error", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("Policy store close error", "error", err)
		}
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	})
}

func startServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	return srv
}

func waitForShutdown(logger *slog.Logger, stop func(context.Context)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stop(ctx)
}
