package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Pakeating/registryweb/internal/config"
	"github.com/Pakeating/registryweb/internal/observability"
	"github.com/Pakeating/registryweb/internal/server"
)

func main() {
	cfg := &config.Config{}
	if err := config.ParseEnv(cfg); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	addr := flag.String("addr", cfg.Addr, "Proxy listen address (host:port)")
	grpcAddr := flag.String("grpc-addr", cfg.AdminGRPCAddr, "Admin gRPC health address (empty disables)")
	upstream := flag.String("upstream", cfg.Upstream, "Application origin URL")
	dataDir := flag.String("data", cfg.DataDir, "Data directory for the queue and cache")
	noUpgrade := flag.Bool("no-upgrade", false, "Skip installing and activating the cache version at start")
	flag.Parse()

	cfg.Addr = *addr
	cfg.AdminGRPCAddr = *grpcAddr
	cfg.Upstream = *upstream
	cfg.DataDir = *dataDir
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "registryd", cfg.OTelEndpoint)
	if err != nil {
		logger.Error("tracing disabled", "error", err)
	}

	agent, err := server.NewAgent(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}
	if err := agent.Start(); err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	if !*noUpgrade {
		upCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := agent.Upgrade(upCtx); err != nil {
			logger.Warn("initial upgrade failed", "error", err)
		}
		cancel()
	}

	logger.Info("agent running", "addr", agent.Addr().String(), "upstream", cfg.Upstream, "version", cfg.CacheVersion)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := agent.Stop(stopCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	if err := shutdownTracing(stopCtx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}
}
