// Command fleet-agent is the fleetwatch fleet-agent binary. It loads a YAML
// configuration file, opens the local event queue and signing key, starts
// the machine and heartbeat collectors and the gRPC transport, exposes a
// /healthz liveness endpoint, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetwatch/core/internal/agentconfig"
	"github.com/fleetwatch/core/internal/fleetagent"
	"github.com/fleetwatch/core/internal/fleetqueue"
	"github.com/fleetwatch/core/internal/fleettransport"
)

func main() {
	configPath := flag.String("config", "/etc/fleetwatch-agent/config.yaml", "path to the fleet-agent YAML configuration file")
	flag.Parse()

	cfg, err := agentconfig.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("ingest_addr", cfg.IngestAddr),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
	)

	signer, err := fleettransport.LoadSigner(cfg.SigningKeyPath)
	if err != nil {
		logger.Error("failed to load signing key", slog.String("path", cfg.SigningKeyPath), slog.Any("error", err))
		os.Exit(1)
	}

	q, err := fleetqueue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open event queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("event queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	grpcTransport := fleettransport.New(
		fleettransport.ClientConfig{
			Addr:          cfg.IngestAddr,
			CertPath:      cfg.TLS.CertPath,
			KeyPath:       cfg.TLS.KeyPath,
			CAPath:        cfg.TLS.CAPath,
			Email:         cfg.Email,
			Password:      cfg.Password,
			Hostname:      cfg.Hostname,
			MachineIDPath: cfg.MachineIDPath,
		},
		signer,
		q,
		logger,
	)

	mounts := map[string]string{"root": "/"}
	machineCollector := fleetagent.NewMachineCollector(
		fleetagent.NewMachineStatsReader(mounts),
		cfg.AgentVersion,
		logger,
	)
	heartbeatCollector := fleetagent.NewHeartbeatCollector(cfg.HeartbeatInterval, logger)

	ag := fleetagent.New(cfg, logger,
		fleetagent.WithQueue(q),
		fleetagent.WithTransport(grpcTransport),
		fleetagent.WithCollectors(machineCollector, heartbeatCollector),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start fleet agent", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("fleet agent exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
