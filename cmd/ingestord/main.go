// Command ingestord is the fleetwatch ingestion and alerting server. It
// loads configuration from the process environment, opens the PostgreSQL
// telemetry store and Redis cache, wires together the verifier, heartbeat
// engine, alert state machine, version matcher, notification dispatcher,
// and rule driver, and serves three listeners: a TLS gRPC ingestion
// frontend for fleet agents and the chain scanner, a plain HTTP admin
// surface (/healthz, /metrics), and a WebSocket fan-out for dashboard
// clients. It shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/fleetwatch/core/internal/adminhttp"
	"github.com/fleetwatch/core/internal/alertstate"
	"github.com/fleetwatch/core/internal/audit"
	"github.com/fleetwatch/core/internal/heartbeat"
	"github.com/fleetwatch/core/internal/ingestgrpc"
	"github.com/fleetwatch/core/internal/ingestpb"
	"github.com/fleetwatch/core/internal/notify"
	"github.com/fleetwatch/core/internal/rules"
	"github.com/fleetwatch/core/internal/serverconfig"
	"github.com/fleetwatch/core/internal/store"
	"github.com/fleetwatch/core/internal/verify"
	"github.com/fleetwatch/core/internal/versionmatch"
	"github.com/fleetwatch/core/internal/ws"
)

// storeBatchSize and storeFlushInterval tune the telemetry store's
// background metrics-flush loop (C2).
const (
	storeBatchSize     = 500
	storeFlushInterval = 5 * time.Second
)

func main() {
	cfg, err := serverconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestord: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("fleetwatch ingestion server starting",
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("ws_addr", cfg.WSAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MigrateOnStartup {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			logger.Error("migration failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	st, err := store.New(ctx, cfg.DatabaseURL, storeBatchSize, storeFlushInterval)
	if err != nil {
		logger.Error("failed to open telemetry store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close(context.Background())
	logger.Info("telemetry store connected")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to parse REDIS_URL", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
		os.Exit(1)
	}

	verifier := verify.New(st)
	alertMachine := alertstate.New(st, auditLog)
	matcher := versionmatch.New(st, versionmatch.WithRedis(redisClient))

	channels := buildChannels(cfg.Notify, logger)
	templates := buildTemplates(cfg.Notify)
	dispatcher := notify.New(st, alertMachine, channels, notify.WithTemplates(templates))

	sink := &dispatchingAlertSink{machine: alertMachine, dispatcher: dispatcher, logger: logger}

	hbEngine := heartbeat.New(st, sink, heartbeat.WithLogger(logger))
	if err := hbEngine.StartReaper([]store.HeartbeatTier{store.TierClient, store.TierMachine, store.TierNode}); err != nil {
		logger.Error("failed to start heartbeat reaper", slog.Any("error", err))
		os.Exit(1)
	}
	defer hbEngine.StopReaper()

	ruleDriver := rules.New(st, sink, matcher, rules.WithLogger(logger))
	if err := ruleDriver.StartScheduled(); err != nil {
		logger.Error("failed to start rule driver", slog.Any("error", err))
		os.Exit(1)
	}
	defer ruleDriver.Stop()

	ingestSrv := ingestgrpc.NewServer(st, verifier, hbEngine, alertMachine, ruleDriver, ingestgrpc.WithLogger(logger))
	chainScanSrv := ingestgrpc.NewChainScannerServer(st, logger)

	grpcCreds, err := loadServerTLS(cfg.IngestionTLS.CertPath, cfg.IngestionTLS.KeyPath)
	if err != nil {
		logger.Error("failed to load ingestion TLS material", slog.Any("error", err))
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(grpc.Creds(grpcCreds))
	ingestpb.RegisterFleetIngestServer(grpcServer, ingestSrv)
	ingestpb.RegisterChainScannerServer(grpcServer, chainScanSrv)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on GRPC_ADDR", slog.String("addr", cfg.GRPCAddr), slog.Any("error", err))
		os.Exit(1)
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC ingestion frontend listening", slog.String("addr", cfg.GRPCAddr))
		grpcErrCh <- grpcServer.Serve(grpcLis)
	}()

	broadcaster := ws.NewBroadcaster(logger, 256)
	wsHandler := ws.NewHandler(broadcaster, resolveOrgFromQuery, logger, 10*time.Second)
	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", wsHandler)
	wsServer := &http.Server{
		Addr:         cfg.WSAddr,
		Handler:      wsMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived upgraded connections
	}

	wsErrCh := make(chan error, 1)
	go func() {
		logger.Info("WebSocket fan-out listening", slog.String("addr", cfg.WSAddr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			wsErrCh <- err
			return
		}
		wsErrCh <- nil
	}()

	adminServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      adminhttp.NewRouter(st),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	adminErrCh := make(chan error, 1)
	go func() {
		logger.Info("admin HTTP surface listening", slog.String("addr", cfg.HTTPAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			adminErrCh <- err
			return
		}
		adminErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-wsErrCh:
		if err != nil {
			logger.Error("WebSocket server error", slog.Any("error", err))
		}
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin HTTP server shutdown error", slog.Any("error", err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("WebSocket server shutdown error", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcServer.Stop()
	}

	logger.Info("fleetwatch ingestion server exited cleanly")
}

// dispatchingAlertSink adapts the alert state machine (C4) into the
// AlertSink seam the heartbeat engine (C3) and rule driver (C8) activate
// and resolve alerts through, additionally firing the notification
// dispatcher (C6) on every activation. Dispatch runs in its own goroutine:
// a slow or failing notification channel must never block the heartbeat
// reaper's or rule driver's tick.
type dispatchingAlertSink struct {
	machine    *alertstate.Machine
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

func (s *dispatchingAlertSink) Activate(ctx context.Context, a store.Alert) (store.Alert, error) {
	activated, err := s.machine.Activate(ctx, a)
	if err != nil {
		return store.Alert{}, err
	}

	go func() {
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.dispatcher.Dispatch(dispatchCtx, activated); err != nil {
			s.logger.Warn("notification dispatch failed",
				slog.String("alert_id", activated.AlertID),
				slog.Any("error", err),
			)
		}
	}()

	return activated, nil
}

func (s *dispatchingAlertSink) Resolve(ctx context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error {
	return s.machine.Resolve(ctx, scope, orgID, alertID, now)
}

// buildChannels constructs the notification channels enabled by cfg. A
// channel is included only when its required credential is non-empty, so
// an operator can run with any subset of providers configured.
func buildChannels(cfg serverconfig.NotifyConfig, logger *slog.Logger) []notify.Channel {
	var channels []notify.Channel

	if cfg.SendGridAPIKey != "" {
		channels = append(channels, notify.NewEmailChannel(cfg.SendGridAPIKey, cfg.EmailFromAddr, cfg.EmailFromName))
	}
	if cfg.TelegramAPIKey != "" {
		tg, err := notify.NewTelegramChannel(cfg.TelegramAPIKey)
		if err != nil {
			logger.Error("failed to initialise Telegram channel", slog.Any("error", err))
		} else {
			channels = append(channels, tg)
		}
	}
	if cfg.PagerDutyRoutingKeyPrefix != "" {
		channels = append(channels, notify.NewPagerDutyChannel())
	}

	return channels
}

// buildTemplates starts from the dispatcher's built-in per-kind templates
// and overlays any operator-supplied template files.
func buildTemplates(cfg serverconfig.NotifyConfig) *notify.Templates {
	t := notify.DefaultTemplates()

	if cfg.TemplatePath != "" {
		if body, err := os.ReadFile(cfg.TemplatePath); err == nil {
			_ = t.SetGenericTemplate(string(body))
		}
	}
	for kind, path := range cfg.KindTemplatePaths {
		body, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_ = t.SetKindTemplate(store.AlertKind(kind), string(body))
	}

	return t
}

// resolveOrgFromQuery resolves a dashboard WebSocket client's organization
// from the "org_id" query parameter. A fuller deployment would authenticate
// the upgrade request against a session cookie or bearer token; that sits
// behind the dashboard's own auth layer, out of this server's scope.
func resolveOrgFromQuery(r *http.Request) (string, bool) {
	orgID := r.URL.Query().Get("org_id")
	return orgID, orgID != ""
}

// loadServerTLS loads the ingestion frontend's server certificate. Fleet
// agents are authenticated at the application layer (every RPC carries an
// ECDSA signature verified by C1), so the gRPC listener only needs
// server-side TLS, not a client CA for mutual authentication.
func loadServerTLS(certPath, keyPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load cert/key (%s, %s): %w", certPath, keyPath, err)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
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
