// Package serverconfig loads the ingestion server's configuration from the
// process environment.
package serverconfig

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the top-level configuration for the ingestion server (cmd/ingestord):
// listener addresses, backing stores, transport TLS material, and the
// notification dispatcher's provider keys and templates.
type Config struct {
	// HTTPAddr is the listen address for the admin HTTP surface
	// (/healthz, /metrics). Defaults to "127.0.0.1:9000" when omitted.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"127.0.0.1:9000"`

	// GRPCAddr is the listen address for the fleet-agent and chain-scanner
	// gRPC services. Required.
	GRPCAddr string `env:"GRPC_ADDR,required"`

	// WSAddr is the listen address for the WebSocket fan-out. Defaults to
	// "127.0.0.1:9001" when omitted.
	WSAddr string `env:"WS_ADDR" envDefault:"127.0.0.1:9001"`

	// DatabaseURL is the Postgres connection string for the telemetry
	// store. Required.
	DatabaseURL string `env:"DATABASE_URL,required"`

	// RedisURL is the connection string for the version matcher's (C5)
	// shared digest cache. Required.
	RedisURL string `env:"REDIS_URL,required"`

	// IngestionTLS holds the certificate and key the fleet-agent-facing
	// gRPC listener presents.
	IngestionTLS TLSPair `envPrefix:"INGEST_TLS_"`

	// ChainScannerTLS holds the certificate and key the chain-scanner-facing
	// gRPC listener presents.
	ChainScannerTLS TLSPair `envPrefix:"CHAINSCAN_TLS_"`

	// Notify holds per-provider API keys and per-alert-kind template paths
	// for the notification dispatcher (C6).
	Notify NotifyConfig `envPrefix:"NOTIFY_"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// OTLPEndpoint is the OTLP/HTTP collector endpoint traces are exported
	// to. Tracing is disabled when empty.
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`

	// MigrateOnStartup runs pending goose migrations against DatabaseURL
	// before the server starts serving traffic.
	MigrateOnStartup bool `env:"MIGRATE_ON_STARTUP" envDefault:"false"`

	// AuditLogPath is the append-only hash-chained audit trail file the
	// alert state machine (C4) records every lifecycle transition to.
	AuditLogPath string `env:"AUDIT_LOG_PATH" envDefault:"/var/lib/fleetwatch/audit.log"`
}

// TLSPair is a certificate/private-key file path pair for a TLS-terminated
// gRPC listener.
type TLSPair struct {
	CertPath string `env:"CERT_PATH,required"`
	KeyPath  string `env:"KEY_PATH,required"`
}

// NotifyConfig holds the notification dispatcher's per-provider credentials
// and the template paths it renders alerts through. Template is the generic
// fallback; the Templates map supplies per-kind overrides keyed the same
// way store.AlertKind values serialize (e.g. "Custom", "NodeNotResponding").
type NotifyConfig struct {
	SendGridAPIKey            string `env:"SENDGRID_API_KEY"`
	EmailFromAddr             string `env:"EMAIL_FROM_ADDR"`
	EmailFromName             string `env:"EMAIL_FROM_NAME"`
	TelegramAPIKey            string `env:"TELEGRAM_API_KEY"`
	PagerDutyRoutingKeyPrefix string `env:"PAGERDUTY_ROUTING_KEY_PREFIX"`

	// TemplatePath is the generic fallback template file. Empty disables
	// the generic tier (kind-specific → built-in minimal).
	TemplatePath string `env:"TEMPLATE_PATH"`

	// KindTemplatePaths holds one optional override path per alert kind,
	// keyed by the exact store.AlertKind serialization (e.g. "Custom",
	// "NoMetrics", "HardwareOverThreshold"). Keys are used as-is: a key that
	// is not an AlertKind value, such as the kebab-case "no-metrics", matches
	// no alert and its template is never used.
	KindTemplatePaths map[string]string `env:"KIND_TEMPLATE_PATHS"`
}

// Load reads Config from the process environment, applying the envDefault
// tags and returning an error that names every missing required variable.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("serverconfig: %w", err)
	}
	return cfg, nil
}
