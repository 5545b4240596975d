package serverconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/core/internal/serverconfig"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GRPC_ADDR", "0.0.0.0:9443")
	t.Setenv("DATABASE_URL", "postgres://localhost/fleetwatch")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("INGEST_TLS_CERT_PATH", "/etc/fleetwatch/ingest.crt")
	t.Setenv("INGEST_TLS_KEY_PATH", "/etc/fleetwatch/ingest.key")
	t.Setenv("CHAINSCAN_TLS_CERT_PATH", "/etc/fleetwatch/chainscan.crt")
	t.Setenv("CHAINSCAN_TLS_KEY_PATH", "/etc/fleetwatch/chainscan.key")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := serverconfig.Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	require.Equal(t, "127.0.0.1:9001", cfg.WSAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.MigrateOnStartup)
	require.Equal(t, "0.0.0.0:9443", cfg.GRPCAddr)
	require.Equal(t, "/etc/fleetwatch/ingest.crt", cfg.IngestionTLS.CertPath)
	require.Equal(t, "/etc/fleetwatch/chainscan.key", cfg.ChainScannerTLS.KeyPath)
}

func TestLoadMissingRequiredFieldFails(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/fleetwatch")

	_, err := serverconfig.Load()
	require.Error(t, err)
}

func TestLoadOverridesAndNotifyConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MIGRATE_ON_STARTUP", "true")
	t.Setenv("OTLP_ENDPOINT", "otel-collector:4318")
	t.Setenv("NOTIFY_SENDGRID_API_KEY", "SG.abc123")
	t.Setenv("NOTIFY_TEMPLATE_PATH", "/etc/fleetwatch/templates/generic.tmpl")
	t.Setenv("NOTIFY_KIND_TEMPLATE_PATHS", "custom:/tpl/custom.tmpl,no-metrics:/tpl/no-metrics.tmpl")

	cfg, err := serverconfig.Load()
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.MigrateOnStartup)
	require.Equal(t, "otel-collector:4318", cfg.OTLPEndpoint)
	require.Equal(t, "SG.abc123", cfg.Notify.SendGridAPIKey)
	require.Equal(t, "/etc/fleetwatch/templates/generic.tmpl", cfg.Notify.TemplatePath)
	require.Equal(t, "/tpl/custom.tmpl", cfg.Notify.KindTemplatePaths["custom"])
	require.Equal(t, "/tpl/no-metrics.tmpl", cfg.Notify.KindTemplatePaths["no-metrics"])
}
