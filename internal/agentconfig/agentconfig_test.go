package agentconfig_test

import (
	"os"
	"testing"
	"time"

	"github.com/fleetwatch/core/internal/agentconfig"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "agentconfig-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
ingest_addr: "ingest.example.com:9443"
tls:
  cert_path: "/etc/fleetwatch-agent/agent.crt"
  key_path:  "/etc/fleetwatch-agent/agent.key"
  ca_path:   "/etc/fleetwatch-agent/ca.crt"
signing_key_path: "/etc/fleetwatch-agent/signing.key"
email: "operator@example.com"
password: "hunter2"
log_level: debug
health_addr: "127.0.0.1:9001"
agent_version: "v0.1.0"
avs:
  - name: eigenda
    container_name: eigenda-node
  - name: lagrange
    container_name: lagrange-node
`

func TestLoadConfigValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := agentconfig.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.IngestAddr != "ingest.example.com:9443" {
		t.Errorf("IngestAddr = %q", cfg.IngestAddr)
	}
	if cfg.TLS.CertPath != "/etc/fleetwatch-agent/agent.crt" {
		t.Errorf("TLS.CertPath = %q", cfg.TLS.CertPath)
	}
	if cfg.Email != "operator@example.com" {
		t.Errorf("Email = %q", cfg.Email)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.AVS) != 2 {
		t.Fatalf("len(AVS) = %d, want 2", len(cfg.AVS))
	}
	if cfg.AVS[0].Name != "eigenda" || cfg.AVS[0].ContainerName != "eigenda-node" {
		t.Errorf("AVS[0] = %+v", cfg.AVS[0])
	}
}

func TestLoadConfigDefaultsApplied(t *testing.T) {
	path := writeTemp(t, `
ingest_addr: "ingest.example.com:9443"
tls:
  cert_path: "/etc/fleetwatch-agent/agent.crt"
  key_path:  "/etc/fleetwatch-agent/agent.key"
  ca_path:   "/etc/fleetwatch-agent/ca.crt"
signing_key_path: "/etc/fleetwatch-agent/signing.key"
email: "operator@example.com"
password: "hunter2"
`)
	cfg, err := agentconfig.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.HealthAddr != "127.0.0.1:9000" {
		t.Errorf("HealthAddr default = %q", cfg.HealthAddr)
	}
	if cfg.MachineIDPath != "/var/lib/fleetwatch-agent/machine-id" {
		t.Errorf("MachineIDPath default = %q", cfg.MachineIDPath)
	}
	if cfg.QueuePath != "/var/lib/fleetwatch-agent/queue.db" {
		t.Errorf("QueuePath default = %q", cfg.QueuePath)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval default = %v, want 30s", cfg.HeartbeatInterval)
	}
}

func TestLoadConfigMissingRequiredFields(t *testing.T) {
	path := writeTemp(t, `
log_level: debug
`)
	_, err := agentconfig.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestLoadConfigInvalidLogLevel(t *testing.T) {
	path := writeTemp(t, `
ingest_addr: "ingest.example.com:9443"
tls:
  cert_path: "/etc/fleetwatch-agent/agent.crt"
  key_path:  "/etc/fleetwatch-agent/agent.key"
  ca_path:   "/etc/fleetwatch-agent/ca.crt"
signing_key_path: "/etc/fleetwatch-agent/signing.key"
email: "operator@example.com"
password: "hunter2"
log_level: verbose
`)
	_, err := agentconfig.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestLoadConfigMissingSigningKeyPath(t *testing.T) {
	path := writeTemp(t, `
ingest_addr: "ingest.example.com:9443"
tls:
  cert_path: "/etc/fleetwatch-agent/agent.crt"
  key_path:  "/etc/fleetwatch-agent/agent.key"
  ca_path:   "/etc/fleetwatch-agent/ca.crt"
email: "operator@example.com"
password: "hunter2"
`)
	_, err := agentconfig.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing signing_key_path")
	}
}

func TestLoadConfigAVSRequiresNameAndContainer(t *testing.T) {
	path := writeTemp(t, `
ingest_addr: "ingest.example.com:9443"
tls:
  cert_path: "/etc/fleetwatch-agent/agent.crt"
  key_path:  "/etc/fleetwatch-agent/agent.key"
  ca_path:   "/etc/fleetwatch-agent/ca.crt"
signing_key_path: "/etc/fleetwatch-agent/signing.key"
email: "operator@example.com"
password: "hunter2"
avs:
  - name: eigenda
`)
	_, err := agentconfig.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for avs entry missing container_name")
	}
}
