// Package agentconfig provides YAML configuration loading and validation for
// the fleet agent.
package agentconfig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the fleet agent.
type Config struct {
	// IngestAddr is the gRPC endpoint of the fleetwatch ingestion server
	// (e.g. "ingest.example.com:9443"). Required.
	IngestAddr string `yaml:"ingest_addr"`

	// TLS holds the paths to the agent certificate, private key, and CA
	// certificate used for mTLS against the ingestion server. Required.
	TLS TLSConfig `yaml:"tls"`

	// Email and Password are the operator account credentials presented on
	// Register. Required.
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// Hostname overrides the OS-reported hostname sent on Register. Optional.
	Hostname string `yaml:"hostname"`

	// SigningKeyPath is the path to the hex-encoded secp256k1 private key
	// the agent signs every RPC payload with (§1, §6). This is the
	// operator's account key, distinct from the mTLS client certificate in
	// TLS. Required.
	SigningKeyPath string `yaml:"signing_key_path"`

	// MachineIDPath is where the machine-id generated on first run is
	// persisted across restarts. Defaults to
	// "/var/lib/fleetwatch-agent/machine-id" when omitted.
	MachineIDPath string `yaml:"machine_id_path"`

	// QueuePath is the path to the agent's local SQLite event queue.
	// Defaults to "/var/lib/fleetwatch-agent/queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// AVS lists the node instances this agent reports metrics and logs for.
	AVS []AVSConfig `yaml:"avs"`

	// HeartbeatInterval sets how often the agent sends a Heartbeat RPC.
	// Defaults to 30s when omitted.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// AgentVersion is sent to the server during Register and MachineData
	// updates (e.g. "v0.1.0").
	AgentVersion string `yaml:"agent_version"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the agent's PEM-encoded client certificate.
	// Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the agent's PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the ingestion server's certificate. Required.
	CAPath string `yaml:"ca_path"`
}

// AVSConfig describes one node instance the agent watches and reports on.
type AVSConfig struct {
	// Name is the avs_name sent on Metrics and Logs RPCs. Required.
	Name string `yaml:"name"`

	// ContainerName identifies the container the agent inspects for uptime
	// and metrics. Required.
	ContainerName string `yaml:"container_name"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentconfig: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agentconfig: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("agentconfig: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.MachineIDPath == "" {
		cfg.MachineIDPath = "/var/lib/fleetwatch-agent/machine-id"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "/var/lib/fleetwatch-agent/queue.db"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.IngestAddr == "" {
		errs = append(errs, errors.New("ingest_addr is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if cfg.Email == "" {
		errs = append(errs, errors.New("email is required"))
	}
	if cfg.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if cfg.SigningKeyPath == "" {
		errs = append(errs, errors.New("signing_key_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, a := range cfg.AVS {
		prefix := fmt.Sprintf("avs[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if a.ContainerName == "" {
			errs = append(errs, fmt.Errorf("%s: container_name is required", prefix))
		}
	}

	return errors.Join(errs...)
}
