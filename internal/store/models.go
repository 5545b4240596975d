// Package store provides the PostgreSQL-backed persistence layer for the
// fleet telemetry, alert, and version-catalog data model (C2). It exposes
// typed model structs for every table and a Store that wraps a pgxpool
// connection pool, following the batched-write / dynamic-filtered-query
// idiom the dashboard server already uses for its ingestion path.
package store

import (
	"encoding/json"
	"time"
)

// Role is an account's permission level within its organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleReader Role = "reader"
)

// LogLevel is the severity of a log record.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
	LogLevelUnknown LogLevel = "unknown"
)

// SendState is the per-channel delivery outcome for a single alert.
type SendState string

const (
	SendStateNoSend  SendState = "no_send"
	SendStateSuccess SendState = "send_success"
	SendStateFailed  SendState = "send_failed"
)

// ServiceType names a notification channel.
type ServiceType string

const (
	ServiceEmail     ServiceType = "email"
	ServiceTelegram  ServiceType = "telegram"
	ServicePagerDuty ServiceType = "pagerduty"
)

// AlertScope selects which partition family (organization/machine/node) an
// alert kind belongs to, per §4.4's scope routing table.
type AlertScope string

const (
	ScopeOrganization AlertScope = "organization"
	ScopeMachine       AlertScope = "machine"
	ScopeNode          AlertScope = "node"
)

// AlertKind enumerates the fixed set of alert conditions the rule engine
// (C8) can raise.
type AlertKind string

const (
	AlertNodeNotResponding         AlertKind = "NodeNotResponding"
	AlertMachineNotResponding      AlertKind = "MachineNotResponding"
	AlertClientNotResponding       AlertKind = "ClientNotResponding"
	AlertIdleMachine               AlertKind = "IdleMachine"
	AlertNodeNeedsUpdate           AlertKind = "NodeNeedsUpdate"
	AlertNodeNeedsImmediateUpdate  AlertKind = "NodeNeedsImmediateUpdate"
	AlertUnregisteredFromActiveSet AlertKind = "UnregisteredFromActiveSet"
	AlertNoChainInfo              AlertKind = "NoChainInfo"
	AlertNoMetrics                AlertKind = "NoMetrics"
	AlertHardwareOverThreshold     AlertKind = "HardwareOverThreshold"
	AlertLowPerformance            AlertKind = "LowPerformance"
	AlertCustom                    AlertKind = "Custom"
)

// ScopeOf returns the partition family an alert kind is routed to, per the
// §4.4 scope-routing table.
func (k AlertKind) ScopeOf() AlertScope {
	switch k {
	case AlertMachineNotResponding, AlertIdleMachine, AlertHardwareOverThreshold:
		return ScopeMachine
	case AlertClientNotResponding:
		return ScopeOrganization
	default:
		return ScopeNode
	}
}

// HeartbeatTier is one of {client, machine, node}, each with its own
// liveness threshold (§4.3).
type HeartbeatTier string

const (
	TierClient  HeartbeatTier = "client"
	TierMachine HeartbeatTier = "machine"
	TierNode    HeartbeatTier = "node"
)

// Organization is the tenancy root. Verified organizations may sign in;
// pending ones may not (§3 Lifecycles).
type Organization struct {
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Verified       bool      `json:"verified"`
	CreatedAt      time.Time `json:"created_at"`
}

// Client is an installed fleet agent, identified by a 20-byte operator
// address and bound to exactly one organization (I1).
type Client struct {
	OperatorAddress string    `json:"operator_address"`
	OrganizationID  string    `json:"organization_id"`
	Email           string    `json:"email,omitempty"`
	PasswordHash    []byte    `json:"-"`
	Hostname        string    `json:"hostname,omitempty"`
	PublicKey       []byte    `json:"public_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Machine is a host bound to a client (I1); multi-machine-per-client is
// allowed.
type Machine struct {
	MachineID       string    `json:"machine_id"`
	OperatorAddress string    `json:"operator_address"`
	OrganizationID  string    `json:"organization_id"`
	AgentVersion    string    `json:"agent_version,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// MachineFacts is the latest upserted hardware/runtime snapshot for a
// machine (CPU/memory/disk/uptime/agent-version).
type MachineFacts struct {
	MachineID    string      `json:"machine_id"`
	UptimeSec    int64       `json:"uptime_sec"`
	CPUUsagePct  float64     `json:"cpu_usage_pct"`
	CPUCores     int32       `json:"cpu_cores"`
	MemUsedBytes int64       `json:"mem_used_bytes"`
	MemFreeBytes int64       `json:"mem_free_bytes"`
	MemTotal     int64       `json:"mem_total_bytes"`
	Disks        []DiskFacts `json:"disks,omitempty"`
	AgentVersion string      `json:"agent_version,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DiskFacts is a single per-disk usage snapshot within MachineFacts.
type DiskFacts struct {
	ID         string `json:"id"`
	TotalBytes int64  `json:"total_bytes"`
	FreeBytes  int64  `json:"free_bytes"`
	UsedBytes  int64  `json:"used_bytes"`
}

// Node is a logical service running on a machine, identified by
// (machine, name).
type Node struct {
	MachineID    string    `json:"machine_id"`
	Name         string    `json:"name"`
	NodeType     string    `json:"node_type,omitempty"` // "unknown" if unmapped (I6)
	Manifest     string    `json:"manifest,omitempty"`  // image digest
	MetricsAlive bool      `json:"metrics_alive"`
	NodeRunning  bool      `json:"node_running"`
	Chain        string    `json:"chain,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MetricSample is a current-state gauge keyed by (machine, avs_name, name,
// attributes) — §4.2 put_metrics replaces, it does not append.
type MetricSample struct {
	MachineID  string            `json:"machine_id"`
	AVSName    string            `json:"avs_name,omitempty"`
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// LogRecord is an append-only log line scoped to a machine or a client.
type LogRecord struct {
	RecordID   string            `json:"record_id"`
	MachineID  string            `json:"machine_id,omitempty"`
	ClientAddr string            `json:"client_addr,omitempty"`
	AVSName    string            `json:"avs_name,omitempty"`
	Body       string            `json:"body"`
	Severity   LogLevel          `json:"severity"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// DigestCatalogEntry maps a container image digest to the (node_type,
// version) it corresponds to; populated by an out-of-band scraper.
type DigestCatalogEntry struct {
	Digest   string `json:"digest"`
	NodeType string `json:"node_type"`
	Version  string `json:"version"`
}

// StableVersion is the curated recommended (tag, digest) for a
// (node_type, chain) pair, with an optional breaking-change cutover.
type StableVersion struct {
	NodeType           string     `json:"node_type"`
	Chain              string     `json:"chain"`
	Tag                string     `json:"tag"`
	Digest             string     `json:"digest"`
	BreakingChangeAt   *time.Time `json:"breaking_change_at,omitempty"`
}

// ActiveSetMembership is the last-writer-wins projection of an operator's
// active-set status for (avs-directory, operator, chain), advancing only
// when (block, log-index) moves forward.
type ActiveSetMembership struct {
	AVSDirectory    string `json:"avs_directory"`
	AVSAddress      string `json:"avs_address"`
	OperatorAddress string `json:"operator_address"`
	ChainID         int64  `json:"chain_id"`
	Active          bool   `json:"active"`
	BlockNumber     int64  `json:"block_number"`
	LogIndex        int64  `json:"log_index"`
}

// AVSMetadata is one historical metadata-URI event for an AVS address.
type AVSMetadata struct {
	AVSAddress  string    `json:"avs_address"`
	BlockNumber int64     `json:"block_number"`
	LogIndex    int64     `json:"log_index"`
	URI         string    `json:"uri"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Logo        string    `json:"logo,omitempty"`
	Website     string    `json:"website,omitempty"`
	Twitter     string    `json:"twitter,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// HeartbeatRow is the persisted last-seen timestamp for one (tier, key)
// pair, monotone per I5.
type HeartbeatRow struct {
	OrganizationID string        `json:"organization_id"`
	Tier           HeartbeatTier `json:"tier"`
	Key            string        `json:"key"`
	LastSeen       time.Time     `json:"last_seen"`
}

// Alert is the canonical representation of both active and historical
// alert rows (§3 Alert entity).
type Alert struct {
	AlertID        string          `json:"alert_id"`
	OrganizationID string          `json:"organization_id"`
	Scope          AlertScope      `json:"scope"`
	MachineID      string          `json:"machine_id,omitempty"`
	NodeName       string          `json:"node_name,omitempty"`
	Kind           AlertKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	SendStateEmail SendState       `json:"send_state_email"`
	SendStateTg    SendState       `json:"send_state_telegram"`
	SendStatePD    SendState       `json:"send_state_pagerduty"`
}

// SendStateOf returns the alert's current state for channel svc.
func (a *Alert) SendStateOf(svc ServiceType) SendState {
	switch svc {
	case ServiceEmail:
		return a.SendStateEmail
	case ServiceTelegram:
		return a.SendStateTg
	case ServicePagerDuty:
		return a.SendStatePD
	default:
		return SendStateNoSend
	}
}

// NotificationSettings is an organization's per-channel enablement plus the
// bitset of alert kinds deliverable on any channel.
type NotificationSettings struct {
	OrganizationID    string   `json:"organization_id"`
	EmailEnabled      bool     `json:"email_enabled"`
	TelegramEnabled   bool     `json:"telegram_enabled"`
	PagerDutyEnabled  bool     `json:"pagerduty_enabled"`
	DeliverableKinds  []AlertKind `json:"deliverable_kinds"`
}

// Deliverable reports whether kind is permitted to be sent on any channel
// for this organization.
func (s *NotificationSettings) Deliverable(kind AlertKind) bool {
	for _, k := range s.DeliverableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ServiceSettings is an organization's multi-valued bag of channel-specific
// delivery addresses.
type ServiceSettings struct {
	OrganizationID     string   `json:"organization_id"`
	EmailRecipients    []string `json:"email_recipients,omitempty"`
	TelegramChatIDs    []string `json:"telegram_chat_ids,omitempty"`
	PagerDutyKeys      []string `json:"pagerduty_keys,omitempty"`
}

// AlertQuery carries the filter and pagination parameters for listing
// historical alerts.
type AlertQuery struct {
	OrganizationID string
	Scope          AlertScope
	Kind           *AlertKind
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}
