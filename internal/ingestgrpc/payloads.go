package ingestgrpc

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fleetwatch/core/internal/ingestpb"
)

// canonicalPayload encodes v as the JSON byte sequence C1 hashes for a
// signed message. v is always one of the *Payload structs below, which
// hold exactly the request fields the agent signs (everything except the
// Auth envelope) — encoding/json's fixed struct field order makes this
// deterministic across calls.
func canonicalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return b, nil
}

type registerPayload struct {
	Email     string `json:"email"`
	Hostname  string `json:"hostname"`
	PublicKey []byte `json:"public_key"`
	MachineID string `json:"machine_id"`
}

type metricsPayload struct {
	AVSName string                  `json:"avs_name,omitempty"`
	Samples []ingestpb.MetricSample `json:"samples"`
}

type nodeDataPayload struct {
	Name         string  `json:"name"`
	NodeType     *string `json:"node_type,omitempty"`
	Manifest     *string `json:"manifest,omitempty"`
	MetricsAlive *bool   `json:"metrics_alive,omitempty"`
	NodeRunning  *bool   `json:"node_running,omitempty"`
	Chain        *string `json:"chain,omitempty"`
}

type machineDataPayload struct {
	UptimeSec     int64                `json:"uptime_sec"`
	CPUUsagePct   float64              `json:"cpu_usage_pct"`
	CPUCores      int32                `json:"cpu_cores"`
	MemUsedBytes  int64                `json:"mem_used_bytes"`
	MemFreeBytes  int64                `json:"mem_free_bytes"`
	MemTotalBytes int64                `json:"mem_total_bytes"`
	Disks         []ingestpb.DiskFacts `json:"disks,omitempty"`
	AgentVersion  string               `json:"agent_version,omitempty"`
}

type logsPayload struct {
	AVSName  string `json:"avs_name,omitempty"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

type clientLogsPayload struct {
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

type nodeTypeQueriesPayload struct {
	Items []ingestpb.NodeTypeQuery `json:"items"`
}

type nameChangePayload struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

type heartbeatPayload struct {
	Tier ingestpb.HeartbeatTier `json:"tier"`
	Key  string                 `json:"key,omitempty"`
}

type customAlertPayload struct {
	NodeName string `json:"node_name,omitempty"`
	Payload  []byte `json:"payload"`
}

// organizationIDForEmail derives a stable organization id from an email
// address, deterministically and without a separate account-signup flow
// (see Server.Register's doc comment).
var organizationNamespace = uuid.MustParse("1b6e9a7b-6c0f-4a7a-9c8d-2f7e5b8c9a1d")

func organizationIDForEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return uuid.NewSHA1(organizationNamespace, sum[:]).String()
}
