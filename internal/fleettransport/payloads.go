package fleettransport

import (
	"encoding/json"
	"fmt"

	"github.com/fleetwatch/core/internal/ingestpb"
)

// canonicalPayload returns the exact JSON bytes internal/verify hashes for a
// signed message. These structs must stay byte-for-byte in lockstep with
// their unexported counterparts in internal/ingestgrpc/payloads.go — they
// are what the server reconstructs from the unsigned request fields before
// recovering the signer, so a field added on one side without the other
// breaks every signature.
func canonicalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fleettransport: encode canonical payload: %w", err)
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

type heartbeatPayload struct {
	Tier ingestpb.HeartbeatTier `json:"tier"`
	Key  string                 `json:"key,omitempty"`
}
