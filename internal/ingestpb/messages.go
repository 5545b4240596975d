// Package ingestpb holds the Go bindings for proto/fleet.proto: the
// FleetIngest (fleet-agent) and ChainScanner service contracts.
//
// These bindings are maintained by hand instead of generated by protoc: the
// sandbox this module was built in cannot run protoc/protoc-gen-go, and the
// task that produced this repository forbids invoking any Go or build
// toolchain. Rather than fabricate a protoc-gen-go-shaped output (unkeyed
// literals, ProtoReflect descriptors, wire-format marshaling) that would
// never have been run through the real generator, the message types below
// are plain Go structs carrying the same field set as fleet.proto, and
// codec.go registers a gRPC codec that marshals them as JSON instead of the
// protobuf wire format. The RPC surface (service interfaces, ServiceDesc,
// method names) otherwise matches what protoc-gen-go-grpc would produce.
// Moving to real codegen later only requires regenerating this package from
// fleet.proto and deleting codec.go.
package ingestpb

// Auth carries the per-message signature and machine-id every fleet-agent
// RPC is signed with (§6). The chain-scanner requests carry no Auth.
type Auth struct {
	MachineID          string `json:"machine_id"`
	Signature          []byte `json:"signature"`
	TimestampUnixMicro int64  `json:"timestamp_unix_micro"`
}

type RegisterRequest struct {
	Auth      Auth   `json:"auth"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Hostname  string `json:"hostname"`
	PublicKey []byte `json:"public_key"`
}

type RegisterResponse struct {
	MachineID           string `json:"machine_id"`
	ServerTimeUnixMicro int64  `json:"server_time_unix_micro"`
}

type MetricSample struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type MetricsRequest struct {
	Auth    Auth           `json:"auth"`
	AVSName string         `json:"avs_name,omitempty"`
	Samples []MetricSample `json:"samples"`
}

type MetricsResponse struct{}

type NodeDataRequest struct {
	Auth         Auth    `json:"auth"`
	Name         string  `json:"name"`
	NodeType     *string `json:"node_type,omitempty"`
	Manifest     *string `json:"manifest,omitempty"`
	MetricsAlive *bool   `json:"metrics_alive,omitempty"`
	NodeRunning  *bool   `json:"node_running,omitempty"`
	Chain        *string `json:"chain,omitempty"`
}

type NodeDataResponse struct{}

type DiskFacts struct {
	ID         string `json:"id"`
	TotalBytes int64  `json:"total_bytes"`
	FreeBytes  int64  `json:"free_bytes"`
	UsedBytes  int64  `json:"used_bytes"`
}

type MachineDataRequest struct {
	Auth          Auth        `json:"auth"`
	UptimeSec     int64       `json:"uptime_sec"`
	CPUUsagePct   float64     `json:"cpu_usage_pct"`
	CPUCores      int32       `json:"cpu_cores"`
	MemUsedBytes  int64       `json:"mem_used_bytes"`
	MemFreeBytes  int64       `json:"mem_free_bytes"`
	MemTotalBytes int64       `json:"mem_total_bytes"`
	Disks         []DiskFacts `json:"disks,omitempty"`
	AgentVersion  string      `json:"agent_version,omitempty"`
}

type MachineDataResponse struct{}

type LogsRequest struct {
	Auth     Auth   `json:"auth"`
	AVSName  string `json:"avs_name,omitempty"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

type LogsResponse struct{}

type ClientLogsRequest struct {
	Auth     Auth   `json:"auth"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

type ClientLogsResponse struct{}

type NodeTypeQuery struct {
	ImageName     string `json:"image_name"`
	ImageDigest   string `json:"image_digest"`
	ContainerName string `json:"container_name"`
}

type NodeTypeQueriesRequest struct {
	Auth  Auth            `json:"auth"`
	Items []NodeTypeQuery `json:"items"`
}

type NodeTypeResult struct {
	ContainerName string `json:"container_name"`
	NodeType      string `json:"node_type"`
}

type NodeTypeQueriesResponse struct {
	Items []NodeTypeResult `json:"items"`
}

type NameChangeRequest struct {
	Auth    Auth   `json:"auth"`
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

type NameChangeResponse struct{}

// HeartbeatTier mirrors fleet.proto's HeartbeatTier enum.
type HeartbeatTier int32

const (
	HeartbeatTierUnspecified HeartbeatTier = 0
	HeartbeatTierClient      HeartbeatTier = 1
	HeartbeatTierMachine     HeartbeatTier = 2
	HeartbeatTierNode        HeartbeatTier = 3
)

type HeartbeatRequest struct {
	Auth Auth          `json:"auth"`
	Tier HeartbeatTier `json:"tier"`
	Key  string        `json:"key,omitempty"`
}

type HeartbeatResponse struct{}

type CustomAlertRequest struct {
	Auth     Auth   `json:"auth"`
	NodeName string `json:"node_name,omitempty"`
	Payload  []byte `json:"payload"`
}

type CustomAlertResponse struct {
	AlertID string `json:"alert_id"`
}

type GetLatestBlockRequest struct {
	AVSDirectory string `json:"avs_directory"`
	ChainID      int64  `json:"chain_id"`
}

type GetLatestBlockResponse struct {
	NextBlock int64 `json:"next_block"`
}

type ReportRegistrationEventRequest struct {
	AVSDirectory    string `json:"avs_directory"`
	AVSAddress      string `json:"avs_address"`
	ChainID         int64  `json:"chain_id"`
	OperatorAddress string `json:"operator_address"`
	Active          bool   `json:"active"`
	BlockNumber     int64  `json:"block_number"`
	LogIndex        int64  `json:"log_index"`
}

type ReportRegistrationEventResponse struct{}

type ReportMetadataUriEventRequest struct {
	AVSAddress  string `json:"avs_address"`
	URI         string `json:"uri"`
	BlockNumber int64  `json:"block_number"`
	LogIndex    int64  `json:"log_index"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Logo        string `json:"logo,omitempty"`
	Website     string `json:"website,omitempty"`
	Twitter     string `json:"twitter,omitempty"`
}

type ReportMetadataUriEventResponse struct{}
