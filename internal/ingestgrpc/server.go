// Package ingestgrpc implements the ingestion frontend (C7): the gRPC
// surface fleet agents and the chain scanner speak, wired straight into
// C1 (verify), C2 (store), C3 (heartbeat), C4 (alert state), and C8 (rules).
//
// Every fleet-agent RPC follows the same shape: verify the signature over
// the message's canonical payload, apply the write to the store, observe a
// heartbeat, and nudge the rule driver so the next alert evaluation for the
// organization happens within the coalescing window rather than waiting for
// the next scheduled tick (§4.7). Chain-scanner RPCs skip verification
// (trusted internal caller, per §6) and only drive C2 writes; they do not
// nudge C8, so their changes are evaluated on its next scheduled tick.
//
// Signed payloads are canonicalized as the JSON encoding of a small
// per-RPC struct holding exactly the fields the agent actually signs
// (everything in the request except the Auth envelope) — see payloads.go.
// This mirrors the teacher's signed-field convention (storage.Host,
// storage.Alert) while giving C1 a concrete, order-stable byte sequence to
// hash, since fleet.proto does not itself define a canonical wire encoding.
package ingestgrpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fleetwatch/core/internal/ingestpb"
	"github.com/fleetwatch/core/internal/store"
	"github.com/fleetwatch/core/internal/verify"
)

// Store is the subset of the telemetry store (C2) the ingestion frontend
// writes through.
type Store interface {
	CreateOrganization(ctx context.Context, org store.Organization) error
	UpsertClient(ctx context.Context, c store.Client) error
	UpsertMachine(ctx context.Context, m store.Machine) error
	GetMachine(ctx context.Context, machineID string) (store.Machine, bool, error)

	PutMetrics(ctx context.Context, machineID string, samples []store.MetricSample) error
	PutLog(ctx context.Context, rec store.LogRecord) error
	UpsertNodeInventory(ctx context.Context, machineID, name string, nodeType, manifest *string, metricsAlive, nodeRunning *bool, chain *string) error
	GetNode(ctx context.Context, machineID, name string) (store.Node, bool, error)
	RenameNode(ctx context.Context, machineID, oldName, newName string) error
	PutMachineFacts(ctx context.Context, f store.MachineFacts) error
	LookupDigest(ctx context.Context, digest string) (store.DigestCatalogEntry, bool, error)

	PutActiveSetEvent(ctx context.Context, e store.ActiveSetMembership) error
	PutMetadataURIEvent(ctx context.Context, e store.AVSMetadata) error
}

// Verifier is the C1 seam: Verify for every RPC carrying a pre-existing
// machine binding, RecoverNewClient for Register, which has none yet.
type Verifier interface {
	Verify(ctx context.Context, kind verify.Kind, payload, signature []byte, machineID string, timestamp time.Time) (verify.Address, error)
	RecoverNewClient(kind verify.Kind, payload, signature []byte, timestamp time.Time) (verify.Address, error)
}

// Heartbeats is the C3 seam.
type Heartbeats interface {
	Observe(ctx context.Context, orgID string, tier store.HeartbeatTier, key string, ts time.Time) error
}

// AlertSink is the narrow C4 seam CustomAlert activates through.
type AlertSink interface {
	Activate(ctx context.Context, a store.Alert) (store.Alert, error)
}

// RuleNudger is the C8 seam: a debounced out-of-band evaluation request.
type RuleNudger interface {
	Nudge(orgID string)
}

// Server implements ingestpb.FleetIngestServer.
type Server struct {
	ingestpb.UnimplementedFleetIngestServer

	store      Store
	verifier   Verifier
	heartbeats Heartbeats
	alerts     AlertSink
	rules      RuleNudger
	logger     *slog.Logger
	limiter    *clientLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxInflightPerClient overrides DefaultMaxInflightPerClient.
func WithMaxInflightPerClient(n int64) Option {
	return func(s *Server) { s.limiter = newClientLimiter(n) }
}

// NewServer creates a Server wired to its collaborators.
func NewServer(st Store, v Verifier, hb Heartbeats, alerts AlertSink, rules RuleNudger, opts ...Option) *Server {
	s := &Server{
		store:      st,
		verifier:   v,
		heartbeats: hb,
		alerts:     alerts,
		rules:      rules,
		logger:     slog.Default(),
		limiter:    newClientLimiter(DefaultMaxInflightPerClient),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func timeFromMicro(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// authErrorStatus maps a C1 verification failure to the gRPC status §7
// prescribes: all verifier failures are Authentication-bucket errors,
// surfaced synchronously and non-retryable.
func authErrorStatus(err error) error {
	return status.Error(codes.Unauthenticated, err.Error())
}

// Register handles a new machine binding to an operator account (§6).
//
// A registering machine has no existing client binding for the verifier to
// check against, so the signature is recovered via RecoverNewClient rather
// than Verify; the recovered address becomes the client's operator address.
// The organization is derived deterministically from the email address —
// this repo has no separate account-signup flow ahead of Register, so the
// first successful Register for an email both provisions the organization
// (verified, per §3's "created... verified" lifecycle path) and creates the
// client, matching "Clients are created on first successful Register RPC."
func (s *Server) Register(ctx context.Context, req *ingestpb.RegisterRequest) (*ingestpb.RegisterResponse, error) {
	if req.Email == "" || req.Password == "" || req.Hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "email, password, and hostname are required")
	}
	machineID := req.Auth.MachineID
	if machineID == "" {
		return nil, status.Error(codes.InvalidArgument, "machine_id is required")
	}

	payload, err := canonicalPayload(registerPayload{
		Email:     req.Email,
		Hostname:  req.Hostname,
		PublicKey: req.PublicKey,
		MachineID: machineID,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode register payload: %v", err)
	}

	addr, err := s.verifier.RecoverNewClient(verify.KindRegister, payload, req.Auth.Signature, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, authErrorStatus(err)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "hash password: %v", err)
	}

	orgID := organizationIDForEmail(req.Email)
	if err := s.store.CreateOrganization(ctx, store.Organization{
		OrganizationID: orgID,
		Name:           req.Email,
		Verified:       true,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "create organization: %v", err)
	}

	operatorAddress := store.EncodeAddress(addr)
	if err := s.store.UpsertClient(ctx, store.Client{
		OperatorAddress: operatorAddress,
		OrganizationID:  orgID,
		Email:           req.Email,
		PasswordHash:    passwordHash,
		Hostname:        req.Hostname,
		PublicKey:       req.PublicKey,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "upsert client: %v", err)
	}

	if err := s.store.UpsertMachine(ctx, store.Machine{
		MachineID:       machineID,
		OperatorAddress: operatorAddress,
		OrganizationID:  orgID,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "upsert machine: %v", err)
	}

	s.logger.Info("machine registered",
		slog.String("machine_id", machineID),
		slog.String("organization_id", orgID),
		slog.String("operator_address", operatorAddress),
	)

	return &ingestpb.RegisterResponse{
		MachineID:           machineID,
		ServerTimeUnixMicro: time.Now().UnixMicro(),
	}, nil
}

// verifyMachine runs C1's Verify for every RPC that carries an existing
// machine binding, acquiring the per-client backpressure slot first (§4.7).
func (s *Server) verifyMachine(ctx context.Context, kind verify.Kind, payload, signature []byte, machineID string, timestamp time.Time) (release func(), err error) {
	release, ok := s.limiter.acquire(machineID)
	if !ok {
		return nil, status.Errorf(codes.ResourceExhausted, "too many inflight requests for machine %s", machineID)
	}
	if _, err := s.verifier.Verify(ctx, kind, payload, signature, machineID, timestamp); err != nil {
		release()
		return nil, authErrorStatus(err)
	}
	return release, nil
}

// organizationOf resolves the organization owning machineID, best-effort:
// a lookup failure never blocks ingestion (§7's propagation policy reserves
// synchronous failure for authentication/validation only), it just skips
// the heartbeat observation and rule nudge for this call.
func (s *Server) organizationOf(ctx context.Context, machineID string) (string, bool) {
	m, found, err := s.store.GetMachine(ctx, machineID)
	if err != nil || !found {
		if err != nil {
			s.logger.Warn("ingestgrpc: resolve organization failed", slog.String("machine_id", machineID), slog.Any("error", err))
		}
		return "", false
	}
	return m.OrganizationID, true
}

// observeAndNudge feeds C3 and requests a coalesced C8 re-evaluation; both
// are best-effort side effects of a successfully-applied write. Besides the
// given tier and key, every call also refreshes the client-tier heartbeat
// keyed by the machine's operator address, so any telemetry RPC from a
// client keeps that client's liveness current.
func (s *Server) observeAndNudge(ctx context.Context, machineID string, tier store.HeartbeatTier, key string, now time.Time) {
	m, found, err := s.store.GetMachine(ctx, machineID)
	if err != nil || !found {
		if err != nil {
			s.logger.Warn("ingestgrpc: resolve organization failed", slog.String("machine_id", machineID), slog.Any("error", err))
		}
		return
	}
	orgID := m.OrganizationID
	if err := s.heartbeats.Observe(ctx, orgID, tier, key, now); err != nil {
		s.logger.Error("ingestgrpc: heartbeat observe failed", slog.String("machine_id", machineID), slog.Any("error", err))
	}
	if err := s.heartbeats.Observe(ctx, orgID, store.TierClient, m.OperatorAddress, now); err != nil {
		s.logger.Error("ingestgrpc: client heartbeat observe failed", slog.String("machine_id", machineID), slog.Any("error", err))
	}
	s.rules.Nudge(orgID)
}

// Metrics handles the Metrics RPC: replace-semantics gauge upsert (§4.2).
func (s *Server) Metrics(ctx context.Context, req *ingestpb.MetricsRequest) (*ingestpb.MetricsResponse, error) {
	payload, err := canonicalPayload(metricsPayload{AVSName: req.AVSName, Samples: req.Samples})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode metrics payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindMetrics, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	samples := make([]store.MetricSample, 0, len(req.Samples))
	for _, m := range req.Samples {
		samples = append(samples, store.MetricSample{
			AVSName:    req.AVSName,
			Name:       m.Name,
			Value:      m.Value,
			Attributes: m.Attributes,
			ObservedAt: now,
		})
	}
	if err := s.store.PutMetrics(ctx, req.Auth.MachineID, samples); err != nil {
		return nil, status.Errorf(codes.Internal, "put metrics: %v", err)
	}

	s.observeAndNudge(ctx, req.Auth.MachineID, store.TierMachine, req.Auth.MachineID, now)
	if req.AVSName != "" {
		s.observeAndNudge(ctx, req.Auth.MachineID, store.TierNode, req.AVSName, now)
	}
	return &ingestpb.MetricsResponse{}, nil
}

// NodeData handles the NodeData RPC (v2): partial, set-if-present updates
// to a node's inventory fields (§4.2).
func (s *Server) NodeData(ctx context.Context, req *ingestpb.NodeDataRequest) (*ingestpb.NodeDataResponse, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	payload, err := canonicalPayload(nodeDataPayload{
		Name: req.Name, NodeType: req.NodeType, Manifest: req.Manifest,
		MetricsAlive: req.MetricsAlive, NodeRunning: req.NodeRunning, Chain: req.Chain,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode node data payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindNodeData, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.store.UpsertNodeInventory(ctx, req.Auth.MachineID, req.Name, req.NodeType, req.Manifest, req.MetricsAlive, req.NodeRunning, req.Chain); err != nil {
		return nil, status.Errorf(codes.Internal, "upsert node inventory: %v", err)
	}

	now := time.Now().UTC()
	s.observeAndNudge(ctx, req.Auth.MachineID, store.TierNode, req.Name, now)
	return &ingestpb.NodeDataResponse{}, nil
}

// MachineData handles the MachineData RPC: hardware/runtime facts upsert.
func (s *Server) MachineData(ctx context.Context, req *ingestpb.MachineDataRequest) (*ingestpb.MachineDataResponse, error) {
	payload, err := canonicalPayload(machineDataPayload{
		UptimeSec: req.UptimeSec, CPUUsagePct: req.CPUUsagePct, CPUCores: req.CPUCores,
		MemUsedBytes: req.MemUsedBytes, MemFreeBytes: req.MemFreeBytes, MemTotalBytes: req.MemTotalBytes,
		Disks: req.Disks, AgentVersion: req.AgentVersion,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode machine data payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindMachineData, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	disks := make([]store.DiskFacts, 0, len(req.Disks))
	for _, d := range req.Disks {
		disks = append(disks, store.DiskFacts{ID: d.ID, TotalBytes: d.TotalBytes, FreeBytes: d.FreeBytes, UsedBytes: d.UsedBytes})
	}
	if err := s.store.PutMachineFacts(ctx, store.MachineFacts{
		MachineID:    req.Auth.MachineID,
		UptimeSec:    req.UptimeSec,
		CPUUsagePct:  req.CPUUsagePct,
		CPUCores:     req.CPUCores,
		MemUsedBytes: req.MemUsedBytes,
		MemFreeBytes: req.MemFreeBytes,
		MemTotal:     req.MemTotalBytes,
		Disks:        disks,
		AgentVersion: req.AgentVersion,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "put machine facts: %v", err)
	}

	now := time.Now().UTC()
	s.observeAndNudge(ctx, req.Auth.MachineID, store.TierMachine, req.Auth.MachineID, now)
	return &ingestpb.MachineDataResponse{}, nil
}

// Logs handles the Logs RPC: an append-only, machine/avs-scoped log line.
func (s *Server) Logs(ctx context.Context, req *ingestpb.LogsRequest) (*ingestpb.LogsResponse, error) {
	if req.Body == "" {
		return nil, status.Error(codes.InvalidArgument, "body is required")
	}
	level := logLevel(req.Severity)
	payload, err := canonicalPayload(logsPayload{AVSName: req.AVSName, Body: req.Body, Severity: string(level)})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode logs payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindLogs, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	if err := s.store.PutLog(ctx, store.LogRecord{
		RecordID:   newRecordID(),
		MachineID:  req.Auth.MachineID,
		AVSName:    req.AVSName,
		Body:       req.Body,
		Severity:   level,
		ObservedAt: now,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "put log: %v", err)
	}

	s.observeAndNudge(ctx, req.Auth.MachineID, store.TierMachine, req.Auth.MachineID, now)
	if req.AVSName != "" {
		s.observeAndNudge(ctx, req.Auth.MachineID, store.TierNode, req.AVSName, now)
	}
	return &ingestpb.LogsResponse{}, nil
}

// ClientLogs handles the ClientLogs RPC: an append-only, client-scoped log
// line (the fleet agent's own process logs, not a node's).
func (s *Server) ClientLogs(ctx context.Context, req *ingestpb.ClientLogsRequest) (*ingestpb.ClientLogsResponse, error) {
	if req.Body == "" {
		return nil, status.Error(codes.InvalidArgument, "body is required")
	}
	level := logLevel(req.Severity)
	payload, err := canonicalPayload(clientLogsPayload{Body: req.Body, Severity: string(level)})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode client logs payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindClientLogs, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	m, found, err := s.store.GetMachine(ctx, req.Auth.MachineID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "resolve machine: %v", err)
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "unknown machine %s", req.Auth.MachineID)
	}

	now := time.Now().UTC()
	if err := s.store.PutLog(ctx, store.LogRecord{
		RecordID:   newRecordID(),
		ClientAddr: m.OperatorAddress,
		Body:       req.Body,
		Severity:   level,
		ObservedAt: now,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "put client log: %v", err)
	}

	if err := s.heartbeats.Observe(ctx, m.OrganizationID, store.TierClient, m.OperatorAddress, now); err != nil {
		s.logger.Error("ingestgrpc: heartbeat observe failed", slog.String("machine_id", req.Auth.MachineID), slog.Any("error", err))
	}
	s.rules.Nudge(m.OrganizationID)
	return &ingestpb.ClientLogsResponse{}, nil
}

func logLevel(s string) store.LogLevel {
	switch store.LogLevel(s) {
	case store.LogLevelDebug, store.LogLevelInfo, store.LogLevelWarning, store.LogLevelError:
		return store.LogLevel(s)
	default:
		return store.LogLevelUnknown
	}
}

func newRecordID() string {
	return uuid.NewString()
}
