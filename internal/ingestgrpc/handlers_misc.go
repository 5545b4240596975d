package ingestgrpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fleetwatch/core/internal/ingestpb"
	"github.com/fleetwatch/core/internal/store"
	"github.com/fleetwatch/core/internal/verify"
)

// NodeTypeQueries handles the NodeTypeQueries RPC: synchronous
// digest→node_type classification (§6), used by the agent before it calls
// NodeData so it can report a resolved type rather than "unknown".
func (s *Server) NodeTypeQueries(ctx context.Context, req *ingestpb.NodeTypeQueriesRequest) (*ingestpb.NodeTypeQueriesResponse, error) {
	payload, err := canonicalPayload(nodeTypeQueriesPayload{Items: req.Items})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode node type queries payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindNodeTypeQuery, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	results := make([]ingestpb.NodeTypeResult, 0, len(req.Items))
	for _, item := range req.Items {
		nodeType := "unknown"
		entry, found, err := s.store.LookupDigest(ctx, item.ImageDigest)
		if err != nil {
			s.logger.Error("ingestgrpc: lookup digest failed", slog.String("digest", item.ImageDigest), slog.Any("error", err))
		} else if found {
			nodeType = entry.NodeType
		}
		results = append(results, ingestpb.NodeTypeResult{ContainerName: item.ContainerName, NodeType: nodeType})
	}

	now := time.Now().UTC()
	s.observeAndNudge(ctx, req.Auth.MachineID, store.TierMachine, req.Auth.MachineID, now)
	return &ingestpb.NodeTypeQueriesResponse{Items: results}, nil
}

// NameChange handles the NameChange RPC: renames the node row (§6). Rows in
// other tables that carry the old node name are not renamed; see
// store.Store.RenameNode.
func (s *Server) NameChange(ctx context.Context, req *ingestpb.NameChangeRequest) (*ingestpb.NameChangeResponse, error) {
	if req.OldName == "" || req.NewName == "" {
		return nil, status.Error(codes.InvalidArgument, "old_name and new_name are required")
	}
	payload, err := canonicalPayload(nameChangePayload{OldName: req.OldName, NewName: req.NewName})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode name change payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindNameChange, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	if _, found, err := s.store.GetNode(ctx, req.Auth.MachineID, req.OldName); err != nil {
		return nil, status.Errorf(codes.Internal, "get node: %v", err)
	} else if !found {
		return nil, status.Errorf(codes.NotFound, "node %s not found", req.OldName)
	}

	if err := s.store.RenameNode(ctx, req.Auth.MachineID, req.OldName, req.NewName); err != nil {
		return nil, status.Errorf(codes.Internal, "rename node: %v", err)
	}

	now := time.Now().UTC()
	s.observeAndNudge(ctx, req.Auth.MachineID, store.TierNode, req.NewName, now)
	return &ingestpb.NameChangeResponse{}, nil
}

var heartbeatTierFor = map[ingestpb.HeartbeatTier]store.HeartbeatTier{
	ingestpb.HeartbeatTierNode:    store.TierNode,
	ingestpb.HeartbeatTierMachine: store.TierMachine,
	ingestpb.HeartbeatTierClient:  store.TierClient,
}

var heartbeatKindFor = map[ingestpb.HeartbeatTier]verify.Kind{
	ingestpb.HeartbeatTierNode:    verify.KindHeartbeatNode,
	ingestpb.HeartbeatTierMachine: verify.KindHeartbeatHost,
	ingestpb.HeartbeatTierClient:  verify.KindHeartbeatCli,
}

// Heartbeat handles the Heartbeat RPC for all three tiers (§6): last-seen
// is updated directly, bypassing observeAndNudge's machine-tier default
// since the caller names its own tier and key.
func (s *Server) Heartbeat(ctx context.Context, req *ingestpb.HeartbeatRequest) (*ingestpb.HeartbeatResponse, error) {
	tier, ok := heartbeatTierFor[req.Tier]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "invalid heartbeat tier %v", req.Tier)
	}
	kind := heartbeatKindFor[req.Tier]

	payload, err := canonicalPayload(heartbeatPayload{Tier: req.Tier, Key: req.Key})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode heartbeat payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, kind, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	orgID, ok := s.organizationOf(ctx, req.Auth.MachineID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown machine %s", req.Auth.MachineID)
	}

	key := req.Key
	switch tier {
	case store.TierMachine:
		key = req.Auth.MachineID
	case store.TierClient:
		m, found, err := s.store.GetMachine(ctx, req.Auth.MachineID)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "resolve machine: %v", err)
		}
		if !found {
			return nil, status.Errorf(codes.NotFound, "unknown machine %s", req.Auth.MachineID)
		}
		key = m.OperatorAddress
	}

	now := time.Now().UTC()
	if err := s.heartbeats.Observe(ctx, orgID, tier, key, now); err != nil {
		return nil, status.Errorf(codes.Internal, "observe heartbeat: %v", err)
	}
	return &ingestpb.HeartbeatResponse{}, nil
}

// CustomAlert handles the CustomAlert RPC (§4.8's Custom rule row): the
// agent raises an alert condition the rule engine has no trigger for.
// Unlike every rule-engine alert, a custom alert has no stable fingerprint
// to deduplicate against — each call is its own incident — so the
// alert-id is a fresh random UUID rather than a hash of the payload.
func (s *Server) CustomAlert(ctx context.Context, req *ingestpb.CustomAlertRequest) (*ingestpb.CustomAlertResponse, error) {
	payload, err := canonicalPayload(customAlertPayload{NodeName: req.NodeName, Payload: req.Payload})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode custom alert payload: %v", err)
	}
	release, err := s.verifyMachine(ctx, verify.KindCustomAlert, payload, req.Auth.Signature, req.Auth.MachineID, timeFromMicro(req.Auth.TimestampUnixMicro))
	if err != nil {
		return nil, err
	}
	defer release()

	orgID, ok := s.organizationOf(ctx, req.Auth.MachineID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown machine %s", req.Auth.MachineID)
	}

	scope := store.AlertCustom.ScopeOf()
	a := store.Alert{
		AlertID:        newRecordID(),
		OrganizationID: orgID,
		Scope:          scope,
		MachineID:      req.Auth.MachineID,
		NodeName:       req.NodeName,
		Kind:           store.AlertCustom,
		Payload:        req.Payload,
	}
	activated, err := s.alerts.Activate(ctx, a)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "activate custom alert: %v", err)
	}

	return &ingestpb.CustomAlertResponse{AlertID: activated.AlertID}, nil
}
