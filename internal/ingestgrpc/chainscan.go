package ingestgrpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fleetwatch/core/internal/ingestpb"
	"github.com/fleetwatch/core/internal/store"
)

// ChainScannerStore is the subset of C2 the chain-scanner service writes
// and reads through.
type ChainScannerStore interface {
	GetActiveSetMembership(ctx context.Context, directory, operator string, chain int64) (store.ActiveSetMembership, bool, error)
	MaxActiveSetBlock(ctx context.Context, directory string, chain int64) (int64, bool, error)
	PutActiveSetEvent(ctx context.Context, e store.ActiveSetMembership) error
	PutMetadataURIEvent(ctx context.Context, e store.AVSMetadata) error
}

// ChainScannerServer implements ingestpb.ChainScannerServer. The chain
// scanner is a trusted internal caller (§6 lists no signature for this
// service, unlike the fleet-agent RPCs), so these handlers skip C1 and go
// straight to C2 writes; alert evaluation for any resulting state change
// runs on C8's next scheduled tick rather than an explicit nudge, since
// registration/metadata events are not scoped to a single organization the
// way a fleet-agent RPC is (§9: "Chain scanner failure isolation").
type ChainScannerServer struct {
	ingestpb.UnimplementedChainScannerServer

	store  ChainScannerStore
	logger *slog.Logger
}

// NewChainScannerServer creates a ChainScannerServer backed by st.
func NewChainScannerServer(st ChainScannerStore, logger *slog.Logger) *ChainScannerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainScannerServer{store: st, logger: logger}
}

// GetLatestBlock returns the next block the scanner should resume from.
//
// This repo has no separate scan-cursor table; the cursor is derived from
// the ActiveSetMembership rows, so the next block is one past the highest
// block recorded for any operator under the (directory, chain) pair, or
// block 0 if the scanner has never reported anything for that pair yet.
// The request names no operator, so there is one cursor per directory and
// chain.
func (s *ChainScannerServer) GetLatestBlock(ctx context.Context, req *ingestpb.GetLatestBlockRequest) (*ingestpb.GetLatestBlockResponse, error) {
	if req.AVSDirectory == "" {
		return nil, status.Error(codes.InvalidArgument, "avs_directory is required")
	}
	maxBlock, found, err := s.store.MaxActiveSetBlock(ctx, req.AVSDirectory, req.ChainID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "max active set block: %v", err)
	}
	if !found {
		return &ingestpb.GetLatestBlockResponse{NextBlock: 0}, nil
	}
	return &ingestpb.GetLatestBlockResponse{NextBlock: maxBlock + 1}, nil
}

// ReportRegistrationEvent applies an active-set membership event,
// idempotently and monotonically on (block_number, log_index) (§6).
func (s *ChainScannerServer) ReportRegistrationEvent(ctx context.Context, req *ingestpb.ReportRegistrationEventRequest) (*ingestpb.ReportRegistrationEventResponse, error) {
	if req.AVSDirectory == "" || req.OperatorAddress == "" {
		return nil, status.Error(codes.InvalidArgument, "avs_directory and operator_address are required")
	}
	if err := s.store.PutActiveSetEvent(ctx, store.ActiveSetMembership{
		AVSDirectory:    req.AVSDirectory,
		AVSAddress:      req.AVSAddress,
		OperatorAddress: req.OperatorAddress,
		ChainID:         req.ChainID,
		Active:          req.Active,
		BlockNumber:     req.BlockNumber,
		LogIndex:        req.LogIndex,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "put active set event: %v", err)
	}
	return &ingestpb.ReportRegistrationEventResponse{}, nil
}

// ReportMetadataUriEvent appends a metadata-URI history row for an AVS
// address (§6).
func (s *ChainScannerServer) ReportMetadataUriEvent(ctx context.Context, req *ingestpb.ReportMetadataUriEventRequest) (*ingestpb.ReportMetadataUriEventResponse, error) {
	if req.AVSAddress == "" || req.URI == "" {
		return nil, status.Error(codes.InvalidArgument, "avs_address and uri are required")
	}
	if err := s.store.PutMetadataURIEvent(ctx, store.AVSMetadata{
		AVSAddress:  req.AVSAddress,
		BlockNumber: req.BlockNumber,
		LogIndex:    req.LogIndex,
		URI:         req.URI,
		Name:        req.Name,
		Description: req.Description,
		Logo:        req.Logo,
		Website:     req.Website,
		Twitter:     req.Twitter,
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "put metadata uri event: %v", err)
	}
	return &ingestpb.ReportMetadataUriEventResponse{}, nil
}
