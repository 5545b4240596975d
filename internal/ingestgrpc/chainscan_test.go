package ingestgrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fleetwatch/core/internal/ingestpb"
)

func TestReportRegistrationEventRequiresDirectoryAndOperator(t *testing.T) {
	st := newFakeStore()
	s := NewChainScannerServer(st, nil)

	_, err := s.ReportRegistrationEvent(context.Background(), &ingestpb.ReportRegistrationEventRequest{})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestReportRegistrationEventPersistsMembership(t *testing.T) {
	st := newFakeStore()
	s := NewChainScannerServer(st, nil)

	_, err := s.ReportRegistrationEvent(context.Background(), &ingestpb.ReportRegistrationEventRequest{
		AVSDirectory:    "eigenda",
		OperatorAddress: "0xabc",
		ChainID:         1,
		Active:          true,
		BlockNumber:     100,
		LogIndex:        2,
	})
	require.NoError(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()
	m, ok := st.activeSet["eigenda|0xabc"]
	require.True(t, ok)
	require.True(t, m.Active)
	require.Equal(t, int64(100), m.BlockNumber)
}

func TestReportMetadataUriEventRequiresAddressAndURI(t *testing.T) {
	st := newFakeStore()
	s := NewChainScannerServer(st, nil)

	_, err := s.ReportMetadataUriEvent(context.Background(), &ingestpb.ReportMetadataUriEventRequest{})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetLatestBlockReturnsZeroCursorWhenUnseen(t *testing.T) {
	st := newFakeStore()
	s := NewChainScannerServer(st, nil)

	resp, err := s.GetLatestBlock(context.Background(), &ingestpb.GetLatestBlockRequest{AVSDirectory: "eigenda"})
	require.NoError(t, err)
	require.Equal(t, int64(0), resp.NextBlock)
}

func TestGetLatestBlockResumesPastLastObservedBlock(t *testing.T) {
	st := newFakeStore()
	s := NewChainScannerServer(st, nil)

	_, err := s.ReportRegistrationEvent(context.Background(), &ingestpb.ReportRegistrationEventRequest{
		AVSDirectory:    "eigenda",
		OperatorAddress: "0xabc",
		ChainID:         1,
		Active:          true,
		BlockNumber:     100,
		LogIndex:        2,
	})
	require.NoError(t, err)
	_, err = s.ReportRegistrationEvent(context.Background(), &ingestpb.ReportRegistrationEventRequest{
		AVSDirectory:    "eigenda",
		OperatorAddress: "0xdef",
		ChainID:         1,
		Active:          true,
		BlockNumber:     250,
		LogIndex:        0,
	})
	require.NoError(t, err)

	resp, err := s.GetLatestBlock(context.Background(), &ingestpb.GetLatestBlockRequest{AVSDirectory: "eigenda", ChainID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(251), resp.NextBlock)
}

func TestGetLatestBlockRequiresDirectory(t *testing.T) {
	st := newFakeStore()
	s := NewChainScannerServer(st, nil)

	_, err := s.GetLatestBlock(context.Background(), &ingestpb.GetLatestBlockRequest{})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
