//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/store/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fleetwatch/core/internal/store"
)

func setupDB(t *testing.T) (*store.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("fleetwatch_test"),
		tcpostgres.WithUsername("fleetwatch"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.Migrate(connStr))

	s, err := store.New(ctx, connStr, 10, 50*time.Millisecond)
	require.NoError(t, err)

	cleanup := func() {
		s.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return s, cleanup
}

func seedOrgClientMachine(t *testing.T, ctx context.Context, s *store.Store, suffix string) (orgID, machineID string) {
	t.Helper()
	orgID = "org-" + suffix
	_, err := s.GetNotificationSettings(ctx, orgID) // exercises the pgx.ErrNoRows-tolerant path before the org even exists
	require.NoError(t, err)

	operator := fmt.Sprintf("0x%040s", suffix)
	require.NoError(t, s.CreateOrganization(ctx, store.Organization{OrganizationID: orgID, Name: "Org " + suffix, Verified: true}))
	require.NoError(t, s.UpsertClient(ctx, store.Client{OperatorAddress: operator, OrganizationID: orgID}))

	machineID = "machine-" + suffix
	require.NoError(t, s.UpsertMachine(ctx, store.Machine{MachineID: machineID, OperatorAddress: operator, OrganizationID: orgID}))
	return orgID, machineID
}

func TestPutMetricsFlushAndReplace(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	orgID, machineID := seedOrgClientMachine(t, ctx, s, "metrics1")

	samples := []store.MetricSample{
		{Name: "cpu_pct", Value: 10, ObservedAt: time.Now().UTC()},
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.PutMetrics(ctx, machineID, samples))
	}

	samples[0].Value = 99
	require.NoError(t, s.PutMetrics(ctx, machineID, samples))
	time.Sleep(100 * time.Millisecond) // let the background flush loop drain the buffer

	got, err := s.ListMetricsByOrganization(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, got, 1, "repeated samples for the same key must replace, not append")
	require.Equal(t, 99.0, got[0].Value)
}

func TestNodeInventoryUpsertSetIfPresent(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	_, machineID := seedOrgClientMachine(t, ctx, s, "node1")

	nodeType := "eigenda"
	require.NoError(t, s.UpsertNodeInventory(ctx, machineID, "n1", &nodeType, nil, nil, nil, nil))

	n, found, err := s.GetNode(ctx, machineID, "n1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "eigenda", n.NodeType)
	require.False(t, n.MetricsAlive)

	alive := true
	require.NoError(t, s.UpsertNodeInventory(ctx, machineID, "n1", nil, nil, &alive, nil, nil))

	n, found, err = s.GetNode(ctx, machineID, "n1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "eigenda", n.NodeType, "node_type must survive a partial update that does not set it")
	require.True(t, n.MetricsAlive)
}

func TestAlertActivateIsIdempotent(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	orgID, machineID := seedOrgClientMachine(t, ctx, s, "alert1")

	a := store.Alert{
		AlertID:        "11111111-1111-1111-1111-111111111111",
		OrganizationID: orgID,
		Scope:          store.ScopeMachine,
		MachineID:      machineID,
		Kind:           store.AlertMachineNotResponding,
		Payload:        json.RawMessage(`{"machine_id":"` + machineID + `"}`),
	}

	for i := 0; i < 5; i++ {
		_, err := s.ActivateAlert(ctx, a)
		require.NoError(t, err)
	}

	active, err := s.ListActiveAlerts(ctx, store.ScopeMachine, orgID, store.AlertMachineNotResponding)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestAlertResolveMovesToHistorical(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	orgID, machineID := seedOrgClientMachine(t, ctx, s, "alert2")

	a := store.Alert{
		AlertID:        "22222222-2222-2222-2222-222222222222",
		OrganizationID: orgID,
		Scope:          store.ScopeMachine,
		MachineID:      machineID,
		Kind:           store.AlertMachineNotResponding,
	}
	_, err := s.ActivateAlert(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s.ResolveAlert(ctx, store.ScopeMachine, orgID, a.AlertID, time.Now().UTC()))

	_, found, err := s.GetActiveAlert(ctx, store.ScopeMachine, orgID, a.AlertID)
	require.NoError(t, err)
	require.False(t, found)

	hist, err := s.QueryHistoricalAlerts(ctx, store.AlertQuery{
		OrganizationID: orgID,
		Scope:          store.ScopeMachine,
		From:           time.Now().Add(-time.Hour),
		To:             time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, a.AlertID, hist[0].AlertID)
}

func TestSendStateTransitions(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	orgID, machineID := seedOrgClientMachine(t, ctx, s, "alert3")
	a := store.Alert{
		AlertID:        "33333333-3333-3333-3333-333333333333",
		OrganizationID: orgID,
		Scope:          store.ScopeMachine,
		MachineID:      machineID,
		Kind:           store.AlertHardwareOverThreshold,
	}
	_, err := s.ActivateAlert(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s.SetSendState(ctx, store.ScopeMachine, orgID, a.AlertID, store.ServiceEmail, store.SendStateFailed))
	require.NoError(t, s.SetSendState(ctx, store.ScopeMachine, orgID, a.AlertID, store.ServiceTelegram, store.SendStateSuccess))

	got, found, err := s.GetActiveAlert(ctx, store.ScopeMachine, orgID, a.AlertID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, store.SendStateFailed, got.SendStateOf(store.ServiceEmail))
	require.Equal(t, store.SendStateSuccess, got.SendStateOf(store.ServiceTelegram))
	require.Equal(t, store.SendStateNoSend, got.SendStateOf(store.ServicePagerDuty))
}

func TestHeartbeatMaxMerge(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	orgID, machineID := seedOrgClientMachine(t, ctx, s, "hb1")

	t0 := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.ObserveHeartbeat(ctx, orgID, store.TierMachine, machineID, t0))
	require.NoError(t, s.ObserveHeartbeat(ctx, orgID, store.TierMachine, machineID, t0.Add(-time.Minute)))

	stale, err := s.ListStaleHeartbeats(ctx, store.TierMachine, t0.Add(5*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1, "observing an older timestamp must not move last_seen backwards")
	require.Equal(t, t0, stale[0].LastSeen)
}

func TestActiveSetEventMonotone(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	e := store.ActiveSetMembership{
		AVSDirectory: "dir1", AVSAddress: "avs1", OperatorAddress: "0xop1",
		ChainID: 17000, Active: true, BlockNumber: 100, LogIndex: 0,
	}
	require.NoError(t, s.PutActiveSetEvent(ctx, e))

	stale := e
	stale.Active = false
	stale.BlockNumber = 50
	require.NoError(t, s.PutActiveSetEvent(ctx, stale))

	got, found, err := s.GetActiveSetMembership(ctx, "dir1", "0xop1", 17000)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Active, "an event with an older block number must not overwrite a newer one")

	newer := e
	newer.Active = false
	newer.BlockNumber = 150
	require.NoError(t, s.PutActiveSetEvent(ctx, newer))

	got, found, err = s.GetActiveSetMembership(ctx, "dir1", "0xop1", 17000)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, got.Active)
}

func TestResolveOwnerBindsMachineToClient(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	_, machineID := seedOrgClientMachine(t, ctx, s, "owner1")

	addr, found, err := s.ResolveOwner(ctx, machineID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, [20]byte{}, addr)
}
