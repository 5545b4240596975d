package alertstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/core/internal/audit"
	"github.com/fleetwatch/core/internal/store"
)

type fakeStore struct {
	active map[string]store.Alert
}

func newFakeStore() *fakeStore {
	return &fakeStore{active: map[string]store.Alert{}}
}

func (f *fakeStore) key(scope store.AlertScope, orgID, alertID string) string {
	return string(scope) + "|" + orgID + "|" + alertID
}

func (f *fakeStore) ActivateAlert(_ context.Context, a store.Alert) (store.Alert, error) {
	k := f.key(a.Scope, a.OrganizationID, a.AlertID)
	if existing, ok := f.active[k]; ok {
		return existing, nil
	}
	a.CreatedAt = time.Now().UTC()
	f.active[k] = a
	return a, nil
}

func (f *fakeStore) AcknowledgeAlert(_ context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error {
	k := f.key(scope, orgID, alertID)
	a, ok := f.active[k]
	if !ok {
		return nil
	}
	a.AcknowledgedAt = &now
	f.active[k] = a
	return nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, scope store.AlertScope, orgID, alertID string, _ time.Time) error {
	delete(f.active, f.key(scope, orgID, alertID))
	return nil
}

func (f *fakeStore) SetSendState(_ context.Context, scope store.AlertScope, orgID, alertID string, svc store.ServiceType, state store.SendState) error {
	k := f.key(scope, orgID, alertID)
	a, ok := f.active[k]
	if !ok {
		return nil
	}
	switch svc {
	case store.ServiceEmail:
		a.SendStateEmail = state
	case store.ServiceTelegram:
		a.SendStateTg = state
	case store.ServicePagerDuty:
		a.SendStatePD = state
	}
	f.active[k] = a
	return nil
}

func (f *fakeStore) GetActiveAlert(_ context.Context, scope store.AlertScope, orgID, alertID string) (store.Alert, bool, error) {
	a, ok := f.active[f.key(scope, orgID, alertID)]
	return a, ok, nil
}

func TestActivateIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, nil)

	a := store.Alert{AlertID: "a1", OrganizationID: "org-1", Scope: store.ScopeMachine, Kind: store.AlertMachineNotResponding}
	first, err := m.Activate(context.Background(), a)
	require.NoError(t, err)

	a.Kind = store.AlertIdleMachine // a conflicting re-activation must not overwrite the original
	second, err := m.Activate(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, first.Kind, second.Kind)
	require.Len(t, fs.active, 1)
}

func TestSendStateTransitionsEnforceMonotonicity(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, nil)
	ctx := context.Background()

	a := store.Alert{AlertID: "a1", OrganizationID: "org-1", Scope: store.ScopeMachine, Kind: store.AlertHardwareOverThreshold}
	_, err := m.Activate(ctx, a)
	require.NoError(t, err)

	// no_send -> send_failed is legal.
	require.NoError(t, m.SetSendState(ctx, store.ScopeMachine, "org-1", "a1", store.ServiceEmail, store.SendStateFailed))
	// send_failed -> send_success is legal.
	require.NoError(t, m.SetSendState(ctx, store.ScopeMachine, "org-1", "a1", store.ServiceEmail, store.SendStateSuccess))
	// send_success never transitions again.
	err = m.SetSendState(ctx, store.ScopeMachine, "org-1", "a1", store.ServiceEmail, store.SendStateFailed)
	require.ErrorIs(t, err, ErrInvalidSendStateTransition)
}

func TestSetSendStateUnknownAlert(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, nil)
	err := m.SetSendState(context.Background(), store.ScopeMachine, "org-1", "missing", store.ServiceEmail, store.SendStateSuccess)
	require.ErrorIs(t, err, ErrInvalidSendStateTransition)
}

func TestResolveRemovesActiveRow(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, nil)
	ctx := context.Background()

	a := store.Alert{AlertID: "a1", OrganizationID: "org-1", Scope: store.ScopeMachine, Kind: store.AlertMachineNotResponding}
	_, err := m.Activate(ctx, a)
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, store.ScopeMachine, "org-1", "a1", time.Now().UTC()))
	_, found, err := fs.GetActiveAlert(ctx, store.ScopeMachine, "org-1", "a1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLifecycleTransitionsAreAudited(t *testing.T) {
	fs := newFakeStore()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	m := New(fs, logger)
	ctx := context.Background()

	a := store.Alert{AlertID: "a1", OrganizationID: "org-1", Scope: store.ScopeMachine, Kind: store.AlertMachineNotResponding}
	_, err = m.Activate(ctx, a)
	require.NoError(t, err)
	require.NoError(t, m.SetSendState(ctx, store.ScopeMachine, "org-1", "a1", store.ServiceEmail, store.SendStateSuccess))
	require.NoError(t, m.Resolve(ctx, store.ScopeMachine, "org-1", "a1", time.Now().UTC()))
	require.NoError(t, logger.Close())

	entries, err := audit.Verify(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	ev0, err := entries[0].DecodeEvent()
	require.NoError(t, err)
	require.Equal(t, "activate", ev0.Kind)

	ev2, err := entries[2].DecodeEvent()
	require.NoError(t, err)
	require.Equal(t, "resolve", ev2.Kind)
}
