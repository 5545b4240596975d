package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/core/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[store.HeartbeatTier]map[string]time.Time
	org  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[store.HeartbeatTier]map[string]time.Time{}, org: "org-1"}
}

func (f *fakeStore) ObserveHeartbeat(_ context.Context, orgID string, tier store.HeartbeatTier, key string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[tier] == nil {
		f.rows[tier] = map[string]time.Time{}
	}
	if prev, ok := f.rows[tier][key]; !ok || ts.After(prev) {
		f.rows[tier][key] = ts
	}
	return nil
}

func (f *fakeStore) ListStaleHeartbeats(_ context.Context, tier store.HeartbeatTier, now time.Time, threshold time.Duration) ([]store.HeartbeatRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.HeartbeatRow
	for k, ts := range f.rows[tier] {
		if ts.Before(now.Add(-threshold)) {
			out = append(out, store.HeartbeatRow{OrganizationID: f.org, Tier: tier, Key: k, LastSeen: ts})
		}
	}
	return out, nil
}

func (f *fakeStore) ListFreshHeartbeats(_ context.Context, tier store.HeartbeatTier, now time.Time, threshold time.Duration) ([]store.HeartbeatRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.HeartbeatRow
	for k, ts := range f.rows[tier] {
		if !ts.Before(now.Add(-threshold)) {
			out = append(out, store.HeartbeatRow{OrganizationID: f.org, Tier: tier, Key: k, LastSeen: ts})
		}
	}
	return out, nil
}

type fakeSink struct {
	mu        sync.Mutex
	activated map[string]store.Alert
	resolved  map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{activated: map[string]store.Alert{}, resolved: map[string]bool{}}
}

func (f *fakeSink) Activate(_ context.Context, a store.Alert) (store.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.activated[a.AlertID]; !exists {
		f.activated[a.AlertID] = a
	}
	return f.activated[a.AlertID], nil
}

func (f *fakeSink) Resolve(_ context.Context, _ store.AlertScope, _, alertID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.activated, alertID)
	f.resolved[alertID] = true
	return nil
}

func TestHeartbeatRisingAndFallingEdge(t *testing.T) {
	fs := newFakeStore()
	sink := newFakeSink()
	eng := New(fs, sink, WithThresholds(Thresholds{Node: 180 * time.Second}))

	ctx := context.Background()
	t0 := time.Unix(0, 0).UTC()

	require.NoError(t, eng.Observe(ctx, "org-1", store.TierNode, "test_node", t0))

	// t=210, threshold 180 -> stale, rising edge.
	require.NoError(t, eng.Reap(ctx, t0.Add(210*time.Second), []store.HeartbeatTier{store.TierNode}))
	fp := Fingerprint(store.AlertNodeNotResponding, "test_node")
	sink.mu.Lock()
	_, active := sink.activated[fp]
	sink.mu.Unlock()
	require.True(t, active, "expected NodeNotResponding to be active at t=210")

	// Agent heartbeats again at t=420.
	require.NoError(t, eng.Observe(ctx, "org-1", store.TierNode, "test_node", t0.Add(420*time.Second)))

	// Reaper at t=450 must resolve it (fresh relative to threshold).
	require.NoError(t, eng.Reap(ctx, t0.Add(450*time.Second), []store.HeartbeatTier{store.TierNode}))
	sink.mu.Lock()
	_, stillActive := sink.activated[fp]
	wasResolved := sink.resolved[fp]
	sink.mu.Unlock()
	require.False(t, stillActive)
	require.True(t, wasResolved)
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(store.AlertNodeNotResponding, "node-a")
	b := Fingerprint(store.AlertNodeNotResponding, "node-a")
	c := Fingerprint(store.AlertNodeNotResponding, "node-b")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestReapIsSingleFlighted(t *testing.T) {
	fs := newFakeStore()
	sink := newFakeSink()
	eng := New(fs, sink)

	eng.reapMu.Lock()
	eng.reaping = true
	eng.reapMu.Unlock()

	// A concurrent Reap call while one is in flight must return immediately
	// without error rather than racing the in-flight scan.
	require.NoError(t, eng.Reap(context.Background(), time.Now(), []store.HeartbeatTier{store.TierNode}))
}
