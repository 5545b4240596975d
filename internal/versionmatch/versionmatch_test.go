package versionmatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/core/internal/store"
)

type fakeStore struct {
	digests     map[string]store.DigestCatalogEntry
	stable      map[string]store.StableVersion
	digestCalls int
	stableCalls int
}

func (f *fakeStore) LookupDigest(_ context.Context, digest string) (store.DigestCatalogEntry, bool, error) {
	f.digestCalls++
	e, ok := f.digests[digest]
	return e, ok, nil
}

func (f *fakeStore) LookupStableVersion(_ context.Context, nodeType, chain string) (store.StableVersion, bool, error) {
	f.stableCalls++
	v, ok := f.stable[nodeType+"|"+chain]
	return v, ok, nil
}

func TestMatchUnknownDigestIsNotAlertable(t *testing.T) {
	fs := &fakeStore{digests: map[string]store.DigestCatalogEntry{}, stable: map[string]store.StableVersion{}}
	m := New(fs)

	result, err := m.Match(context.Background(), "node-a", "sha256:deadbeef", "holesky", time.Now())
	require.NoError(t, err)
	require.Equal(t, "unknown", result.NodeType)
	require.False(t, result.AlertDue)
}

func TestMatchUpToDateDigestIsNotAlertable(t *testing.T) {
	fs := &fakeStore{
		digests: map[string]store.DigestCatalogEntry{"sha256:current": {Digest: "sha256:current", NodeType: "eigenda"}},
		stable:  map[string]store.StableVersion{"eigenda|holesky": {NodeType: "eigenda", Chain: "holesky", Tag: "v1.2.0", Digest: "sha256:current"}},
	}
	m := New(fs)

	result, err := m.Match(context.Background(), "node-a", "sha256:current", "holesky", time.Now())
	require.NoError(t, err)
	require.False(t, result.AlertDue)
}

func TestMatchStaleDigestRaisesNeedsUpdate(t *testing.T) {
	fs := &fakeStore{
		digests: map[string]store.DigestCatalogEntry{"sha256:old": {Digest: "sha256:old", NodeType: "eigenda"}},
		stable:  map[string]store.StableVersion{"eigenda|holesky": {NodeType: "eigenda", Chain: "holesky", Tag: "v1.3.0", Digest: "sha256:new"}},
	}
	m := New(fs)

	result, err := m.Match(context.Background(), "node-a", "sha256:old", "holesky", time.Now())
	require.NoError(t, err)
	require.True(t, result.AlertDue)
	require.Equal(t, store.AlertNodeNeedsUpdate, result.AlertKind)
	require.False(t, result.ImmediateUpdate)
}

func TestMatchPastBreakingChangeRaisesImmediateUpdate(t *testing.T) {
	breaking := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		digests: map[string]store.DigestCatalogEntry{"sha256:old": {Digest: "sha256:old", NodeType: "eigenda"}},
		stable: map[string]store.StableVersion{"eigenda|holesky": {
			NodeType: "eigenda", Chain: "holesky", Tag: "v2.0.0", Digest: "sha256:new", BreakingChangeAt: &breaking,
		}},
	}
	m := New(fs)

	result, err := m.Match(context.Background(), "node-a", "sha256:old", "holesky", breaking.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, result.AlertDue)
	require.True(t, result.ImmediateUpdate)
	require.Equal(t, store.AlertNodeNeedsImmediateUpdate, result.AlertKind)
}

func TestMatchBeforeBreakingChangeRaisesOrdinaryUpdate(t *testing.T) {
	breaking := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		digests: map[string]store.DigestCatalogEntry{"sha256:old": {Digest: "sha256:old", NodeType: "eigenda"}},
		stable: map[string]store.StableVersion{"eigenda|holesky": {
			NodeType: "eigenda", Chain: "holesky", Tag: "v2.0.0", Digest: "sha256:new", BreakingChangeAt: &breaking,
		}},
	}
	m := New(fs)

	result, err := m.Match(context.Background(), "node-a", "sha256:old", "holesky", breaking.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, result.AlertDue)
	require.False(t, result.ImmediateUpdate)
	require.Equal(t, store.AlertNodeNeedsUpdate, result.AlertKind)
}

func TestLookupsAreCachedAfterFirstCall(t *testing.T) {
	fs := &fakeStore{
		digests: map[string]store.DigestCatalogEntry{"sha256:old": {Digest: "sha256:old", NodeType: "eigenda"}},
		stable:  map[string]store.StableVersion{"eigenda|holesky": {NodeType: "eigenda", Chain: "holesky", Tag: "v1.3.0", Digest: "sha256:new"}},
	}
	m := New(fs)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Match(ctx, "node-a", "sha256:old", "holesky", time.Now())
		require.NoError(t, err)
	}
	require.Equal(t, 1, fs.digestCalls)
	require.Equal(t, 1, fs.stableCalls)
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("node-a", "eigenda", "sha256:new", false)
	b := Fingerprint("node-a", "eigenda", "sha256:new", false)
	c := Fingerprint("node-a", "eigenda", "sha256:new", true)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
