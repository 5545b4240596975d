package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/require"
)

type fakeBinding map[string]Address

func (f fakeBinding) ResolveOwner(_ context.Context, machineID string) (Address, bool, error) {
	addr, ok := f[machineID]
	return addr, ok, nil
}

func sign(t *testing.T, priv *secp256k1.PrivateKey, digest [32]byte) []byte {
	t.Helper()
	sig, err := ecdsa.SignCompact(priv, digest[:], false)
	require.NoError(t, err)
	return sig
}

func TestVerifyHappyPath(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	addr := addressFromPubKey(priv.PubKey().ToECDSA())
	binding := fakeBinding{"machine-1": addr}
	v := New(binding)

	payload := []byte(`{"cpu":0.5}`)
	digest := CanonicalDigest(KindMetrics, payload)
	sig := sign(t, priv, digest)

	got, err := v.Verify(context.Background(), KindMetrics, payload, sig, "machine-1", time.Time{})
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestVerifyUnknownMachine(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	v := New(fakeBinding{})
	payload := []byte("hello")
	digest := CanonicalDigest(KindMetrics, payload)
	sig := sign(t, priv, digest)

	_, err = v.Verify(context.Background(), KindMetrics, payload, sig, "ghost", time.Time{})
	require.True(t, errors.Is(err, ErrUnknownMachine))
}

func TestVerifySignerMismatch(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	binding := fakeBinding{"machine-1": addressFromPubKey(other.PubKey().ToECDSA())}
	v := New(binding)

	payload := []byte("hello")
	digest := CanonicalDigest(KindMetrics, payload)
	sig := sign(t, priv, digest)

	_, err = v.Verify(context.Background(), KindMetrics, payload, sig, "machine-1", time.Time{})
	require.True(t, errors.Is(err, ErrSignerMismatch))
}

func TestVerifyMalformedSignature(t *testing.T) {
	v := New(fakeBinding{})
	junk := make([]byte, 12)
	_, _ = rand.Read(junk)

	_, err := v.Verify(context.Background(), KindMetrics, []byte("x"), junk, "machine-1", time.Time{})
	require.True(t, errors.Is(err, ErrMalformedSignature))
}

func TestVerifyReplayableTimestamp(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	addr := addressFromPubKey(priv.PubKey().ToECDSA())

	fixedNow := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	v := New(fakeBinding{"machine-1": addr}, WithClock(func() time.Time { return fixedNow }), WithReplayWindow(time.Minute))

	payload := []byte("hello")
	digest := CanonicalDigest(KindHeartbeatNode, payload)
	sig := sign(t, priv, digest)

	stale := fixedNow.Add(-10 * time.Minute)
	_, err = v.Verify(context.Background(), KindHeartbeatNode, payload, sig, "machine-1", stale)
	require.True(t, errors.Is(err, ErrReplayableTimestamp))

	fresh := fixedNow.Add(-30 * time.Second)
	_, err = v.Verify(context.Background(), KindHeartbeatNode, payload, sig, "machine-1", fresh)
	require.NoError(t, err)
}

func TestIsAuthError(t *testing.T) {
	require.True(t, IsAuthError(ErrUnknownMachine))
	require.False(t, IsAuthError(errors.New("plain")))
}
