package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/core/internal/verify"
)

func TestEncodeDecodeAddressRoundTrip(t *testing.T) {
	var addr verify.Address
	for i := range addr {
		addr[i] = byte(i)
	}

	encoded := EncodeAddress(addr)
	require.Equal(t, "0x000102030405060708090a0b0c0d0e0f10111213", encoded)

	decoded, err := decodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr, decoded)
}

func TestDecodeAddressRejectsWrongLength(t *testing.T) {
	_, err := decodeAddress("0xdead")
	require.Error(t, err)
}

func TestAlertKindScopeRouting(t *testing.T) {
	cases := map[AlertKind]AlertScope{
		AlertMachineNotResponding:  ScopeMachine,
		AlertIdleMachine:           ScopeMachine,
		AlertHardwareOverThreshold: ScopeMachine,
		AlertClientNotResponding:   ScopeOrganization,
		AlertNodeNotResponding:     ScopeNode,
		AlertNodeNeedsUpdate:       ScopeNode,
		AlertUnregisteredFromActiveSet: ScopeNode,
		AlertCustom:                ScopeNode,
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.ScopeOf(), "kind %s", kind)
	}
}
