package fleettransport

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/fleetwatch/core/internal/verify"
)

// Signer holds the agent's secp256k1 operator key and produces the compact
// recoverable signatures every fleet-agent RPC is authenticated with (§6,
// mirroring internal/verify.Verifier.Verify on the receiving end).
type Signer struct {
	priv *secp256k1.PrivateKey
}

// LoadSigner reads a hex-encoded secp256k1 private key from path and returns
// a Signer wrapping it. The key file holds exactly one line: the 32-byte key
// as 64 hex characters, optionally newline-terminated.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fleettransport: read signing key %q: %w", path, err)
	}

	hexStr := string(bytes.TrimSpace(raw))
	keyBytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("fleettransport: decode signing key %q: %w", path, err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("fleettransport: signing key %q: want 32 bytes, got %d", path, len(keyBytes))
	}

	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	return &Signer{priv: priv}, nil
}

// PublicKeyBytes returns the uncompressed (0x04 || X || Y) encoding of the
// signer's public key, the form sent once as RegisterRequest.PublicKey.
func (s *Signer) PublicKeyBytes() []byte {
	return s.priv.PubKey().SerializeUncompressed()
}

// Sign computes the canonical digest for kind and payload (see
// internal/verify's package doc) and returns a 65-byte compact recoverable
// ECDSA signature over it.
func (s *Signer) Sign(kind verify.Kind, payload []byte) []byte {
	digest := verify.CanonicalDigest(kind, payload)
	return dcrecdsa.SignCompact(s.priv, digest[:], false)
}
