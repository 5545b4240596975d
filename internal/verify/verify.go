// Package verify implements the message verifier (C1): it validates the
// per-message signature carried by every fleet-agent RPC (chain-scanner RPCs
// are unsigned and do not pass through it),
// recovers the signing operator address, and authorizes the message against
// the machine→client→organization binding stored by the telemetry store.
//
// Canonical digest
//
// Every signable message is hashed as:
//
//	keccak256(kind || 0x00 || payload)
//
// kind is the RPC name (e.g. "Metrics", "Heartbeat.Node") so that a replayed
// signature cannot be reinterpreted as a different message type even when
// two payloads happen to share bytes. payload is whatever canonical byte
// encoding the fleet agent produced; this package does not reconstruct it —
// the caller (C7) passes the exact bytes that were signed.
package verify

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Address is the 20-byte operator account identifier used as the client
// handle throughout the data model.
type Address [20]byte

// Kind identifies the RPC whose payload is being verified. Kinds are used
// only for domain separation of the canonical digest; they are not
// persisted.
type Kind string

const (
	KindRegister      Kind = "Register"
	KindMetrics       Kind = "Metrics"
	KindNodeData      Kind = "NodeData"
	KindMachineData   Kind = "MachineData"
	KindLogs          Kind = "Logs"
	KindClientLogs    Kind = "ClientLogs"
	KindNameChange    Kind = "NameChange"
	KindHeartbeatNode Kind = "Heartbeat.Node"
	KindHeartbeatHost Kind = "Heartbeat.Machine"
	KindHeartbeatCli  Kind = "Heartbeat.Client"
	KindNodeTypeQuery Kind = "NodeTypeQueries"
	KindCustomAlert   Kind = "CustomAlert"
)

// errKind tags each sentinel error with the §7 error taxonomy bucket; all
// verifier failures are Authentication errors and are non-retryable.
type errKind struct {
	msg string
}

func (e *errKind) Error() string { return e.msg }

var (
	// ErrMalformedSignature is returned when the signature is not a
	// well-formed 65-byte recoverable ECDSA signature.
	ErrMalformedSignature = &errKind{"verify: malformed signature"}
	// ErrUnknownMachine is returned when machineID has no owning client
	// bound in the store.
	ErrUnknownMachine = &errKind{"verify: unknown machine"}
	// ErrSignerMismatch is returned when the recovered address does not
	// match the machine's owning client.
	ErrSignerMismatch = &errKind{"verify: signer does not match owning client"}
	// ErrReplayableTimestamp is returned when the message carries a
	// timestamp older than the configured replay window.
	ErrReplayableTimestamp = &errKind{"verify: timestamp outside replay window"}
)

// DefaultReplayWindow bounds how old a message timestamp may be before it is
// rejected as a potential replay.
const DefaultReplayWindow = 5 * time.Minute

// ClientBinding resolves the operator address that owns machineID. It is the
// seam C1 uses to query the telemetry store (C2) without importing it
// directly, keeping the verifier unit-testable with a fake.
type ClientBinding interface {
	// ResolveOwner returns the operator address bound to machineID, or
	// found=false when the machine is not registered.
	ResolveOwner(ctx context.Context, machineID string) (addr Address, found bool, err error)
}

// Verifier validates signed RPC payloads. The zero value is not usable; use
// New.
type Verifier struct {
	clients      ClientBinding
	replayWindow time.Duration
	now          func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithReplayWindow overrides DefaultReplayWindow.
func WithReplayWindow(d time.Duration) Option {
	return func(v *Verifier) { v.replayWindow = d }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a Verifier backed by clients.
func New(clients ClientBinding, opts ...Option) *Verifier {
	v := &Verifier{
		clients:      clients,
		replayWindow: DefaultReplayWindow,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CanonicalDigest computes the domain-separated digest that is signed by the
// fleet agent for a message of the given kind.
func CanonicalDigest(kind Kind, payload []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(kind))
	h.Write([]byte{0x00})
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify validates a signed message and returns the recovered operator
// address on success.
//
// signature must be a 65-byte compact recoverable ECDSA signature over
// CanonicalDigest(kind, payload) (R || S || recovery-id, recovery-id in
// [27,30] per the decred/btcec compact-signature convention).
//
// timestamp is the message's own claimed wall-clock time; pass the zero
// value to skip the replay check (used by RPCs that carry no timestamp
// field, e.g. NameChange).
func (v *Verifier) Verify(ctx context.Context, kind Kind, payload, signature []byte, machineID string, timestamp time.Time) (Address, error) {
	if !timestamp.IsZero() {
		if v.now().Sub(timestamp) > v.replayWindow {
			return Address{}, ErrReplayableTimestamp
		}
	}

	recovered, err := recoverSigner(kind, payload, signature)
	if err != nil {
		return Address{}, err
	}

	owner, found, err := v.clients.ResolveOwner(ctx, machineID)
	if err != nil {
		return Address{}, fmt.Errorf("verify: resolve owner for machine %s: %w", machineID, err)
	}
	if !found {
		return Address{}, ErrUnknownMachine
	}
	if recovered != owner {
		return Address{}, ErrSignerMismatch
	}

	return recovered, nil
}

// RecoverNewClient validates the signature on a Register message without
// consulting the client binding: a registering machine has no existing
// owner to compare against, so the recovered address itself becomes the
// candidate operator address the caller (C7) binds the new client to.
// Replay/timestamp checking still applies when timestamp is non-zero.
func (v *Verifier) RecoverNewClient(kind Kind, payload, signature []byte, timestamp time.Time) (Address, error) {
	if !timestamp.IsZero() && v.now().Sub(timestamp) > v.replayWindow {
		return Address{}, ErrReplayableTimestamp
	}
	return recoverSigner(kind, payload, signature)
}

// recoverSigner recovers the operator address that produced signature over
// CanonicalDigest(kind, payload).
func recoverSigner(kind Kind, payload, signature []byte) (Address, error) {
	if len(signature) != 65 {
		return Address{}, ErrMalformedSignature
	}

	digest := CanonicalDigest(kind, payload)

	pubKey, _, err := dcrecdsa.RecoverCompact(signature, digest[:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	return addressFromPubKey(pubKey.ToECDSA()), nil
}

// addressFromPubKey derives the 20-byte operator address from an
// uncompressed public key as keccak256(x||y)[12:], mirroring the account
// addressing scheme operators already use for their on-chain identity.
func addressFromPubKey(pub *ecdsa.PublicKey) Address {
	xb := pub.X.Bytes()
	yb := pub.Y.Bytes()

	var buf [64]byte
	copy(buf[32-len(xb):32], xb)
	copy(buf[64-len(yb):64], yb)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf[:])
	sum := h.Sum(nil)

	var addr Address
	copy(addr[:], sum[12:])
	return addr
}

// IsAuthError reports whether err is one of this package's sentinel
// verification failures (the §7 Authentication error bucket). Authentication
// errors are always non-retryable.
func IsAuthError(err error) bool {
	var k *errKind
	return errors.As(err, &k)
}
