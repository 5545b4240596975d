// Package alertstate implements the alert state machine (C4): activation,
// acknowledgement, resolution, and per-channel send-state transitions over
// the canonical active/historical alert tables, plus a tamper-evident audit
// trail of every lifecycle transition.
package alertstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetwatch/core/internal/audit"
	"github.com/fleetwatch/core/internal/store"
)

// ErrInvalidSendStateTransition is returned when a caller attempts a
// send-state transition other than no_send→*, send_failed→send_success
// (I4, P3). Re-writing the current state (e.g. send_failed→send_failed) is
// accepted.
var ErrInvalidSendStateTransition = errors.New("alertstate: invalid send-state transition")

// Store is the subset of the telemetry store (C2) the alert state machine
// needs.
type Store interface {
	ActivateAlert(ctx context.Context, a store.Alert) (store.Alert, error)
	AcknowledgeAlert(ctx context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error
	ResolveAlert(ctx context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error
	SetSendState(ctx context.Context, scope store.AlertScope, orgID, alertID string, svc store.ServiceType, state store.SendState) error
	GetActiveAlert(ctx context.Context, scope store.AlertScope, orgID, alertID string) (store.Alert, bool, error)
}

// Machine is the alert state machine. Create one with New.
type Machine struct {
	store Store
	audit *audit.Logger
}

// New creates a Machine backed by s. auditLog may be nil, in which case
// lifecycle transitions are not recorded to a tamper-evident trail (useful
// for tests that don't need it).
func New(s Store, auditLog *audit.Logger) *Machine {
	return &Machine{store: s, audit: auditLog}
}

// Activate inserts an active row for a if no row with matching
// (organization, fingerprint) already exists; otherwise it is a no-op that
// returns the existing row (idempotent — I2, P2, S2).
func (m *Machine) Activate(ctx context.Context, a store.Alert) (store.Alert, error) {
	out, err := m.store.ActivateAlert(ctx, a)
	if err != nil {
		return store.Alert{}, fmt.Errorf("alertstate: activate %s: %w", a.AlertID, err)
	}
	m.appendAudit(audit.Event{
		Kind:           "activate",
		AlertID:        out.AlertID,
		OrganizationID: out.OrganizationID,
		Scope:          string(out.Scope),
		AlertKind:      string(out.Kind),
	})
	return out, nil
}

// Acknowledge sets acknowledged_at on the active row, which tells the
// dispatcher to stop retrying without resolving the alert.
func (m *Machine) Acknowledge(ctx context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error {
	if err := m.store.AcknowledgeAlert(ctx, scope, orgID, alertID, now); err != nil {
		return fmt.Errorf("alertstate: acknowledge %s: %w", alertID, err)
	}
	m.appendAudit(audit.Event{Kind: "acknowledge", AlertID: alertID, OrganizationID: orgID, Scope: string(scope)})
	return nil
}

// Resolve copies the active row into the organization's historical
// partition with resolved_at = now, then deletes the active row (P4).
func (m *Machine) Resolve(ctx context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error {
	if err := m.store.ResolveAlert(ctx, scope, orgID, alertID, now); err != nil {
		return fmt.Errorf("alertstate: resolve %s: %w", alertID, err)
	}
	m.appendAudit(audit.Event{Kind: "resolve", AlertID: alertID, OrganizationID: orgID, Scope: string(scope)})
	return nil
}

// SetSendState validates and applies a per-channel send-state transition.
// Only no_send→{send_success,send_failed} and send_failed→send_success are
// permitted (I4); send_success never transitions (P3). Writing the state a
// channel already has is accepted and re-applied.
func (m *Machine) SetSendState(ctx context.Context, scope store.AlertScope, orgID, alertID string, svc store.ServiceType, newState store.SendState) error {
	current, found, err := m.store.GetActiveAlert(ctx, scope, orgID, alertID)
	if err != nil {
		return fmt.Errorf("alertstate: set send state %s: %w", alertID, err)
	}
	if !found {
		return fmt.Errorf("alertstate: set send state %s: %w", alertID, ErrInvalidSendStateTransition)
	}

	if !validTransition(current.SendStateOf(svc), newState) {
		return fmt.Errorf("alertstate: %s %s->%s: %w", svc, current.SendStateOf(svc), newState, ErrInvalidSendStateTransition)
	}

	if err := m.store.SetSendState(ctx, scope, orgID, alertID, svc, newState); err != nil {
		return fmt.Errorf("alertstate: set send state %s: %w", alertID, err)
	}
	m.appendAudit(audit.Event{
		Kind:           "send_state",
		AlertID:        alertID,
		OrganizationID: orgID,
		Scope:          string(scope),
		Channel:        string(svc),
		SendState:      string(newState),
	})
	return nil
}

func validTransition(current, next store.SendState) bool {
	if current == next {
		return true
	}
	switch current {
	case store.SendStateNoSend:
		return next == store.SendStateSuccess || next == store.SendStateFailed
	case store.SendStateFailed:
		return next == store.SendStateSuccess
	default: // send_success never transitions
		return false
	}
}

// appendAudit writes a best-effort audit entry. A failure to append is not
// surfaced to the caller: losing an audit line must never block an
// alert-lifecycle transition that has already been durably committed to
// the store.
func (m *Machine) appendAudit(ev audit.Event) {
	if m.audit == nil {
		return
	}
	_, _ = m.audit.AppendEvent(ev)
}
