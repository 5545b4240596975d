package notify

import (
	"context"
	"fmt"

	"github.com/PagerDuty/go-pagerduty"

	"github.com/fleetwatch/core/internal/store"
)

// PagerDutyChannel delivers alerts as PagerDuty Events v2, grounded on
// tenderduty's notifyPagerduty.
type PagerDutyChannel struct{}

// NewPagerDutyChannel creates a PagerDutyChannel. Integration keys are
// supplied per-call as Channel.Send's recipients (one event per key), since
// PagerDuty routing keys are per-organization service settings rather than
// a single global credential.
func NewPagerDutyChannel() *PagerDutyChannel { return &PagerDutyChannel{} }

// Service implements Channel.
func (c *PagerDutyChannel) Service() store.ServiceType { return store.ServicePagerDuty }

// Send implements Channel, triggering (or resolving) a PagerDuty event per
// integration key in recipients.
func (c *PagerDutyChannel) Send(ctx context.Context, recipients []string, p Payload) error {
	action := "trigger"
	if p.Resolved {
		action = "resolve"
	}
	severity := severityFor(p.Kind)

	for _, routingKey := range recipients {
		_, err := pagerduty.ManageEventWithContext(ctx, pagerduty.V2Event{
			RoutingKey: routingKey,
			Action:     action,
			DedupKey:   p.AlertID,
			Payload: &pagerduty.V2Payload{
				Summary:  p.Text,
				Source:   p.AlertID,
				Severity: severity,
			},
		})
		if err != nil {
			return fmt.Errorf("notify: pagerduty event for %s: %w", routingKey, err)
		}
	}
	return nil
}

// severityFor maps an alert kind to a PagerDuty severity; liveness and
// immediate-update conditions are critical, everything else is a warning.
func severityFor(kind store.AlertKind) string {
	switch kind {
	case store.AlertNodeNotResponding, store.AlertMachineNotResponding, store.AlertClientNotResponding,
		store.AlertNodeNeedsImmediateUpdate:
		return "critical"
	default:
		return "warning"
	}
}
