// Package notify implements the notification dispatcher (C6): on alert
// activation it reads a tenant's channel settings, renders a per-channel
// payload, attempts delivery with a per-channel retry and circuit breaker,
// and persists the outcome as a send-state transition.
//
// Partial failure is expected and handled per channel: a failure on one
// channel (email, say) must never block delivery on another (Telegram,
// PagerDuty). An alert with at least one channel still in no_send/
// send_failed remains eligible for a future Dispatch call until it is
// acknowledged or resolved (§4.6); send_success is a one-way door (I4).
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/fleetwatch/core/internal/store"
)

// Payload is the rendered, channel-agnostic representation of one alert
// handed to a Channel's Send method.
type Payload struct {
	AlertID        string
	OrganizationID string
	Kind           store.AlertKind
	Scope          store.AlertScope
	MachineID      string
	NodeName       string
	CreatedAt      time.Time
	Resolved       bool
	Text           string // fully rendered message body
}

// Channel delivers a rendered Payload to a single external notification
// provider (email, Telegram, PagerDuty, ...).
type Channel interface {
	Service() store.ServiceType
	Send(ctx context.Context, recipients []string, p Payload) error
}

// SettingsStore is the subset of the telemetry store (C2) the dispatcher
// needs to decide who to notify and how.
type SettingsStore interface {
	GetNotificationSettings(ctx context.Context, orgID string) (store.NotificationSettings, error)
	GetServiceSettings(ctx context.Context, orgID string) (store.ServiceSettings, error)
}

// AlertState is the narrow seam into the alert state machine (C4) used to
// record the outcome of a delivery attempt.
type AlertState interface {
	SetSendState(ctx context.Context, scope store.AlertScope, orgID, alertID string, svc store.ServiceType, state store.SendState) error
}

// Dispatcher renders and delivers alerts across every enabled channel for
// an organization. Create one with New.
type Dispatcher struct {
	settings  SettingsStore
	state     AlertState
	channels  []Channel
	templates *Templates

	breakers map[store.ServiceType]*gobreaker.CircuitBreaker
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTemplates overrides the default Templates (kind-specific → generic →
// built-in minimal).
func WithTemplates(t *Templates) Option {
	return func(d *Dispatcher) { d.templates = t }
}

// New creates a Dispatcher that delivers through channels, persisting
// outcomes via state and reading per-organization settings via settings.
func New(settings SettingsStore, state AlertState, channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		settings:  settings,
		state:     state,
		channels:  channels,
		templates: DefaultTemplates(),
		breakers:  map[store.ServiceType]*gobreaker.CircuitBreaker{},
	}
	for _, ch := range channels {
		svc := ch.Service()
		d.breakers[svc] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(svc),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return d
}

// Dispatch delivers a just-activated (or still-retryable) alert across
// every channel enabled for its organization and whose bit is set for its
// kind. Channel failures are independent: one channel's error never
// prevents another from being attempted, and Dispatch itself only returns
// an error when the settings lookups fail (there is nothing to deliver
// without them).
func (d *Dispatcher) Dispatch(ctx context.Context, a store.Alert) error {
	settings, err := d.settings.GetNotificationSettings(ctx, a.OrganizationID)
	if err != nil {
		return fmt.Errorf("notify: get notification settings %s: %w", a.OrganizationID, err)
	}
	if !settings.Deliverable(a.Kind) {
		return nil
	}
	svcSettings, err := d.settings.GetServiceSettings(ctx, a.OrganizationID)
	if err != nil {
		return fmt.Errorf("notify: get service settings %s: %w", a.OrganizationID, err)
	}

	text := d.templates.Render(a)
	payload := Payload{
		AlertID:        a.AlertID,
		OrganizationID: a.OrganizationID,
		Kind:           a.Kind,
		Scope:          a.Scope,
		MachineID:      a.MachineID,
		NodeName:       a.NodeName,
		CreatedAt:      a.CreatedAt,
		Resolved:       a.ResolvedAt != nil,
		Text:           text,
	}

	for _, ch := range d.channels {
		svc := ch.Service()
		if !channelEnabled(settings, svc) {
			continue
		}
		// Idempotent with respect to send_success (§4.6 deliverability
		// invariant): a channel that already succeeded is never retried.
		if a.SendStateOf(svc) == store.SendStateSuccess {
			continue
		}
		recipients := recipientsFor(svcSettings, svc)
		if len(recipients) == 0 {
			continue
		}
		d.deliverOne(ctx, ch, a, recipients, payload)
	}
	return nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, ch Channel, a store.Alert, recipients []string, payload Payload) {
	svc := ch.Service()
	breaker := d.breakers[svc]

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	retryable := backoff.WithMaxRetries(b, 2) // 3 attempts total, per §4.6

	err := backoff.Retry(func() error {
		_, breakerErr := breaker.Execute(func() (any, error) {
			return nil, ch.Send(ctx, recipients, payload)
		})
		return breakerErr
	}, retryable)

	newState := store.SendStateSuccess
	if err != nil {
		newState = store.SendStateFailed
	}
	_ = d.state.SetSendState(ctx, a.Scope, a.OrganizationID, a.AlertID, svc, newState)
}

func channelEnabled(s store.NotificationSettings, svc store.ServiceType) bool {
	switch svc {
	case store.ServiceEmail:
		return s.EmailEnabled
	case store.ServiceTelegram:
		return s.TelegramEnabled
	case store.ServicePagerDuty:
		return s.PagerDutyEnabled
	default:
		return false
	}
}

func recipientsFor(s store.ServiceSettings, svc store.ServiceType) []string {
	switch svc {
	case store.ServiceEmail:
		return s.EmailRecipients
	case store.ServiceTelegram:
		return s.TelegramChatIDs
	case store.ServicePagerDuty:
		return s.PagerDutyKeys
	default:
		return nil
	}
}
